package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateGrant is returned when an identical individual grant
// already exists for the project.
var ErrDuplicateGrant = errors.New("grant already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, created_at
		FROM users
		WHERE username ILIKE '%' || $1 || '%'
		ORDER BY username
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return affected > 0, nil
}

// ── Projects ──

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (key, created_by) VALUES ($1, $2)
	`, project.Key, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, key string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT key, created_by, created_at, updated_at FROM projects WHERE key = $1
	`, key).Scan(&project.Key, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, created_by, created_at, updated_at FROM projects ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.Key, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) SearchProjects(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM projects
		WHERE key ILIKE '%' || $1 || '%'
		ORDER BY key
	`, query)
	if err != nil {
		return nil, fmt.Errorf("search projects: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan project key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) TouchProject(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at = NOW() WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// RenameProject moves a project key. Grants, share links, favorites
// and the home project follow through ON UPDATE CASCADE.
func (s *PostgresStore) RenameProject(ctx context.Context, oldKey, newKey string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET key = $2, updated_at = NOW() WHERE key = $1`, oldKey, newKey)
	if err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	return affected > 0, nil
}

// ── Visibility grants ──

func (s *PostgresStore) ListGrants(ctx context.Context, projectKey string) ([]VisibilityGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.project_key, g.role, g.user_id, COALESCE(u.username, ''), g.created_at
		FROM visibility_grants g
		LEFT JOIN users u ON u.id = g.user_id
		WHERE g.project_key = $1
		ORDER BY g.created_at
	`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// GrantsByProject loads every grant in one pass, for access-filtering
// project listings without a query per project.
func (s *PostgresStore) GrantsByProject(ctx context.Context) (map[string][]VisibilityGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.project_key, g.role, g.user_id, COALESCE(u.username, ''), g.created_at
		FROM visibility_grants g
		LEFT JOIN users u ON u.id = g.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	defer rows.Close()

	grants, err := scanGrants(rows)
	if err != nil {
		return nil, err
	}
	byProject := make(map[string][]VisibilityGrant)
	for _, grant := range grants {
		byProject[grant.ProjectKey] = append(byProject[grant.ProjectKey], grant)
	}
	return byProject, nil
}

func scanGrants(rows *sql.Rows) ([]VisibilityGrant, error) {
	var grants []VisibilityGrant
	for rows.Next() {
		var grant VisibilityGrant
		var userID sql.NullString
		if err := rows.Scan(&grant.ID, &grant.ProjectKey, &grant.Role, &userID, &grant.Username, &grant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if userID.Valid {
			value := userID.String
			grant.UserID = &value
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// AddIndividualGrant inserts a user-specific grant, rejecting an exact
// duplicate. Individual grants are additive and never replace anything.
func (s *PostgresStore) AddIndividualGrant(ctx context.Context, grant VisibilityGrant) error {
	if grant.UserID == nil {
		return errors.New("individual grant requires user id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM visibility_grants
			WHERE project_key = $1 AND role = $2 AND user_id = $3
		)
	`, grant.ProjectKey, grant.Role, *grant.UserID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check grant: %w", err)
	}
	if exists {
		return ErrDuplicateGrant
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO visibility_grants (id, project_key, role, user_id)
		VALUES ($1, $2, $3, $4)
	`, grant.ID, grant.ProjectKey, grant.Role, *grant.UserID)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return tx.Commit()
}

// ReplaceRoleGrant swaps the project's role-based grant: all existing
// role-based grants go and the new one lands in the same transaction,
// so there is never a window with zero or duplicate role grants.
func (s *PostgresStore) ReplaceRoleGrant(ctx context.Context, grant VisibilityGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM visibility_grants WHERE project_key = $1 AND user_id IS NULL
	`, grant.ProjectKey); err != nil {
		return fmt.Errorf("clear role grants: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO visibility_grants (id, project_key, role, user_id)
		VALUES ($1, $2, $3, NULL)
	`, grant.ID, grant.ProjectKey, grant.Role); err != nil {
		return fmt.Errorf("insert role grant: %w", err)
	}
	return tx.Commit()
}

// DeleteGrant removes the grant matching (project, role, user_id)
// exactly; user_id nil matches only role-based grants.
func (s *PostgresStore) DeleteGrant(ctx context.Context, projectKey, role string, userID *string) (bool, error) {
	var result sql.Result
	var err error
	if userID == nil {
		result, err = s.db.ExecContext(ctx, `
			DELETE FROM visibility_grants
			WHERE project_key = $1 AND role = $2 AND user_id IS NULL
		`, projectKey, role)
	} else {
		result, err = s.db.ExecContext(ctx, `
			DELETE FROM visibility_grants
			WHERE project_key = $1 AND role = $2 AND user_id = $3
		`, projectKey, role, *userID)
	}
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return affected > 0, nil
}

// ── Share links ──

func (s *PostgresStore) InsertShare(ctx context.Context, share ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (share_id, project_key, created_by)
		VALUES ($1, $2, $3)
	`, share.ShareID, share.ProjectKey, share.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShare(ctx context.Context, shareID string) (ShareLink, error) {
	var share ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT share_id, project_key, created_by, created_at
		FROM share_links WHERE share_id = $1
	`, shareID).Scan(&share.ShareID, &share.ProjectKey, &share.CreatedBy, &share.CreatedAt)
	if err != nil {
		return ShareLink{}, err
	}
	return share, nil
}

func (s *PostgresStore) GetShareForProject(ctx context.Context, projectKey string) (ShareLink, error) {
	var share ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT share_id, project_key, created_by, created_at
		FROM share_links WHERE project_key = $1
		ORDER BY created_at LIMIT 1
	`, projectKey).Scan(&share.ShareID, &share.ProjectKey, &share.CreatedBy, &share.CreatedAt)
	if err != nil {
		return ShareLink{}, err
	}
	return share, nil
}

func (s *PostgresStore) DeleteSharesForProject(ctx context.Context, projectKey string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM share_links WHERE project_key = $1`, projectKey)
	if err != nil {
		return false, fmt.Errorf("delete share links: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete share links: %w", err)
	}
	return affected > 0, nil
}

// ── Favorites ──

func (s *PostgresStore) AddFavorite(ctx context.Context, projectKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO favorites (project_key) VALUES ($1)
		ON CONFLICT (project_key) DO NOTHING
	`, projectKey)
	if err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveFavorite(ctx context.Context, projectKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE project_key = $1`, projectKey)
	if err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFavorites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_key FROM favorites ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ── Home project ──

func (s *PostgresStore) SetHomeProject(ctx context.Context, projectKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO home_project (singleton, project_key) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET project_key = EXCLUDED.project_key
	`, projectKey)
	if err != nil {
		return fmt.Errorf("set home project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHomeProject(ctx context.Context) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT project_key FROM home_project`).Scan(&key)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ── Assist token ──

// SetAssistToken replaces the deployment's single AI key.
func (s *PostgresStore) SetAssistToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assist_token (singleton, token) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("set assist token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssistToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM assist_token`).Scan(&token)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ── Refresh sessions (Postgres fallback when Redis is absent) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
