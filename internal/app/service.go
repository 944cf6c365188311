package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"atelier/internal/access"
	"atelier/internal/auth"
	"atelier/internal/config"
	"atelier/internal/content"
	"atelier/internal/editlock"
	"atelier/internal/rbac"
	"atelier/internal/store"
	"atelier/internal/util"

	"golang.org/x/crypto/bcrypt"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// EditView is what the editor endpoint returns: the page plus the
// caller's position in the edit session.
type EditView struct {
	Content                string `json:"content"`
	CanEdit                bool   `json:"can_edit"`
	Editor                 string `json:"editor"`
	Notify                 bool   `json:"notify"`
	InQueue                bool   `json:"in_queue"`
	BecameEditorAfterQueue bool   `json:"became_editor_after_queue"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	SearchUsers(context.Context, string, int) ([]store.User, error)
	DeleteUser(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	SearchProjects(context.Context, string) ([]string, error)
	TouchProject(context.Context, string) error
	RenameProject(context.Context, string, string) error
	DeleteProject(context.Context, string) (bool, error)

	ListGrants(context.Context, string) ([]store.VisibilityGrant, error)
	GrantsByProject(context.Context) (map[string][]store.VisibilityGrant, error)
	AddIndividualGrant(context.Context, store.VisibilityGrant) error
	ReplaceRoleGrant(context.Context, store.VisibilityGrant) error
	DeleteGrant(context.Context, string, string, *string) (bool, error)

	InsertShare(context.Context, store.ShareLink) error
	GetShare(context.Context, string) (store.ShareLink, error)
	GetShareForProject(context.Context, string) (store.ShareLink, error)
	DeleteSharesForProject(context.Context, string) (bool, error)

	AddFavorite(context.Context, string) error
	RemoveFavorite(context.Context, string) error
	ListFavorites(context.Context) ([]string, error)

	SetHomeProject(context.Context, string) error
	GetHomeProject(context.Context) (string, error)

	SetAssistToken(context.Context, string) error
	GetAssistToken(context.Context) (string, error)

	Ping(ctx context.Context) error
}

type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchService interface {
	Search(ctx context.Context, query string) []string
	IndexProject(key string)
	DeleteProject(key string)
	RenameProject(oldKey, newKey string)
	ReindexAll(keys []string)
}

type assistant interface {
	Generate(ctx context.Context, apiKey, prompt string) (string, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	content content.Store
	refresh refreshStore
	search  searchService
	assist  assistant
	locks   *editlock.Registry
}

// New wires the service. search may be nil when Meilisearch is not
// configured; refresh may be the Postgres store itself.
func New(cfg config.Config, dataStore dataStore, contentStore content.Store, refresh refreshStore, search searchService, assist assistant) *Service {
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		content: contentStore,
		refresh: refresh,
		search:  search,
		assist:  assist,
		locks:   editlock.NewRegistry(),
	}
}

// Locks exposes the edit session registry, mainly for tests.
func (s *Service) Locks() *editlock.Registry {
	return s.locks
}

// Bootstrap seeds the admin account and warms the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.AdminPassword != "" {
		_, err := s.store.GetUserByName(ctx, s.cfg.AdminUser)
		if errors.Is(err, sql.ErrNoRows) {
			hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.AdminPassword), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if err := s.store.CreateUser(ctx, store.User{
				ID:           util.NewID("usr"),
				Username:     s.cfg.AdminUser,
				PasswordHash: string(hash),
				Role:         string(rbac.RoleAdmin),
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	if s.search != nil {
		projects, err := s.store.ListProjects(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, len(projects))
		for i, project := range projects {
			keys[i] = project.Key
		}
		s.search.ReindexAll(keys)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Sessions ──

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.store.GetUserByName(ctx, strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
	}
	if err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	stub, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	// Reload the user so role changes made after issue take effect.
	user, err := s.store.GetUserByID(ctx, stub.ID)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ── Users ──

func (s *Service) CreateUser(ctx context.Context, username, password, role string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	if password == "" {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "password is required", nil)
	}
	if role == "" {
		role = string(rbac.RoleUser)
	}
	if !rbac.Valid(role) {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid role", nil)
	}

	if _, err := s.store.GetUserByName(ctx, username); err == nil {
		return store.User{}, domainError(http.StatusConflict, "CONFLICT", "Username already taken", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	user.PasswordHash = ""
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []store.User{}
	}
	return users, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]store.User, error) {
	users, err := s.store.SearchUsers(ctx, query, 10)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []store.User{}
	}
	return users, nil
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if userID == session.UserID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "You cannot delete your own account", nil)
	}
	found, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}
	return nil
}

// ── Projects ──

func validateProjectKey(key string) error {
	if key == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project name is required", nil)
	}
	if len(key) > 100 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project name too long", nil)
	}
	if strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") || key == ".git" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project name contains invalid characters", nil)
	}
	return nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, key string) (store.Project, error) {
	key = strings.TrimSpace(key)
	if err := validateProjectKey(key); err != nil {
		return store.Project{}, err
	}

	if _, err := s.store.GetProject(ctx, key); err == nil {
		return store.Project{}, domainError(http.StatusConflict, "CONFLICT", "Project already exists", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, err
	}

	project := store.Project{Key: key, CreatedBy: session.UserName}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	if err := s.content.EnsureProject(ctx, key, session.UserName); err != nil {
		return store.Project{}, err
	}
	if s.search != nil {
		s.search.IndexProject(key)
	}
	return project, nil
}

func (s *Service) RenameProject(ctx context.Context, session Session, oldKey, newKey string) error {
	newKey = strings.TrimSpace(newKey)
	if err := validateProjectKey(newKey); err != nil {
		return err
	}
	if _, err := s.requireEditCapable(ctx, session, oldKey); err != nil {
		return err
	}
	if err := s.requireNotHeldByOther(oldKey, session.UserName); err != nil {
		return err
	}
	if _, err := s.store.GetProject(ctx, newKey); err == nil {
		return domainError(http.StatusConflict, "CONFLICT", "Project already exists", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if err := s.store.RenameProject(ctx, oldKey, newKey); err != nil {
		return err
	}
	if err := s.content.RenameProject(ctx, oldKey, newKey); err != nil && !errors.Is(err, content.ErrNotFound) {
		return err
	}
	s.locks.Forget(oldKey)
	if s.search != nil {
		s.search.RenameProject(oldKey, newKey)
	}
	return nil
}

// DeleteProject removes the project and everything hanging off it.
// Admin only.
func (s *Service) DeleteProject(ctx context.Context, session Session, key string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.requireNotHeldByOther(key, session.UserName); err != nil {
		return err
	}

	found, err := s.store.DeleteProject(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err := s.content.RemoveProject(ctx, key); err != nil {
		return err
	}
	s.locks.Forget(key)
	if s.search != nil {
		s.search.DeleteProject(key)
	}
	return nil
}

// LibraryItem is one row in the project library.
type LibraryItem struct {
	Key      string `json:"key"`
	Favorite bool   `json:"favorite"`
	CanEdit  bool   `json:"can_edit"`
}

// Library lists the projects the caller may see, favorites first.
func (s *Service) Library(ctx context.Context, session Session, page, perPage int) (map[string]any, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	grantsByProject, err := s.store.GrantsByProject(ctx)
	if err != nil {
		return nil, err
	}
	favorites, err := s.store.ListFavorites(ctx)
	if err != nil {
		return nil, err
	}
	favoriteSet := make(map[string]bool, len(favorites))
	for _, key := range favorites {
		favoriteSet[key] = true
	}

	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	items := make([]LibraryItem, 0, len(projects))
	for _, project := range projects {
		grants := grantsByProject[project.Key]
		if !access.CanRead(user, grants) {
			continue
		}
		items = append(items, LibraryItem{
			Key:      project.Key,
			Favorite: favoriteSet[project.Key],
			CanEdit:  access.EditCapable(user, grants),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Favorite != items[j].Favorite {
			return items[i].Favorite
		}
		return items[i].Key < items[j].Key
	})

	total := len(items)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return map[string]any{
		"projects": items[start:end],
		"total":    total,
		"page":     page,
		"per_page": perPage,
	}, nil
}

// SearchProjects finds projects by name, filtered to what the caller
// may see.
func (s *Service) SearchProjects(ctx context.Context, session Session, query string) ([]string, error) {
	var keys []string
	if s.search != nil {
		keys = s.search.Search(ctx, query)
	} else {
		found, err := s.store.SearchProjects(ctx, query)
		if err != nil {
			return nil, err
		}
		keys = found
	}

	grantsByProject, err := s.store.GrantsByProject(ctx)
	if err != nil {
		return nil, err
	}
	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	visible := make([]string, 0, len(keys))
	for _, key := range keys {
		if access.CanRead(user, grantsByProject[key]) {
			visible = append(visible, key)
		}
	}
	return visible, nil
}

// ── Editing ──

// requireReadable loads the project and checks read access.
func (s *Service) requireReadable(ctx context.Context, session Session, key string) ([]store.VisibilityGrant, error) {
	if _, err := s.store.GetProject(ctx, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, key)
	if err != nil {
		return nil, err
	}
	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	if !access.CanRead(user, grants) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return grants, nil
}

// requireEditCapable additionally checks edit capability.
func (s *Service) requireEditCapable(ctx context.Context, session Session, key string) ([]store.VisibilityGrant, error) {
	grants, err := s.requireReadable(ctx, session, key)
	if err != nil {
		return nil, err
	}
	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	if !access.EditCapable(user, grants) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return grants, nil
}

// requireNotHeldByOther blocks structural changes while someone else
// holds a live edit lock on the project. A lapsed lock does not block;
// session records outlive their editors.
func (s *Service) requireNotHeldByOther(key, userName string) error {
	editor, live := s.locks.HeldBy(key)
	if live && editor != userName {
		return domainError(http.StatusConflict, "CONFLICT", "Someone else is editing this project", nil)
	}
	return nil
}

// AcquireOrObserve opens the editor view. Edit-capable callers run the
// lock acquisition algorithm; read-only callers just observe.
func (s *Service) AcquireOrObserve(ctx context.Context, session Session, key string) (EditView, error) {
	grants, err := s.requireReadable(ctx, session, key)
	if err != nil {
		return EditView{}, err
	}

	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	var status editlock.Status
	if access.EditCapable(user, grants) {
		status = s.locks.Acquire(key, session.UserName)
	} else {
		status = s.locks.Observe(key)
	}

	page, err := s.content.LoadPage(ctx, key)
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		return EditView{}, err
	}

	return EditView{
		Content:                page,
		CanEdit:                status.CanEdit,
		Editor:                 status.Editor,
		Notify:                 status.Notify,
		InQueue:                status.InQueue,
		BecameEditorAfterQueue: status.BecameEditorAfterQueue,
	}, nil
}

// Heartbeat refreshes the caller's claim on the edit session. It runs
// the same transition as AcquireOrObserve but requires that a session
// record already exists.
func (s *Service) Heartbeat(ctx context.Context, session Session, key string) (EditView, error) {
	grants, err := s.requireReadable(ctx, session, key)
	if err != nil {
		return EditView{}, err
	}
	if !s.locks.Has(key) {
		return EditView{}, domainError(http.StatusNotFound, "NOT_FOUND", "No edit session for this project", nil)
	}

	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	var status editlock.Status
	if access.EditCapable(user, grants) {
		status = s.locks.Acquire(key, session.UserName)
	} else {
		status = s.locks.Observe(key)
	}
	return EditView{
		CanEdit:                status.CanEdit,
		Editor:                 status.Editor,
		Notify:                 status.Notify,
		InQueue:                status.InQueue,
		BecameEditorAfterQueue: status.BecameEditorAfterQueue,
	}, nil
}

// guardMutation enforces the single-editor rule for content changes.
func (s *Service) guardMutation(ctx context.Context, session Session, key string) error {
	if _, err := s.requireEditCapable(ctx, session, key); err != nil {
		return err
	}
	return s.locks.Guard(key, session.UserName)
}

func (s *Service) PageContent(ctx context.Context, session Session, key string) (string, error) {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return "", err
	}
	page, err := s.content.LoadPage(ctx, key)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Project content not found", nil)
		}
		return "", err
	}
	return page, nil
}

func (s *Service) SavePage(ctx context.Context, session Session, key, html string) error {
	if err := s.guardMutation(ctx, session, key); err != nil {
		return err
	}
	if err := s.content.SavePage(ctx, key, html, session.UserName); err != nil {
		return err
	}
	return s.store.TouchProject(ctx, key)
}

func (s *Service) History(ctx context.Context, session Session, key string, limit int) ([]content.Revision, error) {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	revisions, err := s.content.History(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if revisions == nil {
		revisions = []content.Revision{}
	}
	return revisions, nil
}

func (s *Service) PageAt(ctx context.Context, session Session, key, hash string) (string, error) {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return "", err
	}
	page, err := s.content.PageAt(ctx, key, hash)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
		}
		return "", err
	}
	return page, nil
}

// ── Files ──

func validateFileName(name string) error {
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}
	if name == content.PageFile {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the page is managed through save", nil)
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name contains invalid characters", nil)
	}
	return nil
}

func (s *Service) ListFiles(ctx context.Context, session Session, key string) ([]content.FileInfo, error) {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return nil, err
	}
	files, err := s.content.ListFiles(ctx, key)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project content not found", nil)
		}
		return nil, err
	}
	if files == nil {
		files = []content.FileInfo{}
	}
	return files, nil
}

func (s *Service) ReadFile(ctx context.Context, session Session, key, name string) ([]byte, error) {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return nil, err
	}
	if err := validateFileName(name); err != nil {
		return nil, err
	}
	data, err := s.content.ReadFile(ctx, key, name)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "File not found", nil)
		}
		return nil, err
	}
	return data, nil
}

func (s *Service) UploadFile(ctx context.Context, session Session, key, name string, data []byte) error {
	if err := validateFileName(name); err != nil {
		return err
	}
	if err := s.guardMutation(ctx, session, key); err != nil {
		return err
	}
	if err := s.content.SaveFile(ctx, key, name, data, session.UserName); err != nil {
		return err
	}
	return s.store.TouchProject(ctx, key)
}

// DeleteFiles removes the named files. The whole batch runs under the
// editor guard; missing names are reported, not fatal.
func (s *Service) DeleteFiles(ctx context.Context, session Session, key string, names []string) (map[string]any, error) {
	if len(names) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no files named", nil)
	}
	for _, name := range names {
		if err := validateFileName(name); err != nil {
			return nil, err
		}
	}
	if err := s.guardMutation(ctx, session, key); err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(names))
	missing := make([]string, 0)
	for _, name := range names {
		err := s.content.DeleteFile(ctx, key, name, session.UserName)
		if errors.Is(err, content.ErrNotFound) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		deleted = append(deleted, name)
	}
	if err := s.store.TouchProject(ctx, key); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted, "missing": missing}, nil
}

// ── Visibility ──

func (s *Service) ListVisibility(ctx context.Context, session Session, key string) ([]store.VisibilityGrant, error) {
	grants, err := s.requireReadable(ctx, session, key)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []store.VisibilityGrant{}
	}
	return grants, nil
}

// AddVisibility adds a grant. With a username it is an additive
// individual grant; without one it replaces the project's role grant.
func (s *Service) AddVisibility(ctx context.Context, session Session, key, role, username string) error {
	if _, err := s.requireEditCapable(ctx, session, key); err != nil {
		return err
	}
	if !rbac.Valid(role) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid role", nil)
	}

	if username != "" {
		target, err := s.store.GetUserByName(ctx, username)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		if err != nil {
			return err
		}
		return s.store.AddIndividualGrant(ctx, store.VisibilityGrant{
			ID:         util.NewID("vis"),
			ProjectKey: key,
			Role:       role,
			UserID:     &target.ID,
		})
	}

	return s.store.ReplaceRoleGrant(ctx, store.VisibilityGrant{
		ID:         util.NewID("vis"),
		ProjectKey: key,
		Role:       role,
	})
}

func (s *Service) RemoveVisibility(ctx context.Context, session Session, key, role, username string) error {
	if _, err := s.requireEditCapable(ctx, session, key); err != nil {
		return err
	}

	var userID *string
	if username != "" {
		target, err := s.store.GetUserByName(ctx, username)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		if err != nil {
			return err
		}
		userID = &target.ID
	}

	found, err := s.store.DeleteGrant(ctx, key, role, userID)
	if err != nil {
		return err
	}
	if !found {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Grant not found", nil)
	}
	return nil
}

// ── Share links ──

// CreateShare returns the project's share link, creating one on first
// use.
func (s *Service) CreateShare(ctx context.Context, session Session, key string) (store.ShareLink, error) {
	if _, err := s.requireEditCapable(ctx, session, key); err != nil {
		return store.ShareLink{}, err
	}

	existing, err := s.store.GetShareForProject(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.ShareLink{}, err
	}

	share := store.ShareLink{
		ShareID:    util.NewID("shr"),
		ProjectKey: key,
		CreatedBy:  session.UserName,
	}
	if err := s.store.InsertShare(ctx, share); err != nil {
		return store.ShareLink{}, err
	}
	return share, nil
}

func (s *Service) GetShare(ctx context.Context, session Session, key string) (store.ShareLink, error) {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return store.ShareLink{}, err
	}
	share, err := s.store.GetShareForProject(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ShareLink{}, domainError(http.StatusNotFound, "NOT_FOUND", "No share link for this project", nil)
	}
	if err != nil {
		return store.ShareLink{}, err
	}
	return share, nil
}

func (s *Service) DeleteShare(ctx context.Context, session Session, key string) error {
	if _, err := s.requireEditCapable(ctx, session, key); err != nil {
		return err
	}
	found, err := s.store.DeleteSharesForProject(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No share link for this project", nil)
	}
	return nil
}

// SharedProjectName resolves a share link to its project key without
// loading content.
func (s *Service) SharedProjectName(ctx context.Context, shareID string) (string, error) {
	share, err := s.store.GetShare(ctx, shareID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Share link not found", nil)
	}
	if err != nil {
		return "", err
	}
	return share.ProjectKey, nil
}

// SharedPage resolves a public share link. No session required; the
// link itself is the authorization.
func (s *Service) SharedPage(ctx context.Context, shareID string) (map[string]any, error) {
	share, err := s.store.GetShare(ctx, shareID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Share link not found", nil)
	}
	if err != nil {
		return nil, err
	}
	page, err := s.content.LoadPage(ctx, share.ProjectKey)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project content not found", nil)
		}
		return nil, err
	}
	return map[string]any{
		"project": share.ProjectKey,
		"content": page,
	}, nil
}

// ── Favorites and home ──

// Favorites lists favorited project keys visible to the caller.
func (s *Service) Favorites(ctx context.Context, session Session) ([]string, error) {
	favorites, err := s.store.ListFavorites(ctx)
	if err != nil {
		return nil, err
	}
	grantsByProject, err := s.store.GrantsByProject(ctx)
	if err != nil {
		return nil, err
	}
	user := store.User{ID: session.UserID, Username: session.UserName, Role: session.Role}
	visible := make([]string, 0, len(favorites))
	for _, key := range favorites {
		if access.CanRead(user, grantsByProject[key]) {
			visible = append(visible, key)
		}
	}
	return visible, nil
}

func (s *Service) SetFavorite(ctx context.Context, session Session, key string, favorite bool) error {
	if _, err := s.requireReadable(ctx, session, key); err != nil {
		return err
	}
	if favorite {
		return s.store.AddFavorite(ctx, key)
	}
	return s.store.RemoveFavorite(ctx, key)
}

func (s *Service) SetHome(ctx context.Context, session Session, key string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.store.GetProject(ctx, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
		return err
	}
	return s.store.SetHomeProject(ctx, key)
}

// Home returns the deployment's landing page.
func (s *Service) Home(ctx context.Context, session Session) (map[string]any, error) {
	key, err := s.store.GetHomeProject(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No home project configured", nil)
	}
	if err != nil {
		return nil, err
	}
	page, pageErr := s.PageContent(ctx, session, key)
	if pageErr != nil {
		return nil, pageErr
	}
	return map[string]any{
		"project": key,
		"content": page,
	}, nil
}

// ── AI assist ──

// SetAssistToken stores the deployment's AI key. Admin only; there is
// a single key, not per-user credentials.
func (s *Service) SetAssistToken(ctx context.Context, session Session, token string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
	}
	return s.store.SetAssistToken(ctx, token)
}

// Assist forwards an editor prompt to the AI backend.
func (s *Service) Assist(ctx context.Context, session Session, text string) (string, error) {
	if !s.Can(session.Role, rbac.ActionWrite) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}

	token, err := s.store.GetAssistToken(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Assist token is not configured", nil)
	}
	if err != nil {
		return "", err
	}
	return s.assist.Generate(ctx, token, text)
}

// HomePage serves the home project anonymously. Setting a project as
// the landing page publishes it.
func (s *Service) HomePage(ctx context.Context) (map[string]any, error) {
	key, err := s.store.GetHomeProject(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No home project configured", nil)
	}
	if err != nil {
		return nil, err
	}
	page, err := s.content.LoadPage(ctx, key)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project content not found", nil)
		}
		return nil, err
	}
	return map[string]any{
		"project": key,
		"content": page,
	}, nil
}
