package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// VisibilityGrant controls who may read a project. A grant with UserID
// set names one user and overrides role rules for them; a grant with
// UserID unset applies to everyone holding a compatible role. A project
// with no grants at all is readable by any authenticated user.
type VisibilityGrant struct {
	ID         string
	ProjectKey string
	Role       string
	UserID     *string
	Username   string
	CreatedAt  time.Time
}

type Project struct {
	Key       string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ShareLink struct {
	ShareID    string
	ProjectKey string
	CreatedBy  string
	CreatedAt  time.Time
}
