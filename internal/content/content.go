// Package content stores project pages and asset files. Two backends
// exist: a per-project git repository on local disk, which keeps full
// save history, and an S3 bucket, which keeps only the latest state.
package content

import (
	"context"
	"errors"
	"time"
)

// PageFile is the single page every project revolves around.
const PageFile = "index.html"

// DefaultPage seeds newly created projects.
const DefaultPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>New Project</title>
</head>
<body>
  <h1>New Project</h1>
  <p>Start editing this page.</p>
</body>
</html>
`

var (
	// ErrNotFound reports a missing project or file.
	ErrNotFound = errors.New("content not found")
	// ErrHistoryUnsupported is returned by backends without revision
	// tracking.
	ErrHistoryUnsupported = errors.New("history not supported by this backend")
)

// Revision describes one saved version of a project page.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// FileInfo describes an uploaded asset file.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Store is the storage backend for project pages and files.
type Store interface {
	// EnsureProject creates the project's storage with a default page
	// if it does not exist yet.
	EnsureProject(ctx context.Context, project, author string) error
	LoadPage(ctx context.Context, project string) (string, error)
	SavePage(ctx context.Context, project, html, author string) error

	// ListFiles returns the project's asset files, excluding the page
	// itself.
	ListFiles(ctx context.Context, project string) ([]FileInfo, error)
	SaveFile(ctx context.Context, project, name string, data []byte, author string) error
	ReadFile(ctx context.Context, project, name string) ([]byte, error)
	DeleteFile(ctx context.Context, project, name, author string) error

	RenameProject(ctx context.Context, oldKey, newKey string) error
	RemoveProject(ctx context.Context, project string) error

	// History lists page revisions, newest first. PageAt returns the
	// page as of a revision hash. Backends without version tracking
	// return ErrHistoryUnsupported.
	History(ctx context.Context, project string, limit int) ([]Revision, error)
	PageAt(ctx context.Context, project, hash string) (string, error)
}
