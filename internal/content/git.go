package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitStore keeps each project in its own git repository under baseDir.
// Every save, upload and delete becomes a commit on main.
type GitStore struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGitStore(baseDir string) *GitStore {
	return &GitStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *GitStore) repoPath(project string) string {
	return filepath.Join(s.baseDir, project)
}

func (s *GitStore) projectLock(project string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[project]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[project] = lock
	return lock
}

func (s *GitStore) EnsureProject(ctx context.Context, project, author string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(project)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, PageFile), []byte(DefaultPage), 0o644); err != nil {
		return fmt.Errorf("write initial page: %w", err)
	}
	if _, err := worktree.Add(PageFile); err != nil {
		return fmt.Errorf("git add initial page: %w", err)
	}
	hash, err := worktree.Commit("Create project", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial page: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func (s *GitStore) LoadPage(ctx context.Context, project string) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(filepath.Join(s.repoPath(project), PageFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return string(data), nil
}

func (s *GitStore) SavePage(ctx context.Context, project, html, author string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	return s.commitFile(project, PageFile, []byte(html), author, "Save page")
}

func (s *GitStore) ListFiles(ctx context.Context, project string) ([]FileInfo, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	entries, err := os.ReadDir(s.repoPath(project))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	files := make([]FileInfo, 0)
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == PageFile {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat file: %w", err)
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: info.Size()})
	}
	return files, nil
}

func (s *GitStore) SaveFile(ctx context.Context, project, name string, data []byte, author string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	return s.commitFile(project, name, data, author, "Upload "+name)
}

func (s *GitStore) ReadFile(ctx context.Context, project, name string) ([]byte, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(filepath.Join(s.repoPath(project), name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (s *GitStore) DeleteFile(ctx context.Context, project, name, author string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(filepath.Join(s.repoPath(project), name)); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}

	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Remove(name); err != nil {
		return fmt.Errorf("git rm %s: %w", name, err)
	}
	if _, err := worktree.Commit("Delete "+name, &git.CommitOptions{
		Author: signature(author),
	}); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *GitStore) RenameProject(ctx context.Context, oldKey, newKey string) error {
	oldLock := s.projectLock(oldKey)
	oldLock.Lock()
	defer oldLock.Unlock()

	if _, err := os.Stat(s.repoPath(oldKey)); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err := os.Rename(s.repoPath(oldKey), s.repoPath(newKey)); err != nil {
		return fmt.Errorf("rename project dir: %w", err)
	}
	return nil
}

func (s *GitStore) RemoveProject(ctx context.Context, project string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(project)); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	return nil
}

func (s *GitStore) History(ctx context.Context, project string, limit int) ([]Revision, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	revisions := make([]Revision, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		revisions = append(revisions, toRevision(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return revisions, nil
}

func (s *GitStore) PageAt(ctx context.Context, project, hash string) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return "", ErrNotFound
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return "", ErrNotFound
	}
	file, err := commitObj.File(PageFile)
	if err != nil {
		return "", fmt.Errorf("load page from commit: %w", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read page from commit: %w", err)
	}
	return contents, nil
}

func (s *GitStore) commitFile(project, name string, data []byte, author, message string) error {
	path := s.repoPath(project)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return fmt.Errorf("git add %s: %w", name, err)
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	}); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@atelier.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
