package content

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestGitStore(t *testing.T) *GitStore {
	t.Helper()
	return NewGitStore(t.TempDir())
}

func TestEnsureProjectCreatesDefaultPage(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "site one", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}

	page, err := s.LoadPage(ctx, "site one")
	if err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}
	if !strings.Contains(page, "<html>") {
		t.Errorf("default page missing html scaffold: %q", page)
	}

	// Second ensure is a no-op and must not reset content.
	if err := s.SavePage(ctx, "site one", "<p>edited</p>", "alice"); err != nil {
		t.Fatalf("SavePage failed: %v", err)
	}
	if err := s.EnsureProject(ctx, "site one", "alice"); err != nil {
		t.Fatalf("second EnsureProject failed: %v", err)
	}
	page, err = s.LoadPage(ctx, "site one")
	if err != nil {
		t.Fatalf("LoadPage after re-ensure failed: %v", err)
	}
	if page != "<p>edited</p>" {
		t.Errorf("re-ensure overwrote content: %q", page)
	}
}

func TestSaveAndLoadPage(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "proj", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	if err := s.SavePage(ctx, "proj", "<h1>v2</h1>", "alice"); err != nil {
		t.Fatalf("SavePage failed: %v", err)
	}

	page, err := s.LoadPage(ctx, "proj")
	if err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}
	if page != "<h1>v2</h1>" {
		t.Errorf("unexpected page content: %q", page)
	}
}

func TestLoadPageMissingProject(t *testing.T) {
	s := newTestGitStore(t)

	_, err := s.LoadPage(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileLifecycle(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "proj", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	if err := s.SaveFile(ctx, "proj", "logo.png", []byte("png-bytes"), "alice"); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	files, err := s.ListFiles(ctx, "proj")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].Name != "logo.png" {
		t.Fatalf("expected only logo.png, got %+v", files)
	}

	data, err := s.ReadFile(ctx, "proj", "logo.png")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("unexpected file content: %q", data)
	}

	if err := s.DeleteFile(ctx, "proj", "logo.png", "alice"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if _, err := s.ReadFile(ctx, "proj", "logo.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	files, err = s.ListFiles(ctx, "proj")
	if err != nil {
		t.Fatalf("ListFiles after delete failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty file list, got %+v", files)
	}
}

func TestListFilesExcludesPage(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "proj", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	files, err := s.ListFiles(ctx, "proj")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	for _, f := range files {
		if f.Name == PageFile {
			t.Errorf("ListFiles returned the page file")
		}
	}
}

func TestHistoryAndPageAt(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "proj", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	if err := s.SavePage(ctx, "proj", "<p>first</p>", "alice"); err != nil {
		t.Fatalf("SavePage first failed: %v", err)
	}
	if err := s.SavePage(ctx, "proj", "<p>second</p>", "bob"); err != nil {
		t.Fatalf("SavePage second failed: %v", err)
	}

	revisions, err := s.History(ctx, "proj", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(revisions) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(revisions))
	}
	if revisions[0].Author != "bob" {
		t.Errorf("expected newest revision by bob, got %s", revisions[0].Author)
	}

	// revisions[1] is alice's first save.
	page, err := s.PageAt(ctx, "proj", revisions[1].Hash)
	if err != nil {
		t.Fatalf("PageAt failed: %v", err)
	}
	if page != "<p>first</p>" {
		t.Errorf("unexpected historical page: %q", page)
	}
}

func TestHistoryLimit(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "proj", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	for _, html := range []string{"<p>1</p>", "<p>2</p>", "<p>3</p>"} {
		if err := s.SavePage(ctx, "proj", html, "alice"); err != nil {
			t.Fatalf("SavePage failed: %v", err)
		}
	}

	revisions, err := s.History(ctx, "proj", 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(revisions) != 2 {
		t.Errorf("expected 2 revisions with limit, got %d", len(revisions))
	}
}

func TestRenameProject(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "old name", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	if err := s.SavePage(ctx, "old name", "<p>kept</p>", "alice"); err != nil {
		t.Fatalf("SavePage failed: %v", err)
	}

	if err := s.RenameProject(ctx, "old name", "new name"); err != nil {
		t.Fatalf("RenameProject failed: %v", err)
	}

	page, err := s.LoadPage(ctx, "new name")
	if err != nil {
		t.Fatalf("LoadPage after rename failed: %v", err)
	}
	if page != "<p>kept</p>" {
		t.Errorf("content lost across rename: %q", page)
	}
	if _, err := s.LoadPage(ctx, "old name"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old key should be gone, got %v", err)
	}
}

func TestRemoveProject(t *testing.T) {
	s := newTestGitStore(t)
	ctx := context.Background()

	if err := s.EnsureProject(ctx, "doomed", "alice"); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
	if err := s.RemoveProject(ctx, "doomed"); err != nil {
		t.Fatalf("RemoveProject failed: %v", err)
	}
	if _, err := s.LoadPage(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
}
