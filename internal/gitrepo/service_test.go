package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cowrite/api/internal/collab"
)

var _ collab.DocumentStore = (*Service)(nil)

func TestLoadWithoutRepoIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	text, err := svc.Load(context.Background(), "doc-new")
	if err != nil || text != "" {
		t.Fatalf("expected an empty seed, got %q (%v)", text, err)
	}
	history, err := svc.History("doc-new", 10)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected no history, got %v (%v)", history, err)
	}
}

func TestSaveCommitsOnlyChanges(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	if err := svc.Save(ctx, "doc-1", "hello"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}
	if err := svc.Save(ctx, "doc-1", "hello"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first, changed, err := svc.Commit("doc-1", "hello\nworld", "Avery", "Add world")
	if err != nil || !changed {
		t.Fatalf("Commit() = %v %v", changed, err)
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %+v", history)
	}
	if history[0].Hash != first.Hash || history[0].Author != "Avery" || history[0].Added == 0 {
		t.Fatalf("unexpected head commit %+v", history[0])
	}

	text, err := svc.Load(ctx, "doc-1")
	if err != nil || text != "hello\nworld" {
		t.Fatalf("Load() = %q, %v", text, err)
	}
	old, err := svc.ContentAt("doc-1", history[1].Hash)
	if err != nil || old != "hello" {
		t.Fatalf("ContentAt() = %q, %v", old, err)
	}
}

func TestSaveEmptyDocumentCreatesHistory(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.Save(context.Background(), "doc-empty", ""); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	history, err := svc.History("doc-empty", 0)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one commit, got %+v (%v)", history, err)
	}
}

func TestConcurrentSavesSameDocument(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := svc.Save(ctx, "doc-1", fmt.Sprintf("text-%02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Save() concurrent error = %v", err)
	}

	history, err := svc.History("doc-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
	head, _ := svc.Load(ctx, "doc-1")
	if !strings.HasPrefix(head, "text-") {
		t.Fatalf("unexpected head content %q", head)
	}
}

func TestRegistrySeedsFromRepository(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if err := svc.Save(ctx, "doc-seed", "from git"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reg := collab.NewRegistry(collab.RegistryConfig{SessionConfig: collab.SessionConfig{Store: svc}})
	s, err := reg.CreateOrJoin(ctx, "doc-seed", collab.Participant{ID: "p1"})
	if err != nil {
		t.Fatalf("CreateOrJoin() error = %v", err)
	}
	defer reg.Close(ctx)
	snap, err := s.Snapshot(ctx)
	if err != nil || snap.Text != "from git" {
		t.Fatalf("expected the saved text as seed, got %+v (%v)", snap, err)
	}
}
