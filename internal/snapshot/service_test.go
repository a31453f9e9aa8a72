package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func sampleDoc(key string) map[string]any {
	return map[string]any{
		"$anchor": "a-proj",
		"key":     key,
		"order":   0,
		"files": []any{
			map[string]any{
				"$anchor": "a-f1",
				"key":     "main",
				"fmodels": []any{
					map[string]any{"$anchor": "a-m1", "key": "root", "type": "object", "is_entry": true},
				},
			},
		},
	}
}

func TestProjectRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1", sampleDoc("shapes"), "Avery"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "proj-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// second call must be a no-op
	if err := svc.EnsureProjectRepo("proj-1", sampleDoc("other"), "Avery"); err != nil {
		t.Fatalf("EnsureProjectRepo() second call error = %v", err)
	}

	commit, err := svc.Commit("proj-1", sampleDoc("shapes-v2"), "Avery", "Apply diff")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History("proj-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Message != "Apply diff" {
		t.Fatalf("unexpected head message: %q", history[0].Message)
	}

	raw, err := svc.Content("proj-1", commit.Hash)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("stored schema is not valid JSON: %v", err)
	}
	if doc["key"] != "shapes-v2" {
		t.Fatalf("unexpected stored doc key: %v", doc["key"])
	}
}

func TestTagNamedVersion(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1", sampleDoc("shapes"), "Avery"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}
	commit, err := svc.Commit("proj-1", sampleDoc("shapes-v2"), "Avery", "Apply diff")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := svc.Tag("proj-1", commit.Hash, "v1"); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}
	// Re-tagging the same name must not error.
	if err := svc.Tag("proj-1", commit.Hash, "v1"); err != nil {
		t.Fatalf("Tag() repeat error = %v", err)
	}

	info, err := svc.CommitByHash("proj-1", commit.Hash)
	if err != nil {
		t.Fatalf("CommitByHash() error = %v", err)
	}
	if info.Hash != commit.Hash {
		t.Fatalf("hash mismatch: %q vs %q", info.Hash, commit.Hash)
	}
}

func TestConcurrentCommits(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1", sampleDoc("shapes"), "Avery"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := sampleDoc(fmt.Sprintf("shapes-%02d", idx))
			if _, err := svc.Commit("proj-1", doc, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Commit() concurrent error = %v", err)
		}
	}

	history, err := svc.History("proj-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits, got %d", writers+1, len(history))
	}
}
