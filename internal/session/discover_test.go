package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_DiscoverWorktreesFindsPreservedSessionsOnly(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()

	live, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/live"})
	if err != nil {
		t.Fatalf("Create(live) failed: %v", err)
	}
	preserved, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/preserved"})
	if err != nil {
		t.Fatalf("Create(preserved) failed: %v", err)
	}

	if err := mgr.Destroy(ctx, preserved.SessionID, true); err != nil {
		t.Fatalf("Destroy(preserve=true) failed: %v", err)
	}

	discovered, err := mgr.DiscoverWorktrees(ctx)
	if err != nil {
		t.Fatalf("DiscoverWorktrees failed: %v", err)
	}

	if len(discovered) != 1 || discovered[0] != "feature/preserved" {
		t.Fatalf("discovered = %v, want exactly [feature/preserved]", discovered)
	}
	_ = live
}

func TestValidateRepositoryPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	initRepo(t, dir)

	if err := ValidateRepositoryPath(dir); err != nil {
		t.Errorf("expected a real git checkout to validate, got: %v", err)
	}

	notARepo := filepath.Join(t.TempDir(), "plain")
	if err := os.MkdirAll(notARepo, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ValidateRepositoryPath(notARepo); err == nil {
		t.Error("expected a plain directory to fail validation")
	}

	if err := ValidateRepositoryPath(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected a nonexistent path to fail validation")
	}
}
