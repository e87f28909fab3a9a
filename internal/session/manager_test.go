package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return Config{ProductDirName: ".hydra-test", PreserveOnDisconnect: true, RemoveRetries: 2}
}

// initRepo creates a bare-bones git checkout with an initial commit on
// "main" at dir.
func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial commit")
}

func TestNewManager(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if mgr.RepoPath() == "" {
		t.Fatal("expected non-empty repo path")
	}
	if mgr.RepoHash() == "" {
		t.Fatal("expected non-empty repo hash")
	}
}

func TestNewManager_NotAGitRepo(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()

	if _, err := NewManager(cfg, dir, newTestLogger()); err == nil {
		t.Fatal("expected error for non-git directory")
	}
}

func TestNewManager_SynthesizesInitialCommit(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "main")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init failed: %v\n%s", err, out)
	}

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := revParse(mgr.RepoPath(), "HEAD"); err != nil {
		t.Fatalf("expected HEAD to resolve after synthesized initial commit: %v", err)
	}
}

func TestManager_CreateAndDestroy(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx := context.Background()
	sess, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/one"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.BranchName != "feature/one" {
		t.Errorf("BranchName = %q, want feature/one", sess.BranchName)
	}
	if sess.BaseBranchName != "main" {
		t.Errorf("BaseBranchName = %q, want main", sess.BaseBranchName)
	}
	if !pathExists(sess.WorktreePath) {
		t.Fatal("expected worktree directory to exist")
	}

	if _, ok := mgr.GetSession(sess.SessionID); !ok {
		t.Fatal("expected session to be retrievable by id")
	}
	if found, ok := mgr.SessionByBranch("feature/one"); !ok || found.SessionID != sess.SessionID {
		t.Fatal("expected session to be retrievable by branch name")
	}

	if err := mgr.Destroy(ctx, sess.SessionID, false); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, ok := mgr.GetSession(sess.SessionID); ok {
		t.Fatal("expected session to be gone after Destroy")
	}
	if pathExists(sess.WorktreePath) {
		t.Fatal("expected worktree directory to be removed after Destroy(preserve=false)")
	}
}

func TestManager_CreateDuplicateBranchReturnsExisting(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx := context.Background()
	first, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/dup"})
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	second, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/dup"})
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Error("expected second Create on same branch to return the existing session")
	}
}

func TestManager_CreateRejectsOccupiedWorktreePath(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	worktreePath := WorktreePath(mgr.baseDir, "feature/occupied")
	if err := os.MkdirAll(worktreePath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := mgr.Create(context.Background(), CreateRequest{BranchName: "feature/occupied"}); err == nil {
		t.Fatal("expected error when worktree path is already occupied")
	}
}

func TestManager_AdoptReadsStoredBase(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx := context.Background()
	sess, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/adopt-me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mgr.Destroy(ctx, sess.SessionID, true); err != nil {
		t.Fatalf("Destroy(preserve=true) failed: %v", err)
	}
	if !pathExists(sess.WorktreePath) {
		t.Fatal("expected preserved worktree to remain on disk")
	}

	adopted, err := mgr.Create(ctx, CreateRequest{BranchName: "feature/adopt-me", AdoptExisting: true})
	if err != nil {
		t.Fatalf("adopt Create failed: %v", err)
	}
	if adopted.BaseBranchName != "main" {
		t.Errorf("adopted BaseBranchName = %q, want main (read through stored git config)", adopted.BaseBranchName)
	}
}

func TestManager_AdoptWithoutStoredBaseFallsBackToDefaultDetection(t *testing.T) {
	cfg := newTestConfig(t)
	dir := t.TempDir()
	initRepo(t, dir)

	mgr, err := NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	worktreePath := WorktreePath(mgr.baseDir, "feature/no-base")
	cmd := exec.Command("git", "worktree", "add", worktreePath, "-b", "feature/no-base")
	cmd.Dir = mgr.RepoPath()
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git worktree add failed: %v\n%s", err, out)
	}

	sess, err := mgr.Create(context.Background(), CreateRequest{BranchName: "feature/no-base", AdoptExisting: true})
	if err != nil {
		t.Fatalf("adopt Create failed: %v", err)
	}
	if sess.BaseBranchName != "main" {
		t.Errorf("BaseBranchName = %q, want main (detected fallback)", sess.BaseBranchName)
	}
	if got, ok := getBranchBase(worktreePath, "feature/no-base"); !ok || got != "main" {
		t.Error("expected detected base to be persisted to git config for future adoptions")
	}
}

func TestWithinWorktree(t *testing.T) {
	cases := []struct {
		name    string
		relPath string
		wantOK  bool
	}{
		{"plain file", "foo/bar.txt", true},
		{"traversal attempt", "../../etc/passwd", true}, // cleaned to stay inside
		{"absolute-looking path", "/etc/passwd", true},  // still rooted at worktree
	}
	worktree := t.TempDir()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			full, ok := withinWorktree(worktree, tc.relPath)
			if ok != tc.wantOK {
				t.Fatalf("withinWorktree(%q) ok = %v, want %v", tc.relPath, ok, tc.wantOK)
			}
			if ok && !filepathHasPrefix(full, worktree) {
				t.Errorf("resolved path %q escaped worktree %q", full, worktree)
			}
		})
	}
}

func filepathHasPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)+1] == prefix+string(os.PathSeparator)
}

func TestSessionModel(t *testing.T) {
	sess := &model.Session{RepoHash: "abc123", BranchName: "feature/x"}
	key := sess.Key()
	if key.RepoHash != "abc123" || key.BranchName != "feature/x" {
		t.Errorf("unexpected ConnectionKey: %+v", key)
	}
}
