package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
	"github.com/kandev/hydra/internal/session"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestManager(t *testing.T, dir string) *session.Manager {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := session.Config{ProductDirName: ".hydra-test", PreserveOnDisconnect: true, RemoveRetries: 2}
	mgr, err := session.NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run(t, dir, "add", "README.md")
	run(t, dir, "commit", "-m", "initial commit")
}

func TestEngine_Commit(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)
	engine := NewEngine(mgr, config.AgentConfig{}, newTestLogger())

	ctx := context.Background()
	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/commit"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(sess.WorktreePath, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := engine.Commit(ctx, sess.SessionID, "add new.txt"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	log, err := mgr.GetCommitLog(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetCommitLog failed: %v", err)
	}
	if len(log) != 1 || log[0].Subject != "add new.txt" {
		t.Fatalf("unexpected commit log: %+v", log)
	}
}

func TestEngine_CommitNothingToCommitIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)
	engine := NewEngine(mgr, config.AgentConfig{}, newTestLogger())

	ctx := context.Background()
	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/empty-commit"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := engine.Commit(ctx, sess.SessionID, "nothing changed"); err != nil {
		t.Fatalf("Commit with no changes should be a no-op, got: %v", err)
	}
}

func TestEngine_RebaseCleanFastForward(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)
	engine := NewEngine(mgr, config.AgentConfig{}, newTestLogger())

	ctx := context.Background()
	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/rebase-clean"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Advance main so the session branch is behind.
	if err := os.WriteFile(filepath.Join(dir, "main-change.txt"), []byte("m"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run(t, dir, "add", "main-change.txt")
	run(t, dir, "commit", "-m", "advance main")

	if err := os.WriteFile(filepath.Join(sess.WorktreePath, "feature-change.txt"), []byte("f"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := engine.Commit(ctx, sess.SessionID, "feature commit"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	resolved, err := engine.Rebase(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}
	if resolved {
		t.Error("expected no conflict resolution on a clean rebase")
	}

	if !fileExists(filepath.Join(sess.WorktreePath, "main-change.txt")) {
		t.Error("expected main-change.txt to be present in worktree after rebase onto main")
	}
}

func TestEngine_MergeFastForwardsMainCheckout(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)
	engine := NewEngine(mgr, config.AgentConfig{}, newTestLogger())

	ctx := context.Background()
	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/merge-me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(sess.WorktreePath, "feature.txt"), []byte("f"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	result, err := engine.Merge(ctx, sess.SessionID, "merge feature")
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if result.ConflictsResolved {
		t.Error("expected ConflictsResolved=false on a clean merge")
	}

	if !fileExists(filepath.Join(dir, "feature.txt")) {
		t.Error("expected feature.txt to appear in the main checkout after merge")
	}
}

func TestEngine_RebaseWithAgentResolvedConflict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake resolver script is a POSIX shell script")
	}

	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)

	binDir := t.TempDir()
	resolverPath := filepath.Join(binDir, "fake-agent")
	script := "#!/bin/sh\ngit add -A\ngit -c core.editor=true rebase --continue\n"
	if err := os.WriteFile(resolverPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake resolver: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	engine := NewEngine(mgr, config.AgentConfig{ExecutableName: "fake-agent"}, newTestLogger())

	ctx := context.Background()
	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/conflict"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("main changed\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run(t, dir, "add", "README.md")
	run(t, dir, "commit", "-m", "conflicting main change")

	if err := os.WriteFile(filepath.Join(sess.WorktreePath, "README.md"), []byte("feature changed\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := engine.Commit(ctx, sess.SessionID, "conflicting feature change"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	resolved, err := engine.Rebase(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}
	if !resolved {
		t.Error("expected the fake resolver's resolution to be reported as resolved")
	}
}

func TestEngine_RebaseRefusesRecursiveInvocation(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)
	engine := NewEngine(mgr, config.AgentConfig{}, newTestLogger())

	ctx := context.Background()
	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/recursive-rebase"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !engine.enter(sess.SessionID) {
		t.Fatalf("enter should succeed the first time")
	}
	defer engine.leave(sess.SessionID)

	if _, err := engine.Rebase(ctx, sess.SessionID); !errors.Is(err, model.ErrResolverRecursion) {
		t.Fatalf("Rebase while already in flight: got %v, want %v", err, model.ErrResolverRecursion)
	}
	if _, err := engine.Merge(ctx, sess.SessionID, "merge while rebasing"); !errors.Is(err, model.ErrResolverRecursion) {
		t.Fatalf("Merge while already in flight: got %v, want %v", err, model.ErrResolverRecursion)
	}
}

func TestEngine_EnterLeaveReleasesSlot(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	mgr := newTestManager(t, dir)
	engine := NewEngine(mgr, config.AgentConfig{}, newTestLogger())

	const sessionID = "session-under-test"
	if !engine.enter(sessionID) {
		t.Fatalf("enter should succeed when nothing is in flight")
	}
	if engine.enter(sessionID) {
		t.Fatalf("enter should refuse a second concurrent claim")
	}
	engine.leave(sessionID)
	if !engine.enter(sessionID) {
		t.Fatalf("enter should succeed again after leave")
	}
	engine.leave(sessionID)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestIsNothingToCommit(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"nothing to commit, working tree clean", true},
		{"no changes added to commit", false},
		{"nothing added to commit but untracked files present", true},
		{"fatal: not a git repository", false},
	}
	for _, tc := range cases {
		if got := isNothingToCommit(errString(tc.msg)); got != tc.want {
			t.Errorf("isNothingToCommit(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
