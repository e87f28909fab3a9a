package hub

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/gitops"
	"github.com/kandev/hydra/internal/pty"
	"github.com/kandev/hydra/internal/session"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial commit")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Manager) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	initTestRepo(t, dir)

	cfg := session.Config{ProductDirName: ".hydra-test", PreserveOnDisconnect: true, RemoveRetries: 2}
	mgr, err := session.NewManager(cfg, dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	h := New(mgr, newTestLogger())
	ops := gitops.NewEngine(mgr, config.AgentConfig{}, newTestLogger())
	sup := pty.NewSupervisor(config.AgentConfig{}, newTestLogger())
	d := NewDispatcher(h, mgr, ops, sup, "http://127.0.0.1:0", "test-secret", newTestLogger())
	return d, mgr
}

func TestDispatcher_HandleDestroyPushesDiscardAndClose(t *testing.T) {
	d, mgr := newTestDispatcher(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/discard-me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	state := &socketState{sessionID: sess.SessionID, key: sess.Key()}

	mgmt := newTestClient(t)
	d.hub.registerManagement(mgmt)

	preserve := false
	d.handleDestroy(ctx, newTestClient(t), state, ClientFrame{PreserveWorktree: &preserve})

	frame := drainFrame(t, mgmt)
	if frame.Type != "discardAndClose" {
		t.Errorf("frame.Type = %q, want discardAndClose", frame.Type)
	}
}

func TestDispatcher_HandleDestroyPushesKeepBranchAndClose(t *testing.T) {
	d, mgr := newTestDispatcher(t)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, session.CreateRequest{BranchName: "feature/keep-me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	state := &socketState{sessionID: sess.SessionID, key: sess.Key()}

	mgmt := newTestClient(t)
	d.hub.registerManagement(mgmt)

	preserve := true
	d.handleDestroy(ctx, newTestClient(t), state, ClientFrame{PreserveWorktree: &preserve})

	frame := drainFrame(t, mgmt)
	if frame.Type != "keepBranchAndClose" {
		t.Errorf("frame.Type = %q, want keepBranchAndClose", frame.Type)
	}
}
