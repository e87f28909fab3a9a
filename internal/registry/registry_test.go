package registry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestConfig() config.Config {
	return config.Config{
		Worktree: config.WorktreeConfig{ProductDirName: ".hydra-test", PreserveOnDisconnect: true, RemoveRetries: 2},
		Agent:    config.AgentConfig{ExecutableName: "claude"},
		Hook:     config.HookConfig{SecretLength: 16},
		History:  config.HistoryConfig{Enabled: false},
	}
}

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

func fixedPort(p int) func() (int, error) {
	return func() (int, error) { return p, nil }
}

func TestRegistry_GetOrCreateBuildsComponentsOnce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	initRepo(t, dir)

	reg := New(newTestConfig(), newTestLogger())

	calls := 0
	portFn := func() (int, error) {
		calls++
		return 4100, nil
	}

	entry1, err := reg.GetOrCreate(dir, portFn)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if entry1.Manager == nil || entry1.Engine == nil || entry1.Supervisor == nil || entry1.Hub == nil || entry1.HookServer == nil {
		t.Fatalf("expected every component to be wired, got %+v", entry1)
	}
	if entry1.RepoHash == "" {
		t.Error("expected a non-empty repo hash")
	}
	if entry1.HookSecret == "" {
		t.Error("expected a non-empty hook secret")
	}

	entry2, err := reg.GetOrCreate(dir, portFn)
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if entry1 != entry2 {
		t.Error("expected the second GetOrCreate for the same path to return the cached entry")
	}
	if calls != 1 {
		t.Errorf("portFn called %d times, want exactly 1 (only on first creation)", calls)
	}

	if got, ok := reg.EntryByRepoHash(entry1.RepoHash); !ok || got != entry1 {
		t.Error("expected EntryByRepoHash to resolve the same entry")
	}
}

func TestRegistry_MultipleRepositoriesAreIndependent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dirA := t.TempDir()
	dirB := t.TempDir()
	initRepo(t, dirA)
	initRepo(t, dirB)

	reg := New(newTestConfig(), newTestLogger())

	entryA, err := reg.GetOrCreate(dirA, fixedPort(4100))
	if err != nil {
		t.Fatalf("GetOrCreate(A) failed: %v", err)
	}
	entryB, err := reg.GetOrCreate(dirB, fixedPort(4200))
	if err != nil {
		t.Fatalf("GetOrCreate(B) failed: %v", err)
	}

	if entryA.RepoHash == entryB.RepoHash {
		t.Fatal("expected distinct repositories to get distinct repo hashes")
	}
	if len(reg.Entries()) != 2 {
		t.Fatalf("expected 2 registered entries, got %d", len(reg.Entries()))
	}
}

func TestRegistry_SessionIndexing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	initRepo(t, dir)

	reg := New(newTestConfig(), newTestLogger())
	entry, err := reg.GetOrCreate(dir, fixedPort(4100))
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	reg.RegisterSession("sess-1", dir)
	mgr, ok := reg.ManagerBySessionID("sess-1")
	if !ok || mgr != entry.Manager {
		t.Fatal("expected ManagerBySessionID to resolve the owning Manager")
	}

	reg.Unregister("sess-1")
	if _, ok := reg.ManagerBySessionID("sess-1"); ok {
		t.Fatal("expected the session to be gone after Unregister")
	}
}

func TestRegistry_CloseAllTearsDownEveryRepository(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dirA := t.TempDir()
	dirB := t.TempDir()
	initRepo(t, dirA)
	initRepo(t, dirB)

	reg := New(newTestConfig(), newTestLogger())
	if _, err := reg.GetOrCreate(dirA, fixedPort(4100)); err != nil {
		t.Fatalf("GetOrCreate(A) failed: %v", err)
	}
	if _, err := reg.GetOrCreate(dirB, fixedPort(4200)); err != nil {
		t.Fatalf("GetOrCreate(B) failed: %v", err)
	}

	closerCalled := 0
	for _, e := range reg.Entries() {
		e.AddCloser(func() error {
			closerCalled++
			return nil
		})
	}

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if closerCalled != 2 {
		t.Errorf("expected both entries' closers to run, got %d calls", closerCalled)
	}
	if len(reg.Entries()) != 0 {
		t.Error("expected the registry to be empty after CloseAll")
	}
}
