package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/kandev/hydra/internal/model"
)

// The Git Operations Engine (gitops.Engine) and PTY Supervisor act on a
// session's worktree but live in separate packages; these thin exported
// wrappers give them access to the Manager internals they need without
// duplicating the hardening and locking logic.

// GitCmd returns a non-interactive, hardened git *exec.Cmd rooted at dir.
func (m *Manager) GitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	return m.nonInteractiveGitCmd(ctx, dir, args...)
}

// RunGit runs a git command in dir and returns its stdout.
func (m *Manager) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	return m.runGit(ctx, dir, args...)
}

// LockMainCheckout acquires the per-repository main-checkout mutex; call
// the returned func to release it.
func (m *Manager) LockMainCheckout() func() {
	return m.lockMainCheckout()
}

// SyncLocalFilesToWorktree copies .localfiles-matching files from the main
// checkout into worktreePath.
func (m *Manager) SyncLocalFilesToWorktree(worktreePath string) error {
	return m.syncLocalFilesToWorktree(worktreePath)
}

// SyncLocalFilesFromWorktree copies .localfiles-matching files from
// worktreePath back into the main checkout.
func (m *Manager) SyncLocalFilesFromWorktree(worktreePath string) error {
	return m.syncLocalFilesFromWorktree(worktreePath)
}

// Record forwards a lifecycle event to the optional history recorder.
func (m *Manager) Record(ctx context.Context, branchName, kind, detail string, success bool) {
	m.record(ctx, branchName, kind, detail, success)
}

// DetectDefaultBaseBranch exposes the base-branch detection fallback chain.
func (m *Manager) DetectDefaultBaseBranch() string {
	return m.detectDefaultBaseBranch()
}

// NormalizePath exposes the Registry's shared path normalization (resolve
// ./.. and symlinks, case-fold on case-insensitive platforms) so the
// Registry's map key and the Manager's baseDir hash input always agree.
func NormalizePath(path string) (string, error) {
	return normalizePath(path)
}

// ValidateRepositoryPath reports whether path is a usable repository root:
// it must exist, be a directory, and be a git checkout. Unlike NewManager
// this performs no side effects (no base dir creation, no initial commit
// synthesis), since it backs the validateRepository client request, which
// can be sent for a path that never becomes a session.Manager.
func ValidateRepositoryPath(path string) error {
	normalized, err := normalizePath(path)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrInvalidRepository, err)
	}
	info, err := os.Stat(normalized)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: not a directory", model.ErrInvalidRepository)
	}
	if !isGitRepo(normalized) {
		return fmt.Errorf("%w: not a git checkout", model.ErrInvalidRepository)
	}
	return nil
}
