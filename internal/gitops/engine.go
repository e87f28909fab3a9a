// Package gitops implements the Git Operations Engine (C3): commit,
// rebase, and merge against a session's worktree, including the
// agent-assisted conflict-resolution subroutine rebase and merge share.
package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
	"github.com/kandev/hydra/internal/session"
)

// sessionManager is the subset of *session.Manager the Engine depends on,
// kept narrow so tests can supply a fake.
type sessionManager interface {
	GetSession(sessionID string) (*model.Session, bool)
	RunGit(ctx context.Context, dir string, args ...string) (string, error)
	LockMainCheckout() func()
	RepoPath() string
	SyncLocalFilesFromWorktree(worktreePath string) error
	Record(ctx context.Context, branchName, kind, detail string, success bool)
}

// Engine performs commit/rebase/merge for sessions owned by a single
// session.Manager.
type Engine struct {
	mgr   sessionManager
	agent config.AgentConfig
	log   *logger.Logger

	activeMu sync.Mutex
	active   map[string]bool // sessionID -> a Rebase/Merge is currently running
}

// NewEngine returns an Engine bound to mgr.
func NewEngine(mgr *session.Manager, agentCfg config.AgentConfig, log *logger.Logger) *Engine {
	return &Engine{
		mgr:    mgr,
		agent:  agentCfg,
		log:    log.WithFields(zap.String("component", "gitops_engine")),
		active: make(map[string]bool),
	}
}

// enter claims sessionID for the duration of a Rebase or Merge call,
// refusing a second concurrent call for the same session. This is what
// keeps the conflict resolver the first call spawns from being able to
// trigger a recursive rebase/merge on itself through the same Engine.
func (e *Engine) enter(sessionID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active[sessionID] {
		return false
	}
	e.active[sessionID] = true
	return true
}

func (e *Engine) leave(sessionID string) {
	e.activeMu.Lock()
	delete(e.active, sessionID)
	e.activeMu.Unlock()
}

// MergeResult is returned by Merge and carries the conflictsResolved flag
// the client UI discloses.
type MergeResult struct {
	ConflictsResolved bool
}

// Commit runs "git add -A" then "git commit -m <message>", passing the
// message via argv rather than a shell so it survives arbitrary bytes.
func (e *Engine) Commit(ctx context.Context, sessionID, message string) error {
	sess, ok := e.mgr.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	if _, err := e.mgr.RunGit(ctx, sess.WorktreePath, "add", "-A"); err != nil {
		e.mgr.Record(ctx, sess.BranchName, "commit", err.Error(), false)
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	if _, err := e.mgr.RunGit(ctx, sess.WorktreePath, "commit", "-m", message); err != nil {
		if isNothingToCommit(err) {
			return nil
		}
		e.mgr.Record(ctx, sess.BranchName, "commit", err.Error(), false)
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	e.mgr.Record(ctx, sess.BranchName, "commit", "", true)
	return nil
}

func isNothingToCommit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "nothing added to commit")
}

// Rebase runs "git rebase <base>" inside the worktree, delegating to the
// conflict-resolution subroutine on a failed rebase that leaves conflict
// markers, and resyncing local files after any successful outcome.
func (e *Engine) Rebase(ctx context.Context, sessionID string) (conflictsResolved bool, err error) {
	if !e.enter(sessionID) {
		return false, fmt.Errorf("%w", model.ErrResolverRecursion)
	}
	defer e.leave(sessionID)

	sess, ok := e.mgr.GetSession(sessionID)
	if !ok {
		return false, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	resolved, rebaseErr := e.rebaseOnto(ctx, sess, sess.BaseBranchName)
	if rebaseErr != nil {
		e.mgr.Record(ctx, sess.BranchName, "rebase", rebaseErr.Error(), false)
		return false, rebaseErr
	}

	if err := e.mgr.SyncLocalFilesFromWorktree(sess.WorktreePath); err != nil {
		e.log.Warn("local files resync after rebase failed", zap.Error(err))
	}
	e.mgr.Record(ctx, sess.BranchName, "rebase", "", true)
	return resolved, nil
}

// rebaseOnto drives the Idle -> Rebasing -> (Clean|Conflicted) ->
// (ResolvedByAgent|Aborted) state machine for a single rebase attempt.
func (e *Engine) rebaseOnto(ctx context.Context, sess *model.Session, onto string) (conflictsResolved bool, err error) {
	_, rebaseErr := e.mgr.RunGit(ctx, sess.WorktreePath, "rebase", onto)
	if rebaseErr == nil {
		return false, nil // Clean
	}

	conflicted, checkErr := e.hasConflictMarkers(ctx, sess.WorktreePath)
	if checkErr != nil {
		e.abortRebase(ctx, sess.WorktreePath)
		return false, fmt.Errorf("%w: %s", model.ErrRebaseFailed, checkErr)
	}
	if !conflicted {
		// Rebase failed for a reason other than a merge conflict; there is
		// nothing for the resolver to fix.
		e.abortRebase(ctx, sess.WorktreePath)
		return false, fmt.Errorf("%w: %s", model.ErrRebaseFailed, rebaseErr)
	}

	resolved, resolveErr := e.resolveConflicts(ctx, sess.WorktreePath)
	if resolveErr != nil {
		e.abortRebase(ctx, sess.WorktreePath)
		return false, fmt.Errorf("%w: %s", model.ErrRebaseFailed, resolveErr)
	}
	return resolved, nil
}

func (e *Engine) abortRebase(ctx context.Context, worktreePath string) {
	if _, err := e.mgr.RunGit(ctx, worktreePath, "rebase", "--abort"); err != nil {
		e.log.Warn("git rebase --abort failed; worktree may be left mid-rebase", zap.Error(err))
	}
}

// hasConflictMarkers inspects "git status --porcelain" for UU/AA/DD
// entries, the codes git uses for unresolved merge conflicts.
func (e *Engine) hasConflictMarkers(ctx context.Context, worktreePath string) (bool, error) {
	out, err := e.mgr.RunGit(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		code := line[:2]
		if code == "UU" || code == "AA" || code == "DD" {
			return true, nil
		}
	}
	return false, nil
}

func rebaseInProgress(worktreePath string) bool {
	return pathExists(filepath.Join(worktreePath, ".git", "rebase-merge")) ||
		pathExists(filepath.Join(worktreePath, ".git", "rebase-apply"))
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Merge implements the full merge pipeline: optional commit, rebase onto
// base (conflict-resolution may fire), fast-forward the main checkout, and
// resync local files back into it. The worktree and session survive a
// successful merge; only the flagged ConflictsResolved result changes.
func (e *Engine) Merge(ctx context.Context, sessionID, commitMessage string) (*MergeResult, error) {
	if !e.enter(sessionID) {
		return nil, fmt.Errorf("%w", model.ErrResolverRecursion)
	}
	defer e.leave(sessionID)

	sess, ok := e.mgr.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	if commitMessage != "" {
		if err := e.Commit(ctx, sessionID, commitMessage); err != nil {
			return nil, err
		}
	}

	resolved, err := e.rebaseOnto(ctx, sess, sess.BaseBranchName)
	if err != nil {
		e.mgr.Record(ctx, sess.BranchName, "merge", err.Error(), false)
		return nil, err
	}

	if err := e.fastForwardMainCheckout(ctx, sess); err != nil {
		e.mgr.Record(ctx, sess.BranchName, "merge", err.Error(), false)
		return nil, err
	}

	if err := e.mgr.SyncLocalFilesFromWorktree(sess.WorktreePath); err != nil {
		e.log.Warn("local files resync after merge failed", zap.Error(err))
	}

	e.mgr.Record(ctx, sess.BranchName, "merge", "", true)
	return &MergeResult{ConflictsResolved: resolved}, nil
}

// fastForwardMainCheckout checks out the base branch in the main checkout
// and fast-forwards it to the session branch. It holds the repository's
// main-checkout lock for the full duration, since a concurrent checkout in
// the same directory would otherwise race.
func (e *Engine) fastForwardMainCheckout(ctx context.Context, sess *model.Session) error {
	unlock := e.mgr.LockMainCheckout()
	defer unlock()

	repoPath := e.mgr.RepoPath()
	if _, err := e.mgr.RunGit(ctx, repoPath, "checkout", sess.BaseBranchName); err != nil {
		return fmt.Errorf("%w: %s", model.ErrMergeFailed, err)
	}
	if _, err := e.mgr.RunGit(ctx, repoPath, "merge", "--ff-only", sess.BranchName); err != nil {
		return fmt.Errorf("%w: %s", model.ErrMergeFailed, err)
	}
	return nil
}
