package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const conflictResolverPrompt = `Git has left this worktree mid-rebase with unresolved merge conflicts.
Read the commit history and the conflicting diffs, resolve every conflict
in place, stage the result, and continue or complete the rebase. Do not
ask for confirmation; act and exit when done.`

// resolveConflicts spawns the agent CLI in non-interactive one-shot mode
// inside worktreePath with a hard timeout, then inspects rebase state to
// decide the outcome: ResolvedByAgent if the agent finished the rebase
// itself or left a clean tree for --continue, Aborted otherwise.
func (e *Engine) resolveConflicts(ctx context.Context, worktreePath string) (resolved bool, err error) {
	timeout := e.agent.ConflictResolverTimeout()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	resolverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.runConflictResolver(resolverCtx, worktreePath); err != nil {
		return false, fmt.Errorf("conflict resolver: %w", err)
	}

	if !rebaseInProgress(worktreePath) {
		// The agent finished the rebase (or aborted it) on its own.
		return true, nil
	}

	stillConflicted, checkErr := e.hasConflictMarkers(ctx, worktreePath)
	if checkErr != nil {
		return false, checkErr
	}
	if stillConflicted {
		return false, fmt.Errorf("unresolved conflicts remain after resolver exited")
	}

	if _, err := e.mgr.RunGit(ctx, worktreePath, "rebase", "--continue"); err != nil {
		return false, fmt.Errorf("rebase --continue after resolution: %w", err)
	}
	return true, nil
}

func (e *Engine) runConflictResolver(ctx context.Context, worktreePath string) error {
	executable := e.agent.ExecutableName
	if executable == "" {
		executable = "claude"
	}

	args := []string{conflictResolverPrompt, "--print"}
	if e.agent.PermissionSkipFlag != "" {
		args = append(args, e.agent.PermissionSkipFlag)
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Dir = worktreePath
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	e.log.Info("conflict resolver exited",
		zap.String("worktree", worktreePath),
		zap.Int("stdout_bytes", stdout.Len()),
		zap.Int("stderr_bytes", stderr.Len()))
	e.log.Debug("conflict resolver stdout", zap.String("output", stdout.String()))
	if stderr.Len() > 0 {
		e.log.Warn("conflict resolver stderr", zap.String("output", stderr.String()))
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s", e.agent.ConflictResolverTimeout())
	}
	return runErr
}
