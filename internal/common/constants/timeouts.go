// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for the server's blocking operations.
const (
	// QuickOpTimeout bounds status/diff/file-list style requests.
	QuickOpTimeout = 5 * time.Second

	// RestartTimeout bounds a session "restart" request.
	RestartTimeout = 10 * time.Second

	// MergeRebaseTimeout bounds a client-issued merge/rebase request,
	// which includes at most one conflict-resolution invocation.
	MergeRebaseTimeout = 120 * time.Second

	// ConflictResolverTimeout is the hard kill timer on the one-shot,
	// non-interactive agent invocation used to resolve rebase conflicts.
	ConflictResolverTimeout = 120 * time.Second

	// AutoInitTimeout bounds the optional .autoinit.{ps1,cmd,sh} script.
	AutoInitTimeout = 120 * time.Second

	// WaituserCommandTimeout bounds a client-issued executeWaituser
	// commandline, run in the session's worktree.
	WaituserCommandTimeout = 30 * time.Second

	// GitFetchTimeout and GitPullTimeout bound best-effort remote sync
	// performed before worktree creation.
	GitFetchTimeout = 8 * time.Second
	GitPullTimeout  = 8 * time.Second

	// WorktreeRemoveRetryDelay is the pause between bounded retries when a
	// worktree removal fails due to held file handles.
	WorktreeRemoveRetryDelay = 200 * time.Millisecond

	// WindowsCleanupDelay allows file handles to release on Windows before
	// a worktree directory is removed.
	WindowsCleanupDelay = time.Second

	// GitCmdWaitDelay bounds how long CombinedOutput waits for a killed
	// git child's pipes (held by e.g. a credential helper) to close after
	// context cancellation.
	GitCmdWaitDelay = 500 * time.Millisecond

	// ErrorFrameTabCloseDelay is the client-side delay (documented here for
	// server-side log correlation) between an "error" frame during spawn
	// and automatic tab closure.
	ErrorFrameTabCloseDelay = 2 * time.Second
)

// MaxSubprocessOutputBytes bounds the buffered output captured from
// subprocesses whose listings can be large in real repositories (git
// ls-files, ls-tree, status --ignored).
const MaxSubprocessOutputBytes = 10 * 1024 * 1024
