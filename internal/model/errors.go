package model

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Components wrap these with fmt.Errorf("%w: ...") so
// callers can branch with errors.Is while still logging operation-specific
// detail.
var (
	// ErrInvalidRepository is returned when a path is not a directory, not a
	// git checkout, or validation timed out.
	ErrInvalidRepository = errors.New("invalid repository")

	// ErrBranchExists is returned when create() targets a branch name that
	// already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrWorktreePathOccupied is returned when create()'s target worktree
	// directory is already present.
	ErrWorktreePathOccupied = errors.New("worktree path already occupied")

	// ErrGitOperationFailed wraps an unexpected git exit code; the detail
	// carries the stderr tail.
	ErrGitOperationFailed = errors.New("git operation failed")

	// ErrWorktreeCleanupFailed is returned when worktree removal exhausts
	// its retry budget. The branch is deliberately left in place.
	ErrWorktreeCleanupFailed = errors.New("worktree cleanup failed")

	// ErrBranchDeletionFailed is returned when the worktree was removed but
	// "git branch -D" failed. The session is already considered gone.
	ErrBranchDeletionFailed = errors.New("branch deletion failed")

	// ErrPathEscape is returned when a file operation's target resolves
	// outside the owning worktree.
	ErrPathEscape = errors.New("path escapes worktree")

	// ErrRebaseFailed and ErrMergeFailed are returned for an unresolved
	// rebase/merge; the rebase is aborted before the error propagates.
	ErrRebaseFailed = errors.New("rebase failed")
	ErrMergeFailed  = errors.New("merge failed")

	// ErrPTYSpawnFailed and ErrAgentNotFound cover Supervisor startup
	// failures.
	ErrPTYSpawnFailed = errors.New("pty spawn failed")
	ErrAgentNotFound  = errors.New("agent executable not found on PATH")

	// ErrAuthFailure is returned by the hook server on secret mismatch.
	ErrAuthFailure = errors.New("hook authentication failed")

	// ErrTimeout is returned when a client request exceeds its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrResolverRecursion is returned when Rebase or Merge is invoked for a
	// session that already has one in flight, guarding against the spawned
	// conflict resolver triggering another rebase/merge on itself.
	ErrResolverRecursion = errors.New("rebase or merge already in progress for this session")
)

// CodedError pairs a sentinel kind with operation-specific detail and an
// optional hint (e.g. whether a merge's conflict resolver fired) so result
// frames can carry structured information without losing errors.Is/As
// compatibility with the sentinels above.
type CodedError struct {
	Kind              error
	Detail            string
	ConflictsResolved bool
}

func (e *CodedError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *CodedError) Unwrap() error {
	return e.Kind
}

// NewCodedError builds a CodedError from a sentinel kind and detail string.
func NewCodedError(kind error, detail string) *CodedError {
	return &CodedError{Kind: kind, Detail: detail}
}

// Code returns the short machine-readable string clients match the error
// field of a result frame against (e.g. "GitOperationFailed").
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRepository):
		return "InvalidRepository"
	case errors.Is(err, ErrBranchExists):
		return "BranchExists"
	case errors.Is(err, ErrWorktreePathOccupied):
		return "WorktreePathOccupied"
	case errors.Is(err, ErrWorktreeCleanupFailed):
		return "WorktreeCleanupFailed"
	case errors.Is(err, ErrBranchDeletionFailed):
		return "BranchDeletionFailed"
	case errors.Is(err, ErrPathEscape):
		return "PathEscape"
	case errors.Is(err, ErrRebaseFailed):
		return "RebaseFailed"
	case errors.Is(err, ErrMergeFailed):
		return "MergeFailed"
	case errors.Is(err, ErrPTYSpawnFailed):
		return "PTYSpawnFailed"
	case errors.Is(err, ErrAgentNotFound):
		return "AgentNotFound"
	case errors.Is(err, ErrAuthFailure):
		return "AuthFailure"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrGitOperationFailed):
		return "GitOperationFailed"
	case errors.Is(err, ErrResolverRecursion):
		return "ResolverRecursion"
	default:
		return "GitOperationFailed"
	}
}
