package session

import "github.com/kandev/hydra/internal/model"

// Re-exported for callers that only import internal/session.
var (
	ErrBranchExists         = model.ErrBranchExists
	ErrWorktreePathOccupied = model.ErrWorktreePathOccupied
	ErrGitOperationFailed   = model.ErrGitOperationFailed
	ErrWorktreeCleanupFailed = model.ErrWorktreeCleanupFailed
	ErrBranchDeletionFailed = model.ErrBranchDeletionFailed
	ErrPathEscape           = model.ErrPathEscape
	ErrInvalidRepository    = model.ErrInvalidRepository
)
