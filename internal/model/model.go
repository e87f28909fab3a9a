// Package model holds the data types and invariants shared across Hydra's
// components: repositories, sessions, commits, files and git status
// snapshots. Nothing in this package spawns a subprocess or touches a
// socket; it is the vocabulary the other packages share.
package model

import "time"

// CommitRecord describes one commit between a session's base branch and its
// branch tip, as produced by "git log base..branch".
type CommitRecord struct {
	Hash          string `json:"hash"`
	DisplayHash   string `json:"displayHash"`
	UnixTimestamp int64  `json:"unixTimestamp"`
	Subject       string `json:"subject"`
	FullMessage   string `json:"fullMessage"`
}

// FileStatus enumerates the possible states of a FileRecord.
type FileStatus string

const (
	FileModified  FileStatus = "modified"
	FileAdded     FileStatus = "added"
	FileDeleted   FileStatus = "deleted"
	FileUntracked FileStatus = "untracked"
	FileUnchanged FileStatus = "unchanged"
	FileIgnored   FileStatus = "ignored"
)

// FileRecord describes one path inside a worktree, repo-relative and
// forward-slash normalized.
type FileRecord struct {
	Path        string     `json:"path"`
	Status      FileStatus `json:"status"`
	IsDirectory bool       `json:"isDirectory,omitempty"`
}

// FileDiff carries the two sides of a diff: the blob as it existed before
// the change, and as it exists now (on disk for the working tree, or at a
// specific commit).
type FileDiff struct {
	Original string `json:"original"`
	Modified string `json:"modified"`
}

// GitStatus is the coarse-grained status snapshot used to drive the
// "outdated" / "unmerged" badges in the UI and the broadcast invariant.
type GitStatus struct {
	HasUncommittedChanges bool `json:"hasUncommittedChanges"`
	HasUnmergedCommits    bool `json:"hasUnmergedCommits"`
	IsBehindBase          bool `json:"isBehindBase"`
}

// SessionState is the coarse PTY/agent state surfaced to clients.
type SessionState string

const (
	StateReady   SessionState = "ready"
	StateRunning SessionState = "running"
)

// Session is one isolated workspace: one branch, one worktree, at most one
// live client socket, and (while alive) one spawned agent process.
type Session struct {
	SessionID          string    `json:"sessionId"`
	RepoHash           string    `json:"repoHash"`
	BranchName         string    `json:"branchName"`
	WorktreePath       string    `json:"worktreePath"`
	BaseBranchName     string    `json:"baseBranchName"`
	BaseBranchCommitID string    `json:"baseBranchCommitId"`
	State              SessionState `json:"state"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Key returns the (repoHash, branchName) pair that joins a Session to its
// Hub connection record. Neither side owns the other; both perform
// dictionary lookups keyed by this pair.
func (s *Session) Key() ConnectionKey {
	return ConnectionKey{RepoHash: s.RepoHash, BranchName: s.BranchName}
}

// ConnectionKey identifies a Hub connection slot. At most one live session
// socket exists per key; the most recent registration displaces any prior
// stale entry.
type ConnectionKey struct {
	RepoHash   string
	BranchName string
}

// Repository is keyed by its normalized absolute path (upper-cased on
// case-insensitive filesystems).
type Repository struct {
	Path       string
	BaseDir    string
	BaseBranch string
}
