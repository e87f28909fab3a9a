// Package hub implements the Session Messaging Hub (C5): the session and
// management WebSocket surfaces, and the cross-tab broadcasting rule that
// keeps "outdated"/"unmerged" badges accurate when a base branch moves.
package hub

import "github.com/kandev/hydra/internal/model"

// ClientFrame is one JSON object received on a session socket; Type
// selects which of the optional fields is populated.
type ClientFrame struct {
	Type string `json:"type"`

	BranchName     string `json:"branchName,omitempty"`
	AdoptExisting  bool   `json:"adoptExisting,omitempty"`
	BaseBranchName string `json:"baseBranchName,omitempty"`

	Data string `json:"data,omitempty"`

	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	PreserveWorktree *bool `json:"preserveWorktree,omitempty"`

	FilePath      string `json:"filePath,omitempty"`
	CommitID      string `json:"commitId,omitempty"`
	Content       string `json:"content,omitempty"`
	IsDirectory   bool   `json:"isDirectory,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`

	CommandLine string `json:"commandline,omitempty"`
	RepoPath    string `json:"repoPath,omitempty"`
}

// ServerFrame is one JSON object sent on a session socket.
type ServerFrame struct {
	Type string `json:"type"`

	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	State     string `json:"state,omitempty"`

	Status     *model.GitStatus     `json:"status,omitempty"`
	CommitLog  []model.CommitRecord `json:"commitLog,omitempty"`
	FileList   []model.FileRecord   `json:"fileList,omitempty"`
	FileDiff   *model.FileDiff      `json:"fileDiff,omitempty"`

	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`

	Text        string   `json:"text,omitempty"`
	CommandLine string   `json:"commandline,omitempty"`
	Output      string   `json:"output,omitempty"`
	Worktrees   []string `json:"worktrees,omitempty"`
	Valid       bool     `json:"valid,omitempty"`
}

// ManagementFrame is one JSON object pushed on the management socket,
// addressed by (repoHash, branchName).
type ManagementFrame struct {
	Type       string `json:"type"`
	RepoHash   string `json:"repoHash"`
	BranchName string `json:"branchName"`
	Text       string `json:"text,omitempty"`
	URL        string `json:"url,omitempty"`
}

func resultFrame(frameType string, result any) ServerFrame {
	return ServerFrame{Type: frameType, Result: result}
}

func errorFrame(msg string) ServerFrame {
	return ServerFrame{Type: "error", Error: msg}
}
