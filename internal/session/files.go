package session

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/hydra/internal/model"
)

// GetFileList returns the files of a session's worktree, or of a specific
// commit when commitID is non-empty.
func (m *Manager) GetFileList(ctx context.Context, sessionID, commitID string) ([]model.FileRecord, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	if commitID != "" {
		return m.fileListAtCommit(ctx, sess.WorktreePath, commitID)
	}
	return m.fileListWorkingTree(ctx, sess.WorktreePath)
}

func (m *Manager) fileListWorkingTree(ctx context.Context, worktreePath string) ([]model.FileRecord, error) {
	files := make(map[string]model.FileRecord)

	tracked, err := m.runGit(ctx, worktreePath, "ls-files")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	for _, p := range splitLines(tracked) {
		files[p] = model.FileRecord{Path: p, Status: model.FileUnchanged}
	}

	porcelain, err := m.runGit(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	for _, line := range splitLines(porcelain) {
		if len(line) < 4 {
			continue
		}
		code := strings.TrimSpace(line[:2])
		p := filepath.ToSlash(strings.TrimSpace(line[3:]))
		files[p] = model.FileRecord{Path: p, Status: classifyPorcelainCode(code)}
	}

	untracked, err := m.runGit(ctx, worktreePath, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	for _, p := range splitLines(untracked) {
		files[p] = model.FileRecord{Path: p, Status: model.FileUntracked}
	}

	ignored, err := m.runGit(ctx, worktreePath, "status", "--porcelain", "--ignored")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	for _, line := range splitLines(ignored) {
		if !strings.HasPrefix(line, "!!") || len(line) < 4 {
			continue
		}
		p := filepath.ToSlash(strings.TrimSpace(line[3:]))
		files[p] = model.FileRecord{Path: p, Status: model.FileIgnored}
	}

	// Walk the filesystem to surface empty directories, which none of the
	// git-based listings above report.
	_ = filepath.WalkDir(worktreePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(worktreePath, path)
		if relErr != nil || rel == "." || strings.HasPrefix(rel, ".git") {
			return nil
		}
		entries, readErr := os.ReadDir(path)
		if readErr == nil && len(entries) == 0 {
			relSlash := filepath.ToSlash(rel)
			if _, exists := files[relSlash]; !exists {
				files[relSlash] = model.FileRecord{Path: relSlash, Status: model.FileUnchanged, IsDirectory: true}
			}
		}
		return nil
	})

	out := make([]model.FileRecord, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	return out, nil
}

func (m *Manager) fileListAtCommit(ctx context.Context, worktreePath, commitID string) ([]model.FileRecord, error) {
	files := make(map[string]model.FileRecord)

	tree, err := m.runGit(ctx, worktreePath, "ls-tree", "-r", "--name-only", commitID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	for _, p := range splitLines(tree) {
		files[p] = model.FileRecord{Path: p, Status: model.FileUnchanged}
	}

	diff, err := m.runGit(ctx, worktreePath, "diff-tree", "--no-commit-id", "--name-status", "-r", commitID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	for _, line := range splitLines(diff) {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		status, p := parts[0], filepath.ToSlash(parts[1])
		switch {
		case strings.HasPrefix(status, "A"):
			files[p] = model.FileRecord{Path: p, Status: model.FileAdded}
		case strings.HasPrefix(status, "M"):
			files[p] = model.FileRecord{Path: p, Status: model.FileModified}
		case strings.HasPrefix(status, "D"):
			// Deleted files are absent from ls-tree, so they must be
			// appended here rather than merely overwriting an entry.
			files[p] = model.FileRecord{Path: p, Status: model.FileDeleted}
		}
	}

	out := make([]model.FileRecord, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	return out, nil
}

func classifyPorcelainCode(code string) model.FileStatus {
	switch {
	case code == "??":
		return model.FileUntracked
	case strings.Contains(code, "D"):
		return model.FileDeleted
	case strings.Contains(code, "A"):
		return model.FileAdded
	default:
		return model.FileModified
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// GetFileDiff returns the original/modified pair for path, against the
// working tree or a specific commit. The parent SHA for a
// commit diff is obtained via "git rev-list --parents", never "<commit>^",
// to avoid shell caret issues on every platform.
func (m *Manager) GetFileDiff(ctx context.Context, sessionID, path, commitID string) (*model.FileDiff, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	if commitID == "" {
		return m.fileDiffWorkingTree(ctx, sess.WorktreePath, path)
	}
	return m.fileDiffAtCommit(ctx, sess.WorktreePath, path, commitID)
}

func (m *Manager) fileDiffWorkingTree(ctx context.Context, worktreePath, path string) (*model.FileDiff, error) {
	original, _ := m.runGit(ctx, worktreePath, "show", "HEAD:"+path)

	full, ok := withinWorktree(worktreePath, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPathEscape, path)
	}
	modifiedBytes, err := os.ReadFile(full)
	modified := ""
	if err == nil {
		modified = string(modifiedBytes)
	}
	return &model.FileDiff{Original: original, Modified: modified}, nil
}

func (m *Manager) fileDiffAtCommit(ctx context.Context, worktreePath, path, commitID string) (*model.FileDiff, error) {
	parentsOut, err := m.runGit(ctx, worktreePath, "rev-list", "--parents", "-n", "1", commitID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	fields := strings.Fields(parentsOut)
	parent := ""
	if len(fields) > 1 {
		parent = fields[1]
	}

	original := ""
	if parent != "" {
		original, _ = m.runGit(ctx, worktreePath, "show", parent+":"+path)
	}
	modified, _ := m.runGit(ctx, worktreePath, "show", commitID+":"+path)
	return &model.FileDiff{Original: original, Modified: modified}, nil
}

// SaveFile writes content to path inside the session's worktree, refusing
// to write outside it.
func (m *Manager) SaveFile(ctx context.Context, sessionID, path, content string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}
	full, ok := withinWorktree(sess.WorktreePath, path)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPathEscape, path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	return nil
}

// DiscardFile restores path to its committed state, preferring
// "git restore" and falling back to "git checkout --" on older git
// versions. It is idempotent when applied twice in a row.
func (m *Manager) DiscardFile(ctx context.Context, sessionID, path string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}
	if _, ok := withinWorktree(sess.WorktreePath, path); !ok {
		return fmt.Errorf("%w: %s", model.ErrPathEscape, path)
	}

	if _, err := m.runGit(ctx, sess.WorktreePath, "restore", path); err == nil {
		return nil
	}
	if _, err := m.runGit(ctx, sess.WorktreePath, "checkout", "--", path); err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	return nil
}

// CreateFileOrDirectory creates an empty file or directory at path,
// refusing to operate outside the worktree.
func (m *Manager) CreateFileOrDirectory(ctx context.Context, sessionID, path string, isDirectory bool) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}
	full, ok := withinWorktree(sess.WorktreePath, path)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPathEscape, path)
	}

	if isDirectory {
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	return f.Close()
}

// DeleteFileOrDirectory removes path, refusing to operate outside the
// worktree.
func (m *Manager) DeleteFileOrDirectory(ctx context.Context, sessionID, path string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}
	full, ok := withinWorktree(sess.WorktreePath, path)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPathEscape, path)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	return nil
}
