package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kandev/hydra/internal/model"
)

// ListBranches enumerates local branches first, then remote branches
// lexicographically sorted, filtering "HEAD ->" pointers and stripping the
// "remotes/" prefix.
func (m *Manager) ListBranches(ctx context.Context) ([]string, error) {
	local, err := m.runGit(ctx, m.repoPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	localBranches := splitLines(local)
	sort.Strings(localBranches)

	remoteOut, err := m.runGit(ctx, m.repoPath, "branch", "-r", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}

	var remoteBranches []string
	for _, line := range splitLines(remoteOut) {
		if strings.Contains(line, "HEAD ->") || strings.HasSuffix(line, "/HEAD") {
			continue
		}
		remoteBranches = append(remoteBranches, strings.TrimPrefix(line, "remotes/"))
	}
	sort.Strings(remoteBranches)

	return append(localBranches, remoteBranches...), nil
}

// GitFetch runs "git fetch --all" at the main checkout.
func (m *Manager) GitFetch(ctx context.Context) error {
	unlock := m.lockMainCheckout()
	defer unlock()
	if _, err := m.runGit(ctx, m.repoPath, "fetch", "--all"); err != nil {
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	return nil
}

// DiscoverWorktrees lists worktrees under this repository's baseDir that
// are not already tracked as live sessions, returning their branch names so
// a client can offer them for re-adoption (create with AdoptExisting) after
// an unexpected disconnect left the worktree in place.
func (m *Manager) DiscoverWorktrees(ctx context.Context) ([]string, error) {
	out, err := m.runGit(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}

	live := make(map[string]bool)
	for _, sess := range m.Sessions() {
		live[sess.BranchName] = true
	}

	var discovered []string
	var currentPath string
	for _, line := range splitLines(out) {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			if currentPath != m.baseDir && !strings.HasPrefix(currentPath, m.baseDir+string(os.PathSeparator)) {
				continue
			}
			branch := strings.TrimPrefix(line, "branch refs/heads/")
			if branch == "" || live[branch] {
				continue
			}
			discovered = append(discovered, branch)
		}
	}
	sort.Strings(discovered)
	return discovered, nil
}
