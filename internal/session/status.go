package session

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kandev/hydra/internal/common/stringutil"
	"github.com/kandev/hydra/internal/model"
)

// maxCommitSubjectDisplayLen bounds the subject line shown in a session's
// commit log; git itself imposes no limit on the first line of a message.
const maxCommitSubjectDisplayLen = 120

// GetGitStatus returns the coarse status snapshot for a session.
func (m *Manager) GetGitStatus(ctx context.Context, sessionID string) (*model.GitStatus, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	porcelain, err := m.runGit(ctx, sess.WorktreePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}

	unmergedOut, err := m.runGit(ctx, sess.WorktreePath, "log", "--oneline", sess.BaseBranchName+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}

	behindOut, err := m.runGit(ctx, sess.WorktreePath, "rev-list", "--count", "HEAD.."+sess.BaseBranchName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	behindCount, _ := strconv.Atoi(strings.TrimSpace(behindOut))

	return &model.GitStatus{
		HasUncommittedChanges: strings.TrimSpace(porcelain) != "",
		HasUnmergedCommits:    strings.TrimSpace(unmergedOut) != "",
		IsBehindBase:          behindCount > 0,
	}, nil
}

// GetCommitLog returns commits in base..branch using a null-byte-delimited
// format so arbitrary commit message bytes survive parsing.
func (m *Manager) GetCommitLog(ctx context.Context, sessionID string) ([]model.CommitRecord, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	cmd := m.nonInteractiveGitCmd(ctx, sess.WorktreePath, "log",
		"--format=%h%x00%at%x00%s%x00%B%x00",
		sess.BaseBranchName+"..HEAD")
	out, err := cmd.Output()
	if err != nil {
		// An empty base..branch range is not an error; git exits 0 with no
		// output, so a non-zero exit here is a genuine failure.
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	return parseCommitLog(string(out)), nil
}

func parseCommitLog(raw string) []model.CommitRecord {
	fields := strings.Split(raw, "\x00")
	var commits []model.CommitRecord
	for i := 0; i+3 < len(fields); i += 4 {
		hash := strings.TrimSpace(fields[i])
		if hash == "" {
			continue
		}
		ts, _ := strconv.ParseInt(strings.TrimSpace(fields[i+1]), 10, 64)
		subject := stringutil.TruncateStringWithEllipsis(fields[i+2], maxCommitSubjectDisplayLen)
		full := strings.Trim(fields[i+3], "\n")
		display := hash
		if len(display) > 4 {
			display = display[:4]
		}
		commits = append(commits, model.CommitRecord{
			Hash:          hash,
			DisplayHash:   display,
			UnixTimestamp: ts,
			Subject:       subject,
			FullMessage:   full,
		})
	}
	return commits
}

// CheckAndUpdateBaseBranch re-resolves the tip of the session's base
// branch; if it moved, the session's snapshot is updated and moved=true is
// returned so the Hub can broadcast to sibling sessions.
func (m *Manager) CheckAndUpdateBaseBranch(ctx context.Context, sessionID string) (moved bool, err error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return false, fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	tip, err := revParse(m.repoPath, sess.BaseBranchName)
	if err != nil {
		return false, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}

	if tip == sess.BaseBranchCommitID {
		return false, nil
	}

	m.mu.Lock()
	sess.BaseBranchCommitID = tip
	m.mu.Unlock()
	return true, nil
}

// DiscardChanges runs "git reset --hard HEAD" then "git clean -fd".
func (m *Manager) DiscardChanges(ctx context.Context, sessionID string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	if _, err := m.runGit(ctx, sess.WorktreePath, "reset", "--hard", "HEAD"); err != nil {
		m.record(ctx, sess.BranchName, "discard", err.Error(), false)
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	if _, err := m.runGit(ctx, sess.WorktreePath, "clean", "-fd"); err != nil {
		m.record(ctx, sess.BranchName, "discard", err.Error(), false)
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	m.record(ctx, sess.BranchName, "discard", "", true)
	return nil
}

// ResetToBase runs "git reset --hard <baseBranchName>".
func (m *Manager) ResetToBase(ctx context.Context, sessionID string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}
	if _, err := m.runGit(ctx, sess.WorktreePath, "reset", "--hard", sess.BaseBranchName); err != nil {
		m.record(ctx, sess.BranchName, "reset", err.Error(), false)
		return fmt.Errorf("%w: %s", model.ErrGitOperationFailed, err)
	}
	m.record(ctx, sess.BranchName, "reset", "", true)
	return nil
}

// runGit runs a read-oriented git command in dir and returns combined
// stdout (porcelain commands write their payload to stdout only, so this
// is equivalent to Output() for all call sites above).
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := m.nonInteractiveGitCmd(ctx, dir, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%s: %s", err, firstLines(string(ee.Stderr), 20))
		}
		return "", err
	}
	return string(out), nil
}

func firstLines(s string, n int) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	var out []string
	for scanner.Scan() && len(out) < n {
		out = append(out, scanner.Text())
	}
	return strings.Join(out, "\n")
}
