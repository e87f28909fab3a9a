// Package session implements the Session Manager (C2): per-repository
// worktree and branch lifecycle, base-branch bookkeeping, file listing and
// diffing, and the destructive filesystem/git operations a session
// exposes. One Manager owns exactly one repository's worktrees.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
)

// HistoryRecorder is the optional, best-effort collaborator the Manager
// reports lifecycle events to (C8). Nil-checked before every use.
type HistoryRecorder interface {
	Record(ctx context.Context, repoHash, branchName, kind, detail string, success bool)
}

// repoLockEntry tracks the per-repository main-checkout mutex and its
// reference count.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager handles git worktree and branch lifecycle for a single
// repository.
type Manager struct {
	cfg      Config
	repoPath string // normalized absolute path to the main checkout
	repoHash string
	baseDir  string
	log      *logger.Logger

	mu       sync.RWMutex // protects sessions
	sessions map[string]*model.Session // sessionID -> session

	repoLockMu sync.Mutex
	repoLock   *repoLockEntry // the single main-checkout lock for this repo

	history HistoryRecorder
}

// NewManager validates repoPath as a git checkout (synthesizing an initial
// commit and a "main" branch if the repository has neither) and returns a
// Manager scoped to it.
func NewManager(cfg Config, repoPath string, log *logger.Logger) (*Manager, error) {
	normalized, err := normalizePath(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidRepository, err)
	}

	info, err := os.Stat(normalized)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory", model.ErrInvalidRepository)
	}
	if !isGitRepo(normalized) {
		return nil, fmt.Errorf("%w: not a git checkout", model.ErrInvalidRepository)
	}

	if err := ensureInitialCommit(normalized); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidRepository, err)
	}

	hash := repoHash(normalized)
	baseDir, err := cfg.BaseDir(normalized)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		repoPath: normalized,
		repoHash: hash,
		baseDir:  baseDir,
		log:      log.WithFields(zap.String("component", "session_manager"), zap.String("repo_hash", hash)),
		sessions: make(map[string]*model.Session),
		repoLock: &repoLockEntry{mu: &sync.Mutex{}},
	}, nil
}

// SetHistoryRecorder wires the optional session-history ledger.
func (m *Manager) SetHistoryRecorder(r HistoryRecorder) {
	m.history = r
}

func (m *Manager) record(ctx context.Context, branchName, kind, detail string, success bool) {
	if m.history == nil {
		return
	}
	m.history.Record(ctx, m.repoHash, branchName, kind, detail, success)
}

// RepoHash returns this Manager's repository hash, used by the Registry
// and Hub to key connections and lookups.
func (m *Manager) RepoHash() string { return m.repoHash }

// RepoPath returns the normalized main checkout path.
func (m *Manager) RepoPath() string { return m.repoPath }

// lockMainCheckout acquires the per-repository mutex guarding operations
// against the main checkout (checkout, fast-forward, fetch). It must be
// held exactly across checkout + ff-merge to preserve atomicity
// but never across an unrelated worktree's git invocation.
func (m *Manager) lockMainCheckout() func() {
	m.repoLockMu.Lock()
	m.repoLock.refCount++
	lock := m.repoLock.mu
	m.repoLockMu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		m.repoLockMu.Lock()
		m.repoLock.refCount--
		m.repoLockMu.Unlock()
	}
}

// GetSession returns the in-memory Session record for an id.
func (m *Manager) GetSession(sessionID string) (*model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SessionByBranch finds a live session by branch name within this
// repository (used by sessionIdByRepoHashAndBranch).
func (m *Manager) SessionByBranch(branchName string) (*model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.BranchName == branchName {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns a snapshot of all live sessions, used for broadcast
// fan-out and for destroyAllSessions during repository close.
func (m *Manager) Sessions() []*model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	BranchName     string
	AdoptExisting  bool
	BaseBranchName string // explicit base; empty triggers default detection
}

// Create produces a Session record, either by creating a fresh worktree
// and branch or by adopting a pre-existing one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Session, error) {
	if req.BranchName == "" {
		return nil, fmt.Errorf("%w: branch name is required", model.ErrInvalidRepository)
	}

	if existing, ok := m.SessionByBranch(req.BranchName); ok {
		return existing, nil
	}

	worktreePath := WorktreePath(m.baseDir, req.BranchName)

	var sess *model.Session
	var err error
	if req.AdoptExisting {
		sess, err = m.adopt(ctx, req, worktreePath)
	} else {
		sess, err = m.createNew(ctx, req, worktreePath)
	}
	if err != nil {
		m.record(ctx, req.BranchName, "session_created", err.Error(), false)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.SessionID] = sess
	m.mu.Unlock()

	m.record(ctx, req.BranchName, "session_created", "", true)
	return sess, nil
}

func (m *Manager) createNew(ctx context.Context, req CreateRequest, worktreePath string) (*model.Session, error) {
	if branchExists(m.repoPath, req.BranchName) {
		return nil, fmt.Errorf("%w: %s", model.ErrBranchExists, req.BranchName)
	}
	if pathExists(worktreePath) {
		return nil, fmt.Errorf("%w: %s", model.ErrWorktreePathOccupied, worktreePath)
	}

	baseBranch := req.BaseBranchName
	if baseBranch == "" {
		baseBranch = m.detectDefaultBaseBranch()
	}
	if !branchOrRefExists(m.repoPath, baseBranch) {
		return nil, fmt.Errorf("%w: base branch %q does not exist", model.ErrGitOperationFailed, baseBranch)
	}

	unlock := m.lockMainCheckout()
	cmd := m.nonInteractiveGitCmd(ctx, m.repoPath, "worktree", "add", worktreePath, "-b", req.BranchName, baseBranch)
	output, err := cmd.CombinedOutput()
	unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrGitOperationFailed, string(output))
	}

	if err := setBranchBase(worktreePath, req.BranchName, baseBranch); err != nil {
		m.log.Warn("failed to persist branch base config", zap.Error(err))
	}

	baseTip, _ := revParse(m.repoPath, baseBranch)

	if err := m.syncLocalFilesToWorktree(worktreePath); err != nil {
		m.log.Warn("local files sync into worktree failed", zap.Error(err))
	}

	sess := &model.Session{
		SessionID:          uuid.NewString(),
		RepoHash:           m.repoHash,
		BranchName:         req.BranchName,
		WorktreePath:       worktreePath,
		BaseBranchName:     baseBranch,
		BaseBranchCommitID: baseTip,
		State:              model.StateRunning,
		CreatedAt:          time.Now(),
	}

	m.log.Info("created worktree",
		zap.String("branch", req.BranchName),
		zap.String("base", baseBranch),
		zap.String("path", worktreePath))
	return sess, nil
}

func (m *Manager) adopt(ctx context.Context, req CreateRequest, worktreePath string) (*model.Session, error) {
	if !pathExists(worktreePath) {
		return nil, fmt.Errorf("%w: no worktree at %s", model.ErrGitOperationFailed, worktreePath)
	}
	if !branchExists(m.repoPath, req.BranchName) {
		return nil, fmt.Errorf("%w: branch %s does not exist for adoption", model.ErrGitOperationFailed, req.BranchName)
	}

	baseBranch, ok := getBranchBase(worktreePath, req.BranchName)
	if !ok {
		// No stored base for this branch; fall back to default detection
		// and persist it silently so future adoptions see a stable value.
		// Logged at warn since it changes what rebase/merge target against.
		baseBranch = m.detectDefaultBaseBranch()
		m.log.Warn("adopted session had no stored base branch; falling back to detection",
			zap.String("branch", req.BranchName),
			zap.String("detected_base", baseBranch))
		if err := setBranchBase(worktreePath, req.BranchName, baseBranch); err != nil {
			m.log.Warn("failed to persist detected base branch", zap.Error(err))
		}
	}
	if req.BaseBranchName != "" {
		baseBranch = req.BaseBranchName
	}

	baseTip, _ := revParse(m.repoPath, baseBranch)

	sess := &model.Session{
		SessionID:          uuid.NewString(),
		RepoHash:           m.repoHash,
		BranchName:         req.BranchName,
		WorktreePath:       worktreePath,
		BaseBranchName:     baseBranch,
		BaseBranchCommitID: baseTip,
		State:              model.StateRunning,
		CreatedAt:          time.Now(),
	}
	m.log.Info("adopted worktree", zap.String("branch", req.BranchName), zap.String("base", baseBranch))
	return sess, nil
}

// Destroy removes the worktree then the branch. When
// preserveWorktree is true the worktree directory and branch are left in
// place and only the in-memory session entry is dropped, so the session
// can later be re-adopted via discoverWorktrees.
func (m *Manager) Destroy(ctx context.Context, sessionID string, preserveWorktree bool) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil
	}

	if preserveWorktree {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.record(ctx, sess.BranchName, "session_destroyed", "preserved", true)
		return nil
	}

	if err := m.removeWorktree(ctx, sess.WorktreePath); err != nil {
		m.record(ctx, sess.BranchName, "session_destroyed", err.Error(), false)
		return err
	}

	unlock := m.lockMainCheckout()
	cmd := exec.CommandContext(ctx, "git", "branch", "-D", sess.BranchName)
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if err != nil {
		branchErr := fmt.Errorf("%w: %s", model.ErrBranchDeletionFailed, string(output))
		m.record(ctx, sess.BranchName, "session_destroyed", branchErr.Error(), false)
		return branchErr
	}

	m.record(ctx, sess.BranchName, "session_destroyed", "", true)
	return nil
}

// removeWorktree attempts "git worktree remove --force", retrying up to
// cfg.RemoveRetries times before falling back to recursive directory
// deletion plus "git worktree prune". It never deletes the branch itself
// (invariant 1: the branch is never orphaned from a still-present
// worktree directory, so failure here leaves the branch untouched).
func (m *Manager) removeWorktree(ctx context.Context, worktreePath string) error {
	retries := m.cfg.RemoveRetries
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		unlock := m.lockMainCheckout()
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
		cmd.Dir = m.repoPath
		output, err := cmd.CombinedOutput()
		unlock()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s", string(output))
		if attempt < retries-1 {
			time.Sleep(200 * time.Millisecond)
		}
	}

	m.log.Warn("git worktree remove failed after retries, falling back to rm", zap.Error(lastErr))
	if err := forceRemoveDir(worktreePath); err != nil {
		return fmt.Errorf("%w: %s", model.ErrWorktreeCleanupFailed, err)
	}

	unlock := m.lockMainCheckout()
	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = m.repoPath
	_ = pruneCmd.Run()
	unlock()
	return nil
}
