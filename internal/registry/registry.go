// Package registry implements the Repository Registry (C1): the
// process-wide map from repository path to its Session Manager and every
// other per-repository component (Git Operations Engine, PTY Supervisor,
// Hub, hook server), plus the global session-id and branch lookup indexes
// that let an incoming request find the right repository without the
// caller already knowing which one it belongs to.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/gitops"
	"github.com/kandev/hydra/internal/history"
	"github.com/kandev/hydra/internal/hookserver"
	"github.com/kandev/hydra/internal/hub"
	"github.com/kandev/hydra/internal/model"
	"github.com/kandev/hydra/internal/pty"
	"github.com/kandev/hydra/internal/session"
)

// Entry bundles every component scoped to one repository.
type Entry struct {
	RepoPath   string
	RepoHash   string
	HookSecret string
	Port       int // P: the entry's HTTP/static port; P+1 and P+2 follow it

	Manager    *session.Manager
	Engine     *gitops.Engine
	Supervisor *pty.Supervisor
	Hub        *hub.Hub
	Dispatcher *hub.Dispatcher
	HookServer *hookserver.Server
	History    *history.Store // nil if history is disabled

	closers []func() error
}

// AddCloser registers fn to run, in LIFO order, when this entry is closed.
// Used by cmd/hydra to register its three net/http.Server.Shutdown calls.
func (e *Entry) AddCloser(fn func() error) {
	e.closers = append(e.closers, fn)
}

// Registry is the process-wide Repository Registry singleton.
type Registry struct {
	cfg config.Config
	log *logger.Logger

	mu       sync.RWMutex
	byPath   map[string]*Entry // normalized repo path -> entry
	byHash   map[string]*Entry // repo hash -> entry
	sessions map[string]string // sessionID -> normalized repo path
}

// New returns an empty Registry.
func New(cfg config.Config, log *logger.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "registry")),
		byPath:   make(map[string]*Entry),
		byHash:   make(map[string]*Entry),
		sessions: make(map[string]string),
	}
}

// GetOrCreate returns the Entry for repoPath, building its full component
// set (Manager, Engine, Supervisor, Hub, hook server, optional history
// store) on first use. portFn assigns the repository's port triple's base
// port and is only invoked for a newly created entry.
func (r *Registry) GetOrCreate(repoPath string, portFn func() (int, error)) (*Entry, error) {
	normalized, err := session.NormalizePath(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidRepository, err)
	}

	r.mu.RLock()
	existing, ok := r.byPath[normalized]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPath[normalized]; ok {
		return existing, nil
	}

	mgr, err := session.NewManager(session.Config{
		ProductDirName:       r.cfg.Worktree.ProductDirName,
		PreserveOnDisconnect: r.cfg.Worktree.PreserveOnDisconnect,
		RemoveRetries:        r.cfg.Worktree.RemoveRetries,
	}, normalized, r.log)
	if err != nil {
		return nil, err
	}

	port, err := portFn()
	if err != nil {
		return nil, fmt.Errorf("assign port for %s: %w", normalized, err)
	}

	secret, err := hookserver.GenerateSecret(r.cfg.Hook.SecretLength)
	if err != nil {
		return nil, fmt.Errorf("generate hook secret: %w", err)
	}

	entry := &Entry{
		RepoPath:   normalized,
		RepoHash:   mgr.RepoHash(),
		HookSecret: secret,
		Port:       port,
		Manager:    mgr,
	}

	if r.cfg.History.Enabled {
		store, err := history.Open(r.cfg.History.Path, r.log)
		if err != nil {
			r.log.Warn("open history store failed, continuing without history", zap.Error(err))
		} else {
			entry.History = store
			mgr.SetHistoryRecorder(store)
		}
	}

	entry.Engine = gitops.NewEngine(mgr, r.cfg.Agent, r.log)
	entry.Supervisor = pty.NewSupervisor(r.cfg.Agent, r.log)
	entry.Hub = hub.New(mgr, r.log)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port+2)
	entry.Dispatcher = hub.NewDispatcher(entry.Hub, mgr, entry.Engine, entry.Supervisor, baseURL, secret, r.log)
	entry.HookServer = hookserver.New(entry.Hub, entry.RepoHash, secret, r.log)

	r.byPath[normalized] = entry
	r.byHash[entry.RepoHash] = entry

	r.log.Info("repository registered", zap.String("repo_path", normalized), zap.String("repo_hash", entry.RepoHash), zap.Int("port", port))
	return entry, nil
}

// RegisterSession records that sessionID belongs to repoPath, so later
// lookups by id alone can find the owning Entry.
func (r *Registry) RegisterSession(sessionID, repoPath string) {
	normalized, err := session.NormalizePath(repoPath)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.sessions[sessionID] = normalized
	r.mu.Unlock()
}

// Unregister evicts sessionID from the global session index. It does not
// touch the owning Manager's own session map.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// ManagerBySessionID returns the Manager owning sessionID, if registered.
func (r *Registry) ManagerBySessionID(sessionID string) (*session.Manager, bool) {
	r.mu.RLock()
	repoPath, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	entry, ok := r.byPath[repoPath]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.Manager, true
}

// SessionIDByBranch searches every registered repository for a session on
// branchName, returning the first match. Ambiguous across repositories by
// design; callers that know the repository should prefer
// SessionIDByRepoHashAndBranch.
func (r *Registry) SessionIDByBranch(branchName string) (string, bool) {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byPath))
	for _, e := range r.byPath {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if sess, ok := e.Manager.SessionByBranch(branchName); ok {
			return sess.SessionID, true
		}
	}
	return "", false
}

// SessionIDByRepoHashAndBranch performs the precise, repo-scoped lookup.
func (r *Registry) SessionIDByRepoHashAndBranch(repoHash, branchName string) (string, bool) {
	r.mu.RLock()
	entry, ok := r.byHash[repoHash]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	sess, ok := entry.Manager.SessionByBranch(branchName)
	if !ok {
		return "", false
	}
	return sess.SessionID, true
}

// EntryByRepoHash returns the Entry for a known repository hash.
func (r *Registry) EntryByRepoHash(repoHash string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byHash[repoHash]
	return entry, ok
}

// Entries returns every registered Entry, for closeAll and status reporting.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byPath))
	for _, e := range r.byPath {
		out = append(out, e)
	}
	return out
}

// CloseRepository tears down one repository: destroys every live PTY and
// worktree for its sessions (preserving worktrees, since this is a server
// shutdown rather than a user-initiated destroy), runs the entry's
// registered closers, and evicts it from every index.
func (r *Registry) CloseRepository(ctx context.Context, repoPath string) error {
	normalized, err := session.NormalizePath(repoPath)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrInvalidRepository, err)
	}

	r.mu.Lock()
	entry, ok := r.byPath[normalized]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byPath, normalized)
	delete(r.byHash, entry.RepoHash)
	for sessionID, path := range r.sessions {
		if path == normalized {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	return closeEntry(ctx, entry, r.log)
}

// CloseAll tears down every registered repository in parallel.
func (r *Registry) CloseAll(ctx context.Context) error {
	entries := r.Entries()

	r.mu.Lock()
	r.byPath = make(map[string]*Entry)
	r.byHash = make(map[string]*Entry)
	r.sessions = make(map[string]string)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			return closeEntry(gctx, entry, r.log)
		})
	}
	return g.Wait()
}

func closeEntry(ctx context.Context, entry *Entry, log *logger.Logger) error {
	for _, sess := range entry.Manager.Sessions() {
		_ = entry.Supervisor.Destroy(sess.SessionID)
		if err := entry.Manager.Destroy(ctx, sess.SessionID, true); err != nil {
			log.Warn("destroy session during repository close failed",
				zap.String("session_id", sess.SessionID), zap.Error(err))
		}
	}

	for i := len(entry.closers) - 1; i >= 0; i-- {
		if err := entry.closers[i](); err != nil {
			log.Warn("repository closer failed", zap.String("repo_hash", entry.RepoHash), zap.Error(err))
		}
	}

	if entry.History != nil {
		if err := entry.History.Close(); err != nil {
			log.Warn("close history store failed", zap.String("repo_hash", entry.RepoHash), zap.Error(err))
		}
	}

	log.Info("repository closed", zap.String("repo_hash", entry.RepoHash))
	return nil
}
