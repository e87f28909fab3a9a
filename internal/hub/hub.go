package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
)

// sessionSource is the subset of *session.Manager the Hub needs to
// refresh status for the broadcast rule.
type sessionSource interface {
	Sessions() []*model.Session
	GetGitStatus(ctx context.Context, sessionID string) (*model.GitStatus, error)
	GetCommitLog(ctx context.Context, sessionID string) ([]model.CommitRecord, error)
}

// Hub holds every live session socket and management socket for one
// repository, and implements the cross-tab broadcasting rule.
type Hub struct {
	mgr sessionSource
	log *logger.Logger

	mu          sync.RWMutex
	sessionConn map[model.ConnectionKey]*client // one live session socket per key
	mgmtConns   []*client
}

// New returns a Hub bound to mgr.
func New(mgr sessionSource, log *logger.Logger) *Hub {
	return &Hub{
		mgr:         mgr,
		log:         log.WithFields(zap.String("component", "hub")),
		sessionConn: make(map[model.ConnectionKey]*client),
	}
}

// registerSession installs c as the live socket for key, displacing and
// closing any prior connection for the same key (only one tab may drive a
// given session at a time).
func (h *Hub) registerSession(key model.ConnectionKey, c *client) {
	h.mu.Lock()
	prior := h.sessionConn[key]
	h.sessionConn[key] = c
	h.mu.Unlock()

	if prior != nil && prior != c {
		close(prior.send)
	}
}

func (h *Hub) unregisterSession(key model.ConnectionKey, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionConn[key] == c {
		delete(h.sessionConn, key)
	}
}

func (h *Hub) sessionClient(key model.ConnectionKey) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sessionConn[key]
	return c, ok
}

func (h *Hub) registerManagement(c *client) {
	h.mu.Lock()
	h.mgmtConns = append(h.mgmtConns, c)
	h.mu.Unlock()
}

func (h *Hub) unregisterManagement(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, mc := range h.mgmtConns {
		if mc == c {
			h.mgmtConns = append(h.mgmtConns[:i], h.mgmtConns[i+1:]...)
			return
		}
	}
}

// PushManagementEffect builds and broadcasts a ManagementFrame, letting
// hookserver request closeTab/waituser/openurl effects without importing
// this package's frame type.
func (h *Hub) PushManagementEffect(repoHash, branchName, kind, text, url string) {
	h.PushManagement(ManagementFrame{
		Type:       kind,
		RepoHash:   repoHash,
		BranchName: branchName,
		Text:       text,
		URL:        url,
	})
}

// PushManagement broadcasts a ManagementFrame to every connected
// management socket.
func (h *Hub) PushManagement(frame ManagementFrame) {
	h.mu.RLock()
	conns := append([]*client(nil), h.mgmtConns...)
	h.mu.RUnlock()

	for _, c := range conns {
		c.sendFrame(ServerFrame{Type: frame.Type, Result: frame})
	}
}

// SendStateUpdate pushes a bare state transition to the session socket for
// (repoHash, branchName), if one is connected.
func (h *Hub) SendStateUpdate(repoHash, branchName string, state model.SessionState) {
	c, ok := h.sessionClient(model.ConnectionKey{RepoHash: repoHash, BranchName: branchName})
	if !ok {
		return
	}
	c.sendFrame(ServerFrame{Type: "state", State: string(state)})
}

// SendReadyStateWithGitStatus pushes a ready transition plus a refreshed
// status snapshot and commit log, then runs the broadcast rule since a
// "ready" transition commonly follows a commit that moved this branch's
// tip (and, if this branch is itself a base for other sessions, their
// badges need refreshing too).
func (h *Hub) SendReadyStateWithGitStatus(ctx context.Context, repoHash, branchName string) {
	h.SendStateUpdate(repoHash, branchName, model.StateReady)
	h.refreshAndBroadcast(ctx, branchName)
}

// BroadcastBaseMoved implements the broadcasting rule: every session whose
// baseBranchName equals changedBranch, plus any session whose own branch
// is changedBranch, gets a freshly computed gitBranchStatus frame. This
// keeps "Outdated"/"Unmerged" badges accurate across tabs after a
// destructive op changes a base branch's tip.
func (h *Hub) BroadcastBaseMoved(ctx context.Context, changedBranch string) {
	h.refreshAndBroadcast(ctx, changedBranch)
}

func (h *Hub) refreshAndBroadcast(ctx context.Context, changedBranch string) {
	for _, sess := range h.mgr.Sessions() {
		if sess.BaseBranchName != changedBranch && sess.BranchName != changedBranch {
			continue
		}
		h.pushGitBranchStatus(ctx, sess)
	}
}

func (h *Hub) pushGitBranchStatus(ctx context.Context, sess *model.Session) {
	key := sess.Key()
	c, ok := h.sessionClient(key)
	if !ok {
		return
	}

	status, err := h.mgr.GetGitStatus(ctx, sess.SessionID)
	if err != nil {
		h.log.Warn("refresh git status for broadcast failed", zap.String("session_id", sess.SessionID), zap.Error(err))
		return
	}
	commitLog, err := h.mgr.GetCommitLog(ctx, sess.SessionID)
	if err != nil {
		h.log.Warn("refresh commit log for broadcast failed", zap.String("session_id", sess.SessionID), zap.Error(err))
		return
	}

	c.sendFrame(ServerFrame{Type: "gitBranchStatus", Status: status, CommitLog: commitLog})
}
