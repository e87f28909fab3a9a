package hub

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/gitops"
	"github.com/kandev/hydra/internal/model"
	"github.com/kandev/hydra/internal/pty"
	"github.com/kandev/hydra/internal/session"
)

// Dispatcher wires session-socket frames to the Session Manager, Git
// Operations Engine and PTY Supervisor for one repository.
type Dispatcher struct {
	hub *Hub
	mgr *session.Manager
	ops *gitops.Engine
	sup *pty.Supervisor
	log *logger.Logger

	baseURL    string
	hookSecret string
}

// NewDispatcher returns a Dispatcher bound to one repository's components.
func NewDispatcher(h *Hub, mgr *session.Manager, ops *gitops.Engine, sup *pty.Supervisor, baseURL, hookSecret string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		hub:        h,
		mgr:        mgr,
		ops:        ops,
		sup:        sup,
		baseURL:    baseURL,
		hookSecret: hookSecret,
		log:        log.WithFields(zap.String("component", "hub_dispatch")),
	}
}

// ServeSessionSocket upgrades the request and dispatches frames for one
// browser tab.
func (d *Dispatcher) ServeSessionSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.log.Warn("session socket upgrade failed", zap.Error(err))
		return
	}

	state := &socketState{}
	cl := newClient(conn, d.log, nil, nil)
	cl.onMessage = func(raw []byte) { d.handleFrame(cl, state, raw) }
	cl.onClose = func() { d.handleClose(cl, state) }
	cl.start()
}

// ServeManagementSocket upgrades the request to the push-only management
// socket.
func (d *Dispatcher) ServeManagementSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.log.Warn("management socket upgrade failed", zap.Error(err))
		return
	}
	cl := newClient(conn, d.log, nil, nil)
	cl.onClose = func() { d.hub.unregisterManagement(cl) }
	d.hub.registerManagement(cl)
	cl.start()
}

// socketState tracks which session a session socket is currently bound to;
// a socket has at most one session for its lifetime.
type socketState struct {
	sessionID string
	key       model.ConnectionKey
}

func (d *Dispatcher) handleClose(cl *client, state *socketState) {
	if state.sessionID == "" {
		return
	}
	d.hub.unregisterSession(state.key, cl)
	_ = d.sup.Destroy(state.sessionID)
}

func (d *Dispatcher) handleFrame(cl *client, state *socketState, raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		cl.sendFrame(errorFrame("malformed frame"))
		return
	}

	ctx := context.Background()

	switch frame.Type {
	case "create":
		d.handleCreate(ctx, cl, state, frame)
	case "data":
		if state.sessionID != "" {
			_ = d.sup.Write(state.sessionID, []byte(frame.Data))
		}
	case "resize":
		if state.sessionID != "" {
			_ = d.sup.Resize(state.sessionID, uint16(frame.Cols), uint16(frame.Rows))
		}
	case "destroy":
		d.handleDestroy(ctx, cl, state, frame)
	case "getGitStatus":
		d.handleGetGitStatus(ctx, cl, state)
	case "requestFileList":
		d.handleFileList(ctx, cl, state, frame)
	case "getFileDiff":
		d.handleFileDiff(ctx, cl, state, frame)
	case "saveFile":
		d.handleSaveFile(ctx, cl, state, frame)
	case "discardFile":
		d.handleResult(cl, "discardFileResult", d.mgr.DiscardFile(ctx, state.sessionID, frame.FilePath))
	case "createFile":
		d.handleResult(cl, "createFileResult", d.mgr.CreateFileOrDirectory(ctx, state.sessionID, frame.FilePath, frame.IsDirectory))
	case "deleteFile":
		d.handleResult(cl, "deleteFileResult", d.mgr.DeleteFileOrDirectory(ctx, state.sessionID, frame.FilePath))
	case "discardChanges":
		d.handleResult(cl, "discardResult", d.mgr.DiscardChanges(ctx, state.sessionID))
	case "resetToBase":
		d.handleResult(cl, "resetResult", d.mgr.ResetToBase(ctx, state.sessionID))
	case "rebase":
		d.handleRebase(ctx, cl, state)
	case "merge":
		d.handleMerge(ctx, cl, state, frame)
	case "restart":
		d.handleRestart(ctx, cl, state)
	case "executeWaituser":
		d.handleExecuteWaituser(ctx, cl, state, frame)
	case "validateRepository":
		d.handleValidateRepository(cl, frame)
	case "discoverWorktrees":
		d.handleDiscoverWorktrees(ctx, cl)
	default:
		cl.sendFrame(errorFrame("unknown frame type: " + frame.Type))
	}
}

func (d *Dispatcher) handleCreate(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	sess, err := d.mgr.Create(ctx, session.CreateRequest{
		BranchName:     frame.BranchName,
		AdoptExisting:  frame.AdoptExisting,
		BaseBranchName: frame.BaseBranchName,
	})
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}

	state.sessionID = sess.SessionID
	state.key = sess.Key()
	d.hub.registerSession(state.key, cl)

	cb := pty.Callbacks{
		OnData: func(sessionID string, chunk []byte) {
			cl.sendFrame(ServerFrame{Type: "data", Data: string(chunk)})
		},
		OnStateChange: func(sessionID string, s model.SessionState) {
			cl.sendFrame(ServerFrame{Type: "state", State: string(s)})
		},
		OnExit: func(sessionID string) {
			cl.sendFrame(ServerFrame{Type: "exit"})
		},
		OnAutoInitStatus: func(sessionID, status, detail string) {
			cl.sendFrame(ServerFrame{Type: "autoInitStatus", State: status, Output: detail})
		},
	}

	if err := d.sup.Spawn(ctx, pty.SpawnRequest{
		Session:         sess,
		RepoPath:        d.mgr.RepoPath(),
		BaseURL:         d.baseURL,
		HookSecret:      d.hookSecret,
		Cols:            frame.Cols,
		Rows:            frame.Rows,
		ContinueSession: frame.AdoptExisting,
	}, cb); err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}

	d.sup.RunAutoInit(ctx, sess.SessionID, sess.WorktreePath, cb)

	cl.sendFrame(ServerFrame{Type: "created", SessionID: sess.SessionID})
}

func (d *Dispatcher) handleDestroy(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	if state.sessionID == "" {
		return
	}
	preserve := false
	if frame.PreserveWorktree != nil {
		preserve = *frame.PreserveWorktree
	}
	key := state.key
	_ = d.sup.Destroy(state.sessionID)
	err := d.mgr.Destroy(ctx, state.sessionID, preserve)
	d.hub.unregisterSession(key, cl)
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}

	// Tell the management socket to drop this tab from the browser's tab
	// strip, distinguishing a kept branch from a fully discarded one.
	kind := "discardAndClose"
	if preserve {
		kind = "keepBranchAndClose"
	}
	d.hub.PushManagementEffect(key.RepoHash, key.BranchName, kind, "", "")
}

func (d *Dispatcher) handleGetGitStatus(ctx context.Context, cl *client, state *socketState) {
	status, err := d.mgr.GetGitStatus(ctx, state.sessionID)
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}
	commitLog, err := d.mgr.GetCommitLog(ctx, state.sessionID)
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}
	cl.sendFrame(ServerFrame{Type: "gitBranchStatus", Status: status, CommitLog: commitLog})
}

func (d *Dispatcher) handleFileList(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	files, err := d.mgr.GetFileList(ctx, state.sessionID, frame.CommitID)
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}
	cl.sendFrame(ServerFrame{Type: "fileList", FileList: files})
}

func (d *Dispatcher) handleFileDiff(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	diff, err := d.mgr.GetFileDiff(ctx, state.sessionID, frame.FilePath, frame.CommitID)
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}
	cl.sendFrame(ServerFrame{Type: "fileDiff", FileDiff: diff})
}

func (d *Dispatcher) handleSaveFile(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	err := d.mgr.SaveFile(ctx, state.sessionID, frame.FilePath, frame.Content)
	d.handleResult(cl, "commitResult", err)
}

func (d *Dispatcher) handleResult(cl *client, frameType string, err error) {
	if err != nil {
		cl.sendFrame(ServerFrame{Type: frameType, Error: err.Error()})
		return
	}
	cl.sendFrame(ServerFrame{Type: frameType})
}

func (d *Dispatcher) handleRebase(ctx context.Context, cl *client, state *socketState) {
	resolved, err := d.ops.Rebase(ctx, state.sessionID)
	if err != nil {
		cl.sendFrame(ServerFrame{Type: "rebaseResult", Error: err.Error()})
		return
	}
	cl.sendFrame(resultFrame("rebaseResult", map[string]bool{"conflictsResolved": resolved}))
}

func (d *Dispatcher) handleMerge(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	result, err := d.ops.Merge(ctx, state.sessionID, frame.CommitMessage)
	if err != nil {
		cl.sendFrame(ServerFrame{Type: "mergeResult", Error: err.Error()})
		return
	}
	if sess, ok := d.mgr.GetSession(state.sessionID); ok {
		d.hub.BroadcastBaseMoved(ctx, sess.BaseBranchName)
	}
	cl.sendFrame(resultFrame("mergeResult", result))
}

// handleExecuteWaituser runs frame.CommandLine in the session's worktree
// and reports its output back on the same socket, letting the user answer
// a question a paused agent asked via a ch-waituser command template.
func (d *Dispatcher) handleExecuteWaituser(ctx context.Context, cl *client, state *socketState, frame ClientFrame) {
	output, err := d.mgr.ExecuteCommand(ctx, state.sessionID, frame.CommandLine)
	if err != nil {
		cl.sendFrame(ServerFrame{Type: "waituserError", Output: output})
		return
	}
	cl.sendFrame(ServerFrame{Type: "waituser", Text: output, CommandLine: frame.CommandLine})
}

// handleValidateRepository checks whether frame.RepoPath is a usable
// repository root, used before offering it as a new repository to open.
func (d *Dispatcher) handleValidateRepository(cl *client, frame ClientFrame) {
	if err := session.ValidateRepositoryPath(frame.RepoPath); err != nil {
		cl.sendFrame(ServerFrame{Type: "repositoryValidated", Valid: false, Error: err.Error()})
		return
	}
	cl.sendFrame(ServerFrame{Type: "repositoryValidated", Valid: true})
}

// handleDiscoverWorktrees reports worktrees left over from a prior session
// that unexpectedly disconnected (preserving its worktree), so the client
// can offer to re-adopt one with a "create" request carrying AdoptExisting.
func (d *Dispatcher) handleDiscoverWorktrees(ctx context.Context, cl *client) {
	worktrees, err := d.mgr.DiscoverWorktrees(ctx)
	if err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}
	cl.sendFrame(ServerFrame{Type: "worktreesDiscovered", Worktrees: worktrees})
}

func (d *Dispatcher) handleRestart(ctx context.Context, cl *client, state *socketState) {
	sess, ok := d.mgr.GetSession(state.sessionID)
	if !ok {
		cl.sendFrame(errorFrame("unknown session"))
		return
	}
	_ = d.sup.Destroy(state.sessionID)

	cb := pty.Callbacks{
		OnData: func(sessionID string, chunk []byte) {
			cl.sendFrame(ServerFrame{Type: "data", Data: string(chunk)})
		},
		OnStateChange: func(sessionID string, s model.SessionState) {
			cl.sendFrame(ServerFrame{Type: "state", State: string(s)})
		},
		OnExit: func(sessionID string) {
			cl.sendFrame(ServerFrame{Type: "exit"})
		},
	}
	if err := d.sup.Spawn(ctx, pty.SpawnRequest{
		Session:         sess,
		RepoPath:        d.mgr.RepoPath(),
		BaseURL:         d.baseURL,
		HookSecret:      d.hookSecret,
		ContinueSession: true,
	}, cb); err != nil {
		cl.sendFrame(errorFrame(err.Error()))
		return
	}
	cl.sendFrame(ServerFrame{Type: "restarted"})
}
