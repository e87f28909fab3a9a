package pty

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/config"
	"github.com/kandev/hydra/internal/common/logger"
	"github.com/kandev/hydra/internal/model"
)

// Callbacks is the set of functions a Supervisor invokes to report PTY
// activity back to the Hub (C5), kept as plain function values rather than
// an imported interface so this package has no dependency on internal/hub.
type Callbacks struct {
	// OnData is called with every chunk of PTY output, to be forwarded as a
	// "data" frame on the session's socket.
	OnData func(sessionID string, chunk []byte)
	// OnStateChange is called whenever the Supervisor infers a state
	// transition ("ready" or "running") from PTY activity.
	OnStateChange func(sessionID string, state model.SessionState)
	// OnExit is called once the PTY process has exited.
	OnExit func(sessionID string)
	// OnAutoInitStatus reports the optional .autoinit.* script's lifecycle.
	OnAutoInitStatus func(sessionID, status, detail string)
}

// Supervisor spawns and manages the agent's PTY session for every Hydra
// session, wiring hooks, streaming bytes to the Hub, and detecting the
// client-visible ready/running state.
type Supervisor struct {
	cfg config.AgentConfig
	log *logger.Logger

	resolveOnce sync.Once
	executable  string
	resolveErr  error

	mu       sync.Mutex
	sessions map[string]*handle
}

// NewSupervisor returns a Supervisor configured from cfg.
func NewSupervisor(cfg config.AgentConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "pty_supervisor")),
		sessions: make(map[string]*handle),
	}
}

// handle tracks one live PTY session.
type handle struct {
	sessionID string
	ptmx      Handle
	cmd       *exec.Cmd
	cb        Callbacks

	mu                   sync.Mutex
	awaitingInitialReady bool
}

// SpawnRequest carries everything the Supervisor needs to start a session's
// agent process.
type SpawnRequest struct {
	Session         *model.Session
	RepoPath        string // main checkout, for .ignorefiles sync
	BaseURL         string // State Hook Endpoint base URL
	HookSecret      string
	Cols, Rows      int
	ContinueSession bool // pass --continue when adopting an existing session
}

// resolveExecutable resolves the agent executable from PATH exactly once
// per process, preferring ".cmd"/".exe" on Windows.
func (s *Supervisor) resolveExecutable() (string, error) {
	s.resolveOnce.Do(func() {
		name := s.cfg.ExecutableName
		if name == "" {
			name = "claude"
		}
		candidates := []string{name}
		if runtime.GOOS == "windows" {
			candidates = []string{name + ".cmd", name + ".exe", name}
		}
		for _, c := range candidates {
			if p, err := exec.LookPath(c); err == nil {
				s.executable = p
				return
			}
		}
		s.resolveErr = fmt.Errorf("%w: %s not found on PATH", model.ErrAgentNotFound, name)
	})
	return s.executable, s.resolveErr
}

// Spawn injects hook artifacts, syncs .ignorefiles, and starts the agent
// inside a PTY.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest, cb Callbacks) error {
	executable, err := s.resolveExecutable()
	if err != nil {
		return err
	}

	if err := installHookArtifacts(req.Session.WorktreePath); err != nil {
		return fmt.Errorf("%w: %s", model.ErrPTYSpawnFailed, err)
	}
	if err := syncIgnoreFiles(req.RepoPath); err != nil {
		s.log.Warn("ignorefiles sync failed", zap.Error(err))
	}

	args := []string{}
	if s.cfg.PermissionSkipFlag != "" {
		args = append(args, s.cfg.PermissionSkipFlag)
	}
	if req.ContinueSession {
		args = append(args, "--continue")
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = req.Session.WorktreePath
	cmd.Env = append(os.Environ(),
		"BASEURL="+req.BaseURL,
		"BASE_BRANCH="+req.Session.BaseBranchName,
		"HYDRA_BRANCH="+req.Session.BranchName,
		"HYDRA_HOOK_SECRET="+req.HookSecret,
	)

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}

	ptmx, err := startWithSize(cmd, cols, rows)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrPTYSpawnFailed, err)
	}

	h := &handle{sessionID: req.Session.SessionID, ptmx: ptmx, cmd: cmd, cb: cb, awaitingInitialReady: true}
	s.mu.Lock()
	s.sessions[req.Session.SessionID] = h
	s.mu.Unlock()

	go s.readLoop(h)
	go s.waitLoop(h)

	s.log.Info("spawned agent pty",
		zap.String("session_id", req.Session.SessionID),
		zap.String("branch", req.Session.BranchName))
	return nil
}

// readLoop forwards every byte read from the PTY to cb.OnData, and
// synthesizes a "ready" transition the first time the prompt marker
// character '>' is observed while awaiting the initial prompt.
func (s *Supervisor) readLoop(h *handle) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if h.cb.OnData != nil {
				h.cb.OnData(h.sessionID, chunk)
			}

			h.mu.Lock()
			awaiting := h.awaitingInitialReady
			h.mu.Unlock()
			if awaiting && bytes.ContainsRune(chunk, '>') {
				h.mu.Lock()
				h.awaitingInitialReady = false
				h.mu.Unlock()
				if h.cb.OnStateChange != nil {
					h.cb.OnStateChange(h.sessionID, model.StateReady)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop waits for the PTY process to exit and reports it.
func (s *Supervisor) waitLoop(h *handle) {
	_, _ = waitPtyProcess(h.cmd, h.ptmx)

	_ = h.ptmx.Close()

	s.mu.Lock()
	delete(s.sessions, h.sessionID)
	s.mu.Unlock()

	if h.cb.OnExit != nil {
		h.cb.OnExit(h.sessionID)
	}
}

// Write sends inbound bytes to the PTY. A bare ESC keystroke (exactly
// \x1b, never part of a multi-byte CSI sequence) is forwarded to the PTY
// and additionally triggers an eager "ready" broadcast, since the agent is
// expected to become idle once it processes the escape.
func (s *Supervisor) Write(sessionID string, data []byte) error {
	h, ok := s.get(sessionID)
	if !ok {
		return fmt.Errorf("%w: no active pty for session", model.ErrAgentNotFound)
	}
	if len(data) == 1 && data[0] == 0x1b {
		if h.cb.OnStateChange != nil {
			h.cb.OnStateChange(sessionID, model.StateReady)
		}
	}
	_, err := h.ptmx.Write(data)
	return err
}

// Resize changes the PTY window size for a live session.
func (s *Supervisor) Resize(sessionID string, cols, rows uint16) error {
	h, ok := s.get(sessionID)
	if !ok {
		return fmt.Errorf("%w: no active pty for session", model.ErrAgentNotFound)
	}
	return h.ptmx.Resize(cols, rows)
}

// Destroy terminates the PTY process for a session, if one is running. It
// does not wait for the process exit to be observed by waitLoop; callers
// that need the worktree cleanup ordering should wait for OnExit first.
func (s *Supervisor) Destroy(sessionID string) error {
	h, ok := s.get(sessionID)
	if !ok {
		return nil
	}
	_ = h.ptmx.Close()
	if h.cmd.Process != nil {
		_ = terminateProcess(h.cmd.Process)
	}
	if runtime.GOOS == "windows" {
		// Allow file handles to release before the caller removes the
		// worktree directory.
		time.Sleep(time.Second)
	}
	return nil
}

func (s *Supervisor) get(sessionID string) (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[sessionID]
	return h, ok
}

// RunAutoInit resolves and launches the optional .autoinit.{ps1|cmd|sh}
// script in worktreePath by platform priority, forwarding status events to
// cb.OnAutoInitStatus.
func (s *Supervisor) RunAutoInit(ctx context.Context, sessionID, worktreePath string, cb Callbacks) {
	scriptPath, runner := resolveAutoInitScript(worktreePath)
	if scriptPath == "" {
		return
	}

	timeout := s.cfg.AutoInitTimeout()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	if cb.OnAutoInitStatus != nil {
		cb.OnAutoInitStatus(sessionID, "running", "")
	}

	go func() {
		defer cancel()
		cmd := exec.CommandContext(runCtx, runner[0], append(runner[1:], scriptPath)...)
		cmd.Dir = worktreePath
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		err := cmd.Run()
		if cb.OnAutoInitStatus == nil {
			return
		}
		if err != nil {
			cb.OnAutoInitStatus(sessionID, "failed", stderr.String())
			return
		}
		cb.OnAutoInitStatus(sessionID, "completed", "")
	}()
}

// resolveAutoInitScript picks the first .autoinit.* script present in
// worktreePath, preferring the native shell for the current platform.
func resolveAutoInitScript(worktreePath string) (path string, runner []string) {
	var candidates []struct {
		name   string
		runner []string
	}
	if runtime.GOOS == "windows" {
		candidates = []struct {
			name   string
			runner []string
		}{
			{".autoinit.ps1", []string{"powershell", "-NoProfile", "-File"}},
			{".autoinit.cmd", []string{"cmd", "/C"}},
		}
	} else {
		candidates = []struct {
			name   string
			runner []string
		}{
			{".autoinit.sh", []string{"sh"}},
		}
	}

	for _, c := range candidates {
		full := filepath.Join(worktreePath, c.name)
		if _, err := os.Stat(full); err == nil {
			return full, c.runner
		}
	}
	return "", nil
}
