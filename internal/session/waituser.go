package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/kandev/hydra/internal/common/constants"
	"github.com/kandev/hydra/internal/model"
)

// ExecuteCommand runs commandline as a shell command inside the session's
// worktree, used by the client-driven executeWaituser request to let the
// user answer a paused agent's question. Bounded by
// constants.WaituserCommandTimeout regardless of the caller's context.
func (m *Manager) ExecuteCommand(ctx context.Context, sessionID, commandline string) (string, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: unknown session", model.ErrInvalidRepository)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.WaituserCommandTimeout)
	defer cancel()

	runner := []string{"sh", "-c"}
	if runtime.GOOS == "windows" {
		runner = []string{"cmd", "/C"}
	}

	cmd := exec.CommandContext(ctx, runner[0], append(runner[1:], commandline)...)
	cmd.Dir = sess.WorktreePath
	cmd.Env = os.Environ()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.String(), err
}
