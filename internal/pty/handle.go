// Package pty implements the PTY Session Supervisor (C4): hook artifact
// injection, agent spawning inside a pseudo-terminal, PTY<->Hub byte
// streaming, and the cleanup policy run on socket close or PTY exit.
package pty

import "io"

// Handle abstracts PTY operations across Unix and Windows.
// On Unix, this wraps creack/pty (*os.File).
// On Windows, this wraps Windows ConPTY.
type Handle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
