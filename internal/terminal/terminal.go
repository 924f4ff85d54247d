// Package terminal provides interactive shell sessions behind a single
// byte-stream surface, either as a local pseudo-terminal child process or as
// a PTY-backed shell over SSH.
//
// The Manager owns every live session: it enforces the concurrency quota,
// routes input and resize requests by terminal id, retargets output when a
// client reconnects, and reaps sessions that stay disconnected past the idle
// timeout. The websocket gateway talks only to the Manager; it never holds a
// backend handle directly.
package terminal

import (
	"errors"
)

// Session is the capability surface shared by local pty and remote ssh
// backends. A session is one of the two for its whole life; the Manager
// dispatches on the concrete type only at creation time.
type Session interface {
	// Read returns the next chunk of terminal output. Any error, io.EOF
	// included, means the stream has ended and the child is gone or
	// unreachable.
	Read(p []byte) (int, error)
	// Write submits input bytes to the shell.
	Write(p []byte) (int, error)
	// Resize changes the terminal dimensions.
	Resize(cols, rows uint16) error
	// Close terminates the session and releases resources. Safe to call
	// more than once.
	Close() error
	// ExitCode reports the child's exit status after the output stream has
	// ended, or nil when it is unknown. It must not be called before Read
	// has returned an error.
	ExitCode() *int
}

// Sink receives output events for one terminal. The gateway supplies a Sink
// per connection; the Manager swaps it when a new connection attaches to an
// existing terminal, so the backend reader never holds a connection pointer.
//
// Implementations must not block: the pty reader calls Output on its own
// goroutine and a stalled sink would stall that terminal.
type Sink interface {
	// Output delivers one ordered chunk of terminal output.
	Output(p []byte)
	// Exit signals that the backend stream ended and the child was reaped.
	// code is nil when the exit status could not be collected.
	Exit(code *int)
}

// Errors returned by the Manager and the session backends. Callers classify
// with errors.Is; backend failures carry the original cause via wrapping.
var (
	// ErrNotFound means the terminal id is not registered (or not visible
	// to the requesting user).
	ErrNotFound = errors.New("terminal not found")
	// ErrAlreadyExists means the terminal id is already in use.
	ErrAlreadyExists = errors.New("terminal already exists")
	// ErrMaxTerminals means the concurrent-terminal quota was hit.
	ErrMaxTerminals = errors.New("max terminals reached")
	// ErrSendClosed means the terminal's input queue has been closed.
	ErrSendClosed = errors.New("terminal input closed")
	// ErrAuthFailed means the remote host rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNetwork means the transport to the remote host failed.
	ErrNetwork = errors.New("network error")
)

const (
	// outputChunkSize is the read granularity of the backend reader. Each
	// chunk becomes at most one output envelope on the wire.
	outputChunkSize = 4096
	// inputQueueSize bounds the per-terminal input queue. A full queue
	// backpressures the websocket read loop that feeds it.
	inputQueueSize = 256
)
