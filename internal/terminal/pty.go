package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"
)

// ptySession is a local shell child attached to a pseudo-terminal pair. The
// parent drives the master side; the child sees the slave as its controlling
// terminal.
type ptySession struct {
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex

	// waitOnce guards process reaping so Close and ExitCode never race on
	// cmd.Wait.
	waitOnce sync.Once
	exitCode *int

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*ptySession)(nil)

// defaultShell picks the platform shell and its login-shell arguments:
// $SHELL (or /bin/bash) invoked with -l on POSIX, PowerShell on Windows.
func defaultShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "powershell.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	return "/bin/bash", []string{"-l"}
}

// startLocal spawns the platform shell on a new pty of the given size. dir is
// the child's working directory; empty means inherit. The caller owns the
// returned session and must Close it.
func startLocal(cols, rows uint16, dir string) (*ptySession, error) {
	shell, args := defaultShell()
	cmd := exec.Command(shell, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty %s: %w", shell, err)
	}

	return &ptySession{cmd: cmd, ptmx: ptmx}, nil
}

// Read drains the pty master. After the child exits the master read fails
// (EIO on Linux); callers treat any error as end of stream.
func (s *ptySession) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

func (s *ptySession) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ptmx.Write(p)
}

func (s *ptySession) Resize(cols, rows uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close signals the child, reaps it, and releases the master descriptor.
// Closing the master also unblocks any in-flight Read.
func (s *ptySession) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			// Ignore "already finished": the child may have exited on
			// its own before the client asked to close.
			_ = s.cmd.Process.Kill()
		}
		s.waitOnce.Do(s.wait)
		s.closeErr = s.ptmx.Close()
	})
	return s.closeErr
}

// ExitCode reaps the child if needed and reports its exit status. nil means
// the status is unknown (signal death or a wait failure).
func (s *ptySession) ExitCode() *int {
	s.waitOnce.Do(s.wait)
	return s.exitCode
}

func (s *ptySession) wait() {
	err := s.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			code := exitErr.ExitCode()
			s.exitCode = &code
		}
		return
	}
	code := s.cmd.ProcessState.ExitCode()
	s.exitCode = &code
}
