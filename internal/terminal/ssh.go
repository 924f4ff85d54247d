package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
)

const sshDialTimeout = 10 * time.Second

// AuthType names the credential variant used for remote logins.
type AuthType string

const (
	AuthNone     AuthType = "none"
	AuthPassword AuthType = "password"
	AuthKeyFile  AuthType = "key_file"
	AuthKeyData  AuthType = "key_data"
)

// SSHConfig describes a remote shell target. Exactly one credential field is
// consulted, selected by Auth; Passphrase applies to both key variants.
// Credentials are never stored beyond the dial.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Auth       AuthType
	Password   string
	KeyPath    string
	KeyData    string
	Passphrase string
}

// Addr returns the host:port dial address.
func (c SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// sshSession is a remote login shell on a server-side pty, reached over an
// SSH session channel.
type sshSession struct {
	client  *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	writeMu sync.Mutex

	waitOnce sync.Once
	exitCode *int

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*sshSession)(nil)

// dialSSH connects to the target, authenticates, and starts a login shell on
// a remote pty of the given size. Authentication rejections wrap
// ErrAuthFailed; transport failures wrap ErrNetwork.
func dialSSH(ctx context.Context, cfg SSHConfig, cols, rows uint16) (*sshSession, error) {
	client, err := dialClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newSSHSession(client, cols, rows)
}

// TestConnection dials and authenticates against the target, then closes the
// transport without opening a channel. The auth gate uses it to validate
// remote credentials at login time.
func TestConnection(ctx context.Context, cfg SSHConfig) error {
	client, err := dialClient(ctx, cfg)
	if err != nil {
		return err
	}
	return client.Close()
}

func dialClient(ctx context.Context, cfg SSHConfig) (*cryptossh.Client, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	clientCfg := &cryptossh.ClientConfig{
		User: cfg.User,
		Auth: []cryptossh.AuthMethod{auth},
		// Accept any server key. Development convenience; a production
		// deployment wants a host-key store here.
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         sshDialTimeout,
	}

	addr := cfg.Addr()
	// Respect context cancellation during dial
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, classifyDialError(addr, r.err)
		}
		return r.client, nil
	}
}

// classifyDialError splits handshake failures into credential rejections and
// transport errors so callers can distinguish the two without string checks.
func classifyDialError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", ErrAuthFailed, addr, err)
	}
	return fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, err)
}

func newSSHSession(client *cryptossh.Client, cols, rows uint16) (*sshSession, error) {
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: new session: %v", ErrNetwork, err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: request pty: %v", ErrNetwork, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrNetwork, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrNetwork, err)
	}

	// The remote pty merges stderr into the tty stream, so the stdout pipe
	// carries everything. sess.Shell() asks the server for the user's login
	// shell rather than guessing a path.
	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: start shell: %v", ErrNetwork, err)
	}

	return &sshSession{
		client:  client,
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (s *sshSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshSession) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshSession) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

// Close sends EOF on stdin, closes the channel, then the transport. Closing
// also unblocks a pending Read and resolves a pending Wait.
func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		_ = s.session.Close()
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// ExitCode waits for the remote exit-status reply and reports it. nil means
// the server closed the channel without one (signal death or teardown).
func (s *sshSession) ExitCode() *int {
	s.waitOnce.Do(func() {
		err := s.session.Wait()
		if err == nil {
			zero := 0
			s.exitCode = &zero
			return
		}
		var exitErr *cryptossh.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitStatus()
			s.exitCode = &code
		}
	})
	return s.exitCode
}

// authMethod builds the SSH auth method for the configured variant.
func authMethod(cfg SSHConfig) (cryptossh.AuthMethod, error) {
	switch cfg.Auth {
	case AuthPassword:
		return cryptossh.Password(cfg.Password), nil
	case AuthKeyFile:
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", cfg.KeyPath, err)
		}
		return keySigner(key, cfg.Passphrase)
	case AuthKeyData:
		return keySigner([]byte(cfg.KeyData), cfg.Passphrase)
	default:
		return nil, fmt.Errorf("unsupported auth method %q", cfg.Auth)
	}
}

func keySigner(pemBytes []byte, passphrase string) (cryptossh.AuthMethod, error) {
	var (
		signer cryptossh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = cryptossh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	} else {
		signer, err = cryptossh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return cryptossh.PublicKeys(signer), nil
}
