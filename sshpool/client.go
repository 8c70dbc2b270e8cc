package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/zhubert/toolgate/exec"
)

const keepaliveRequest = "keepalive@openssh.com"

// DialerConfig configures the x/crypto/ssh dialer.
type DialerConfig struct {
	ConnectTimeout        time.Duration
	KnownHostsFile        string // default ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool
}

// SSHDialer dials real SSH servers.
type SSHDialer struct {
	cfg         DialerConfig
	hostKeyFunc ssh.HostKeyCallback
}

// NewDialer builds a dialer that verifies host keys against known_hosts
// unless InsecureIgnoreHostKey is set.
func NewDialer(cfg DialerConfig) (*SSHDialer, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	d := &SSHDialer{cfg: cfg}
	if cfg.InsecureIgnoreHostKey {
		d.hostKeyFunc = ssh.InsecureIgnoreHostKey()
		return d, nil
	}

	file := cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	d.hostKeyFunc = cb
	return d, nil
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if t.KeyFile != "" {
		key, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", t.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no key file or password configured")
	}
	return methods, nil
}

// Dial opens an authenticated connection to t.
func (d *SSHDialer) Dial(ctx context.Context, t Target) (Client, error) {
	auth, err := authMethods(t)
	if err != nil {
		return nil, err
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// The handshake has no context; bound it by deadline.
	conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: d.hostKeyFunc,
		Timeout:         d.cfg.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return &sshClient{client: ssh.NewClient(cc, chans, reqs)}, nil
}

type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) session() (*ssh.Session, error) {
	s, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return s, nil
}

// Run executes command in a fresh session. Context cancellation signals and
// closes the session.
func (c *sshClient) Run(ctx context.Context, command string, stdin []byte, maxOutput int) (*RunResult, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	stdout := exec.NewOutputBuffer(maxOutput)
	stderr := exec.NewOutputBuffer(maxOutput)
	s.Stdout = stdout
	s.Stderr = stderr
	if stdin != nil {
		s.Stdin = bytes.NewReader(stdin)
	}

	if err := s.Start(command); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		s.Signal(ssh.SIGKILL)
		s.Close()
		<-done
		return &RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	}

	res := &RunResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(waitErr, &missing):
		res.ExitCode = -1
	default:
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, waitErr)
	}
	return res, nil
}

// Upload streams data into remotePath through cat.
func (c *sshClient) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	cmd := fmt.Sprintf("cat > %s && chmod %04o %s", ShellQuote(remotePath), mode.Perm(), ShellQuote(remotePath))
	res, err := c.Run(ctx, cmd, data, 64<<10)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("upload %s: exit %d: %s", remotePath, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Download reads remotePath through cat, refusing files over maxBytes.
func (c *sshClient) Download(ctx context.Context, remotePath string, maxBytes int64) ([]byte, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	limit := 0
	if maxBytes > 0 {
		limit = int(maxBytes) + 1
	}
	stdout := exec.NewOutputBuffer(limit)
	stderr := exec.NewOutputBuffer(64 << 10)
	s.Stdout = stdout
	s.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- s.Run("cat " + ShellQuote(remotePath)) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		s.Close()
		<-done
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("download %s: exit %d: %s", remotePath, exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if stdout.Truncated() || (maxBytes > 0 && int64(len(stdout.Bytes())) > maxBytes) {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, remotePath, maxBytes)
	}
	return append([]byte(nil), stdout.Bytes()...), nil
}

// Alive sends an OpenSSH keepalive request; any reply means the transport
// is up.
func (c *sshClient) Alive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest(keepaliveRequest, true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
