package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	osexec "os/exec"
	"sort"
	"sync"
	"time"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/process"
)

// DefaultStopTimeout is how long a child gets to exit after stdin closes.
const DefaultStopTimeout = 2 * time.Second

// StdioConfig describes the child process to spawn.
type StdioConfig struct {
	Name        string // for logs
	Command     string
	Args        []string
	Env         map[string]string
	Dir         string
	StopTimeout time.Duration
}

// Stdio speaks to a child process over its stdin and stdout. stderr goes to
// the log.
type Stdio struct {
	cfg StdioConfig
	log *slog.Logger

	mu     sync.Mutex
	cmd    *osexec.Cmd
	conn   *lineConn
	exited chan struct{}

	stopOnce sync.Once
}

// NewStdio returns an unstarted stdio transport.
func NewStdio(cfg StdioConfig) *Stdio {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Stdio{
		cfg: cfg,
		log: logger.WithComponent("transport").With("server", cfg.Name, "transport", "stdio"),
	}
}

// Start spawns the process in its own process group and performs the
// handshake.
func (s *Stdio) Start(ctx context.Context) (*mcp.InitializeResult, error) {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: already started", s.cfg.Name)
	}

	cmd := osexec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(s.cfg.Env)...)
	}
	cmd.Stderr = &logWriter{log: s.log}
	cmd.WaitDelay = s.cfg.StopTimeout
	process.SetProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	conn := newLineConn(stdout, stdin, s.log)
	exited := make(chan struct{})
	s.cmd, s.conn, s.exited = cmd, conn, exited
	s.mu.Unlock()

	s.log.Info("backend process started", "pid", cmd.Process.Pid, "command", s.cfg.Command)

	go func() {
		readErr := conn.readLoop()
		// Wait closes stdout, so it must follow the last read.
		waitErr := cmd.Wait()
		s.log.Info("backend process exited", "pid", cmd.Process.Pid, "read_error", readErr, "wait_error", waitErr)
		if waitErr != nil {
			conn.fail(fmt.Errorf("%w: %v", ErrProcessExited, waitErr))
		} else {
			conn.fail(ErrProcessExited)
		}
		close(exited)
	}()

	result, err := handshake(ctx, s)
	if err != nil {
		s.Stop()
		return nil, err
	}
	return result, nil
}

// Send writes req and, unless it is a notification, waits for the reply.
func (s *Stdio) Send(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotStarted
	}
	if req.IsNotification() {
		return nil, conn.notify(ctx, req)
	}
	return conn.call(ctx, req)
}

// PID returns the child's process ID, or 0 before Start.
func (s *Stdio) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stop closes stdin, gives the child StopTimeout to exit, then kills its
// process group. Pending calls fail with ErrClosed.
func (s *Stdio) Stop() error {
	s.mu.Lock()
	cmd, conn, exited := s.cmd, s.conn, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	s.stopOnce.Do(func() {
		conn.fail(ErrClosed)
		pid := cmd.Process.Pid

		timer := time.NewTimer(s.cfg.StopTimeout)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			s.log.Warn("backend did not exit after stdin closed, killing", "pid", pid)
			process.KillGroup(pid)
			<-exited
		}
		// Descendants that outlived the leader.
		process.KillGroup(pid)
	})
	return nil
}

// Done is closed once the child has exited.
func (s *Stdio) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// logWriter forwards a child's stderr to the log line by line.
type logWriter struct {
	log *slog.Logger
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := indexNewline(w.buf)
		if i < 0 {
			break
		}
		w.log.Debug("backend stderr", "line", audit.RedactString(string(w.buf[:i])))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64<<10 {
		w.log.Debug("backend stderr", "line", audit.RedactString(string(w.buf)))
		w.buf = nil
	}
	return len(p), nil
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

var (
	_ Transport = (*Stdio)(nil)
	_ io.Writer = (*logWriter)(nil)
)
