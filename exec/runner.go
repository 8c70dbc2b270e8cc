// Package exec runs commands for the execution backends with a hard timeout,
// process-group cleanup and bounded output capture. Tests inject a
// MockRunner in place of the RealRunner.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/zhubert/toolgate/process"
)

// DefaultGracePeriod is how long a timed-out command gets between SIGTERM and
// SIGKILL.
const DefaultGracePeriod = 2 * time.Second

var (
	// ErrTimeout reports that a command exceeded its timeout and was killed.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled reports that the caller's context ended before the command.
	ErrCancelled = errors.New("cancelled")
	// ErrEmptyCommand is returned for a Command with no argv.
	ErrEmptyCommand = errors.New("empty command")
)

// Command describes one process invocation.
type Command struct {
	Argv           []string
	Dir            string
	Env            []string // appended to the gateway's environment
	Stdin          []byte
	Timeout        time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int // per stream; 0 means unlimited
}

// Result is what a finished command produced. A non-zero exit is a Result,
// not an error.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
	PID       int
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// StartError wraps a failure to spawn the process.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// RealRunner executes commands using os/exec.
type RealRunner struct{}

// NewRealRunner returns a new RealRunner.
func NewRealRunner() *RealRunner {
	return &RealRunner{}
}

// Run starts the command in its own process group and waits for it. On
// timeout the group gets SIGTERM, then SIGKILL after the grace period, and
// the result carries exit code -1 with ErrTimeout. Context cancellation kills
// the group immediately and returns ErrCancelled. Either way the partial
// result is returned alongside the error.
func (r *RealRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Argv) == 0 {
		return nil, ErrEmptyCommand
	}

	cmd := osexec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	process.SetProcessGroup(cmd)

	grace := c.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	// Bounds Wait if a stray descendant keeps the pipes open.
	cmd.WaitDelay = grace

	stdout := NewOutputBuffer(c.MaxOutputBytes)
	stderr := NewOutputBuffer(c.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Name: c.Argv[0], Err: err}
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr, runErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		process.KillGroup(pid)
		waitErr = <-done
		runErr = fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timeout:
		process.TerminateGroup(pid)
		select {
		case waitErr = <-done:
		case <-time.After(grace):
			process.KillGroup(pid)
			waitErr = <-done
		}
		// Stragglers that ignored SIGTERM but left the leader's pipes alone.
		process.KillGroup(pid)
		runErr = ErrTimeout
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		TimedOut:  errors.Is(runErr, ErrTimeout),
		Duration:  time.Since(start),
		PID:       pid,
	}

	switch {
	case runErr != nil:
		res.ExitCode = -1
		return res, runErr
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *osexec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if !errors.Is(waitErr, osexec.ErrWaitDelay) {
			res.ExitCode = -1
			return res, waitErr
		}
	}
	return res, nil
}

var _ Runner = (*RealRunner)(nil)

// defaultRunnerMu protects defaultRunner for concurrent access.
var defaultRunnerMu sync.RWMutex

// defaultRunner is the global default runner (can be swapped for testing).
var defaultRunner Runner = NewRealRunner()

// GetDefaultRunner returns the global default runner.
func GetDefaultRunner() Runner {
	defaultRunnerMu.RLock()
	defer defaultRunnerMu.RUnlock()
	return defaultRunner
}

// SetDefaultRunner sets the global default runner.
func SetDefaultRunner(r Runner) {
	defaultRunnerMu.Lock()
	defer defaultRunnerMu.Unlock()
	defaultRunner = r
}
