// Package shell is the command-shell execution backend. Commands run under
// the configured shell after the blacklist and whitelist checks pass; a hard
// timeout kills the whole process group.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/exec"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/tool"
)

const (
	ToolExecuteCommand = "execute_command"
	ToolShellInfo      = "shell_info"
)

// Backend runs shell commands.
type Backend struct {
	cfg    config.ShellConfig
	policy *Policy
	runner exec.Runner
	log    *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the command runner (tests use exec.MockRunner).
func WithRunner(r exec.Runner) Option {
	return func(b *Backend) { b.runner = r }
}

// New builds a shell backend. Zero-valued settings take the config defaults.
func New(cfg config.ShellConfig, opts ...Option) (*Backend, error) {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.ShellArgs == nil {
		cfg.ShellArgs = []string{"-c"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultShellTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = config.DefaultShellMaxTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = config.DefaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = config.DefaultMaxOutputBytes
	}

	policy, err := NewPolicy(cfg.BlockedPatterns, cfg.AllowedCommands)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:    cfg,
		policy: policy,
		runner: exec.GetDefaultRunner(),
		log:    logger.WithComponent("shell"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Policy returns the command policy, shared with the remote backend.
func (b *Backend) Policy() *Policy { return b.policy }

// Tools returns the schemas this backend publishes.
func (b *Backend) Tools() []tool.Schema {
	return []tool.Schema{
		{
			Name:        ToolExecuteCommand,
			Description: "Run a command under the configured shell and return its exit code, stdout and stderr.",
			RiskLevel:   tool.RiskHigh,
			Parameters: []tool.Parameter{
				{Name: "command", Type: tool.TypeString, Description: "Command line to run", Required: true},
				{Name: "working_dir", Type: tool.TypeString, Description: "Directory to run in; relative paths resolve against the configured work dir"},
				{Name: "timeout", Type: tool.TypeNumber, Description: "Timeout in seconds, capped by the configured maximum"},
				{Name: "env", Type: tool.TypeObject, Description: "Extra environment variables"},
			},
		},
		{
			Name:        ToolShellInfo,
			Description: "Describe the shell, limits and allowed commands of this backend.",
			RiskLevel:   tool.RiskLow,
		},
	}
}

// Register adds the backend's tools to an engine.
func (b *Backend) Register(e *mcp.Engine) error {
	handlers := map[string]mcp.Handler{
		ToolExecuteCommand: b.Execute,
		ToolShellInfo:      b.Info,
	}
	for _, s := range b.Tools() {
		if err := e.RegisterTool(s, handlers[s.Name]); err != nil {
			return err
		}
	}
	return nil
}

type executeRequest struct {
	Command    string            `mapstructure:"command"`
	WorkingDir string            `mapstructure:"working_dir"`
	Timeout    float64           `mapstructure:"timeout"`
	Env        map[string]string `mapstructure:"env"`
}

// Execute runs execute_command.
func (b *Backend) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req executeRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}

	if err := b.policy.Check(req.Command); err != nil {
		b.log.Warn("command rejected", "command", audit.RedactString(req.Command), "error", err)
		return tool.Violation(err.Error()), nil
	}

	dir, err := b.workDir(req.WorkingDir)
	if err != nil {
		return nil, err
	}

	argv := append(append([]string{b.cfg.Shell}, b.cfg.ShellArgs...), req.Command)
	cmd := exec.Command{
		Argv:           argv,
		Dir:            dir,
		Env:            envList(b.cfg.Env, req.Env),
		Timeout:        b.timeout(req.Timeout),
		GracePeriod:    b.cfg.GracePeriod,
		MaxOutputBytes: b.cfg.MaxOutputBytes,
	}

	b.log.Debug("running command", "command", audit.RedactString(req.Command), "dir", dir, "timeout", cmd.Timeout)
	res, err := b.runner.Run(ctx, cmd)
	return commandResult(res, err, cmd.Timeout), nil
}

// commandResult folds a runner outcome into a tool result. Exit code,
// stdout, stderr and duration are present on every path that spawned.
func commandResult(res *exec.Result, err error, timeout time.Duration) *tool.Result {
	var startErr *exec.StartError
	if errors.As(err, &startErr) || res == nil {
		if err == nil {
			err = errors.New("no result")
		}
		return tool.Fail(err.Error()).With(tool.MetaExitCode, -1)
	}

	content := map[string]any{
		tool.MetaExitCode:   res.ExitCode,
		tool.MetaStdout:     res.Stdout,
		tool.MetaStderr:     res.Stderr,
		tool.MetaDurationMS: res.Duration.Milliseconds(),
		tool.MetaTruncated:  res.Truncated,
	}

	var out *tool.Result
	switch {
	case errors.Is(err, exec.ErrTimeout):
		out = tool.Failf("command timeout after %s", timeout)
	case errors.Is(err, exec.ErrCancelled):
		out = tool.Fail("command cancelled")
	case err != nil:
		out = tool.Fail(err.Error())
	case res.ExitCode != 0:
		out = tool.Failf("command exited with status %d", res.ExitCode)
	default:
		out = tool.OK(content)
	}
	for k, v := range content {
		out.With(k, v)
	}
	if res.TimedOut {
		out.With(tool.MetaTimedOut, true)
	}
	return out
}

func (b *Backend) timeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return b.cfg.Timeout
	}
	d := time.Duration(seconds * float64(time.Second))
	if d > b.cfg.MaxTimeout {
		return b.cfg.MaxTimeout
	}
	return d
}

func (b *Backend) workDir(requested string) (string, error) {
	dir := requested
	if dir == "" {
		dir = b.cfg.WorkDir
	} else if !filepath.IsAbs(dir) && b.cfg.WorkDir != "" {
		dir = filepath.Join(b.cfg.WorkDir, dir)
	}
	if dir == "" {
		return "", nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", dir)
	}
	return dir, nil
}

func envList(base, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// Info runs shell_info.
func (b *Backend) Info(ctx context.Context, args map[string]any) (*tool.Result, error) {
	return tool.OK(map[string]any{
		"shell":            b.cfg.Shell,
		"shell_args":       b.cfg.ShellArgs,
		"work_dir":         b.cfg.WorkDir,
		"os":               runtime.GOOS,
		"default_timeout":  b.cfg.Timeout.String(),
		"max_timeout":      b.cfg.MaxTimeout.String(),
		"max_output_bytes": b.cfg.MaxOutputBytes,
		"allowed_commands": b.policy.Allowed(),
	}), nil
}
