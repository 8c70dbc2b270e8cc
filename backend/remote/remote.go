// Package remote is the SSH remote-execution backend. Tools address hosts by
// their configured name; commands pass the same policy as the shell backend.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/backend/shell"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/sshpool"
	"github.com/zhubert/toolgate/tool"
)

const (
	ToolExecute  = "ssh_execute"
	ToolUpload   = "ssh_upload"
	ToolDownload = "ssh_download"
)

var ErrUnknownHost = errors.New("unknown host")

// Backend runs tools against pooled SSH connections.
type Backend struct {
	cfg    config.SSHConfig
	hosts  map[string]sshpool.Target
	pool   *sshpool.Pool
	policy *shell.Policy
	log    *slog.Logger
}

// Option configures a Backend.
type Option func(*backendOptions)

type backendOptions struct {
	dialer sshpool.Dialer
	policy *shell.Policy
}

// WithDialer replaces the x/crypto/ssh dialer.
func WithDialer(d sshpool.Dialer) Option {
	return func(o *backendOptions) { o.dialer = d }
}

// WithPolicy shares a command policy, normally the shell backend's.
func WithPolicy(p *shell.Policy) Option {
	return func(o *backendOptions) { o.policy = p }
}

// New builds the backend and its connection pool.
func New(cfg config.SSHConfig, opts ...Option) (*Backend, error) {
	var o backendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = config.DefaultCommandTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = config.DefaultTransferTimeout
	}
	if cfg.MaxTransferBytes <= 0 {
		cfg.MaxTransferBytes = config.DefaultMaxTransferBytes
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = config.DefaultMaxOutputBytes
	}

	if o.policy == nil {
		p, err := shell.NewPolicy(nil, nil)
		if err != nil {
			return nil, err
		}
		o.policy = p
	}
	if o.dialer == nil {
		d, err := sshpool.NewDialer(sshpool.DialerConfig{
			ConnectTimeout:        cfg.ConnectTimeout,
			KnownHostsFile:        cfg.KnownHostsFile,
			InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
		})
		if err != nil {
			return nil, err
		}
		o.dialer = d
	}

	hosts := make(map[string]sshpool.Target, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if _, dup := hosts[h.Name]; dup {
			return nil, fmt.Errorf("duplicate ssh host %q", h.Name)
		}
		hosts[h.Name] = sshpool.Target{
			User:     h.User,
			Host:     h.Host,
			Port:     h.Port,
			KeyFile:  h.KeyFile,
			Password: h.ResolvePassword(),
		}
	}

	return &Backend{
		cfg:   cfg,
		hosts: hosts,
		pool: sshpool.New(o.dialer, sshpool.Options{
			MaxConnections: cfg.MaxConnections,
			AcquireTimeout: cfg.AcquireTimeout,
			IdleTimeout:    cfg.IdleTimeout,
		}),
		policy: o.policy,
		log:    logger.WithComponent("remote"),
	}, nil
}

// Close closes every pooled connection.
func (b *Backend) Close() error {
	return b.pool.Close()
}

// Pool exposes the connection pool for stats.
func (b *Backend) Pool() *sshpool.Pool { return b.pool }

func (b *Backend) hostNames() []any {
	names := make([]string, 0, len(b.hosts))
	for name := range b.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// Tools returns the schemas this backend publishes. The host parameter
// enumerates the configured hosts.
func (b *Backend) Tools() []tool.Schema {
	host := tool.Parameter{Name: "host", Type: tool.TypeString, Description: "Configured host name", Required: true}
	if len(b.hosts) > 0 {
		host.Enum = b.hostNames()
	}
	return []tool.Schema{
		{
			Name:        ToolExecute,
			Description: "Run a command on a configured remote host.",
			RiskLevel:   tool.RiskHigh,
			Parameters: []tool.Parameter{
				host,
				{Name: "command", Type: tool.TypeString, Description: "Command line to run", Required: true},
				{Name: "timeout", Type: tool.TypeNumber, Description: "Timeout in seconds, capped by the configured command timeout"},
			},
		},
		{
			Name:        ToolUpload,
			Description: "Write content to a file on a configured remote host.",
			RiskLevel:   tool.RiskHigh,
			Parameters: []tool.Parameter{
				host,
				{Name: "remote_path", Type: tool.TypeString, Description: "Destination path", Required: true},
				{Name: "content", Type: tool.TypeString, Description: "File content", Required: true},
				{Name: "mode", Type: tool.TypeString, Description: "Octal file mode", Default: "0644"},
			},
		},
		{
			Name:        ToolDownload,
			Description: "Read a file from a configured remote host.",
			RiskLevel:   tool.RiskMedium,
			Parameters: []tool.Parameter{
				host,
				{Name: "remote_path", Type: tool.TypeString, Description: "Source path", Required: true},
			},
		},
	}
}

// Register adds the backend's tools to an engine.
func (b *Backend) Register(e *mcp.Engine) error {
	handlers := map[string]mcp.Handler{
		ToolExecute:  b.Execute,
		ToolUpload:   b.Upload,
		ToolDownload: b.Download,
	}
	for _, s := range b.Tools() {
		if err := e.RegisterTool(s, handlers[s.Name]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) target(name string) (sshpool.Target, error) {
	t, ok := b.hosts[name]
	if !ok {
		return sshpool.Target{}, fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	return t, nil
}

type executeRequest struct {
	Host    string  `mapstructure:"host"`
	Command string  `mapstructure:"command"`
	Timeout float64 `mapstructure:"timeout"`
}

// Execute runs ssh_execute.
func (b *Backend) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req executeRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}
	t, err := b.target(req.Host)
	if err != nil {
		return nil, err
	}
	if err := b.policy.Check(req.Command); err != nil {
		b.log.Warn("remote command rejected", "host", req.Host, "command", audit.RedactString(req.Command), "error", err)
		return tool.Violation(err.Error()), nil
	}

	timeout := b.cfg.CommandTimeout
	if req.Timeout > 0 {
		if d := time.Duration(req.Timeout * float64(time.Second)); d < timeout {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var res *sshpool.RunResult
	err = b.pool.Do(ctx, t, func(ctx context.Context, c sshpool.Client) error {
		var runErr error
		res, runErr = c.Run(ctx, req.Command, nil, b.cfg.MaxOutputBytes)
		return runErr
	})
	elapsed := time.Since(start)

	if errors.Is(err, context.DeadlineExceeded) {
		out := tool.Failf("command timeout after %s", timeout).
			With(tool.MetaExitCode, -1).
			With(tool.MetaTimedOut, true).
			With(tool.MetaDurationMS, elapsed.Milliseconds())
		if res != nil {
			out.With(tool.MetaStdout, res.Stdout).With(tool.MetaStderr, res.Stderr)
		}
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Host, err)
	}

	content := map[string]any{
		"host":              req.Host,
		tool.MetaExitCode:   res.ExitCode,
		tool.MetaStdout:     res.Stdout,
		tool.MetaStderr:     res.Stderr,
		tool.MetaDurationMS: elapsed.Milliseconds(),
		tool.MetaTruncated:  res.Truncated,
	}
	out := tool.OK(content)
	if res.ExitCode != 0 {
		out = tool.Failf("command exited with status %d", res.ExitCode)
	}
	for k, v := range content {
		out.With(k, v)
	}
	return out, nil
}

type uploadRequest struct {
	Host       string `mapstructure:"host"`
	RemotePath string `mapstructure:"remote_path"`
	Content    string `mapstructure:"content"`
	Mode       string `mapstructure:"mode"`
}

// Upload runs ssh_upload.
func (b *Backend) Upload(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req uploadRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}
	t, err := b.target(req.Host)
	if err != nil {
		return nil, err
	}
	if int64(len(req.Content)) > b.cfg.MaxTransferBytes {
		return tool.Violation(fmt.Sprintf("%v: %d bytes exceeds %d", sshpool.ErrTooLarge, len(req.Content), b.cfg.MaxTransferBytes)), nil
	}
	mode := os.FileMode(0o644)
	if req.Mode != "" {
		var m uint32
		if _, err := fmt.Sscanf(req.Mode, "%o", &m); err != nil || m > 0o777 {
			return nil, fmt.Errorf("invalid mode %q", req.Mode)
		}
		mode = os.FileMode(m)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.TransferTimeout)
	defer cancel()
	err = b.pool.Do(ctx, t, func(ctx context.Context, c sshpool.Client) error {
		return c.Upload(ctx, req.RemotePath, []byte(req.Content), mode)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Host, err)
	}
	b.log.Info("uploaded file", "host", req.Host, "path", req.RemotePath, "bytes", len(req.Content))
	return tool.OK(map[string]any{
		"host":          req.Host,
		"remote_path":   req.RemotePath,
		"bytes_written": len(req.Content),
	}), nil
}

type downloadRequest struct {
	Host       string `mapstructure:"host"`
	RemotePath string `mapstructure:"remote_path"`
}

// Download runs ssh_download.
func (b *Backend) Download(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req downloadRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}
	t, err := b.target(req.Host)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.TransferTimeout)
	defer cancel()
	var data []byte
	err = b.pool.Do(ctx, t, func(ctx context.Context, c sshpool.Client) error {
		var dlErr error
		data, dlErr = c.Download(ctx, req.RemotePath, b.cfg.MaxTransferBytes)
		return dlErr
	})
	if errors.Is(err, sshpool.ErrTooLarge) {
		return tool.Violation(err.Error()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Host, err)
	}
	return tool.OK(map[string]any{
		"host":        req.Host,
		"remote_path": req.RemotePath,
		"content":     string(data),
		"size":        len(data),
	}), nil
}
