package remote

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/toolgate/backend/shell"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/sshpool"
	"github.com/zhubert/toolgate/tool"
)

// memHost is a fake remote host backed by a map of files.
type memHost struct {
	mu       sync.Mutex
	files    map[string][]byte
	modes    map[string]os.FileMode
	commands []string
	limits   []int // maxOutput of each Run
	dials    int
	block    bool
}

func newMemHost() *memHost {
	return &memHost{files: map[string][]byte{}, modes: map[string]os.FileMode{}}
}

func (h *memHost) Dial(ctx context.Context, t sshpool.Target) (sshpool.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	return &memClient{host: h}, nil
}

type memClient struct{ host *memHost }

func (c *memClient) Run(ctx context.Context, command string, stdin []byte, maxOutput int) (*sshpool.RunResult, error) {
	c.host.mu.Lock()
	c.host.commands = append(c.host.commands, command)
	c.host.limits = append(c.host.limits, maxOutput)
	block := c.host.block
	c.host.mu.Unlock()
	if block {
		<-ctx.Done()
		return &sshpool.RunResult{ExitCode: -1}, ctx.Err()
	}
	if strings.HasPrefix(command, "exit ") {
		return &sshpool.RunResult{Stderr: "failed\n", ExitCode: 3}, nil
	}
	res := &sshpool.RunResult{Stdout: "ran: " + command}
	if maxOutput > 0 && len(res.Stdout) > maxOutput {
		res.Stdout, res.Truncated = res.Stdout[:maxOutput], true
	}
	return res, nil
}

func (c *memClient) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	c.host.files[remotePath] = append([]byte(nil), data...)
	c.host.modes[remotePath] = mode
	return nil
}

func (c *memClient) Download(ctx context.Context, remotePath string, maxBytes int64) ([]byte, error) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	data, ok := c.host.files[remotePath]
	if !ok {
		return nil, errors.New("no such file")
	}
	if int64(len(data)) > maxBytes {
		return nil, sshpool.ErrTooLarge
	}
	return data, nil
}

func (c *memClient) Alive(ctx context.Context) bool { return true }
func (c *memClient) Close() error                   { return nil }

func newBackend(t *testing.T, host *memHost, mutate func(*config.SSHConfig)) *Backend {
	t.Helper()
	cfg := config.SSHConfig{
		Hosts: []config.SSHHostConfig{
			{Name: "web1", Host: "10.0.0.1", User: "deploy", Password: "pw"},
			{Name: "db1", Host: "10.0.0.2", Port: 2222, User: "ops", Password: "pw"},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg, WithDialer(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestExecute(t *testing.T) {
	host := newMemHost()
	b := newBackend(t, host, nil)
	ctx := context.Background()

	res, err := b.Execute(ctx, map[string]any{"host": "web1", "command": "uptime"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Metadata[tool.MetaStdout] != "ran: uptime" || res.Metadata[tool.MetaExitCode] != 0 {
		t.Errorf("result = %+v", res)
	}

	res, err = b.Execute(ctx, map[string]any{"host": "web1", "command": "exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Metadata[tool.MetaExitCode] != 3 || res.Metadata[tool.MetaStderr] != "failed\n" {
		t.Errorf("failing command = %+v", res)
	}

	b.Execute(ctx, map[string]any{"host": "web1", "command": "true"})
	if host.dials != 1 {
		t.Errorf("dials = %d, want the connection reused", host.dials)
	}
}

func TestExecute_OutputCeiling(t *testing.T) {
	host := newMemHost()
	b := newBackend(t, host, func(c *config.SSHConfig) { c.MaxOutputBytes = 8 })

	res, err := b.Execute(context.Background(), map[string]any{"host": "web1", "command": "cat big.log"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata[tool.MetaStdout] != "ran: cat" || res.Metadata[tool.MetaTruncated] != true {
		t.Errorf("result = %+v, want stdout cut at 8 bytes", res)
	}
	if len(host.limits) != 1 || host.limits[0] != 8 {
		t.Errorf("limits = %v, want [8]", host.limits)
	}

	def := newMemHost()
	newBackend(t, def, nil).Execute(context.Background(), map[string]any{"host": "web1", "command": "true"})
	if len(def.limits) != 1 || def.limits[0] != config.DefaultMaxOutputBytes {
		t.Errorf("default limits = %v, want [%d]", def.limits, config.DefaultMaxOutputBytes)
	}
}

func TestExecute_UnknownHost(t *testing.T) {
	b := newBackend(t, newMemHost(), nil)
	_, err := b.Execute(context.Background(), map[string]any{"host": "evil.example.com", "command": "id"})
	if !errors.Is(err, ErrUnknownHost) {
		t.Errorf("err = %v, want ErrUnknownHost", err)
	}
}

func TestExecute_BlockedCommand(t *testing.T) {
	host := newMemHost()
	b := newBackend(t, host, nil)

	res, err := b.Execute(context.Background(), map[string]any{"host": "web1", "command": "sudo reboot"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ViolationReason() == "" {
		t.Errorf("blocked command result = %+v", res)
	}
	if len(host.commands) != 0 || host.dials != 0 {
		t.Error("blocked command reached the host")
	}
}

func TestExecute_SharedPolicy(t *testing.T) {
	policy, err := shell.NewPolicy(nil, []string{"uptime"})
	if err != nil {
		t.Fatal(err)
	}
	host := newMemHost()
	b, err := New(config.SSHConfig{Hosts: []config.SSHHostConfig{{Name: "web1", Host: "h", User: "u", Password: "p"}}},
		WithDialer(host), WithPolicy(policy))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	res, _ := b.Execute(context.Background(), map[string]any{"host": "web1", "command": "uptime; cat /etc/shadow"})
	if res.Success || res.ViolationReason() == "" {
		t.Errorf("whitelist not applied: %+v", res)
	}
}

func TestExecute_Timeout(t *testing.T) {
	host := newMemHost()
	host.block = true
	b := newBackend(t, host, func(c *config.SSHConfig) { c.CommandTimeout = 50 * time.Millisecond })

	res, err := b.Execute(context.Background(), map[string]any{"host": "web1", "command": "sleep 100"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "timeout") || res.Metadata[tool.MetaExitCode] != -1 {
		t.Errorf("result = %+v", res)
	}
}

func TestUploadDownload(t *testing.T) {
	host := newMemHost()
	b := newBackend(t, host, func(c *config.SSHConfig) { c.MaxTransferBytes = 16 })
	ctx := context.Background()

	res, err := b.Upload(ctx, map[string]any{"host": "db1", "remote_path": "/tmp/a.txt", "content": "hello", "mode": "0600"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("upload: %s", res.Error)
	}
	if host.modes["/tmp/a.txt"] != 0o600 {
		t.Errorf("mode = %o", host.modes["/tmp/a.txt"])
	}

	res, err = b.Download(ctx, map[string]any{"host": "db1", "remote_path": "/tmp/a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Content.(map[string]any)["content"]; got != "hello" {
		t.Errorf("content = %v", got)
	}

	res, _ = b.Upload(ctx, map[string]any{"host": "db1", "remote_path": "/tmp/big", "content": strings.Repeat("x", 17)})
	if res.Success || res.ViolationReason() == "" {
		t.Errorf("oversized upload allowed: %+v", res)
	}

	host.files["/tmp/huge"] = make([]byte, 100)
	res, _ = b.Download(ctx, map[string]any{"host": "db1", "remote_path": "/tmp/huge"})
	if res.Success || res.ViolationReason() == "" {
		t.Errorf("oversized download allowed: %+v", res)
	}

	if _, err := b.Upload(ctx, map[string]any{"host": "db1", "remote_path": "/x", "content": "", "mode": "999"}); err == nil {
		t.Error("invalid mode accepted")
	}
	if _, err := b.Download(ctx, map[string]any{"host": "db1", "remote_path": "/missing"}); err == nil {
		t.Error("missing file download succeeded")
	}
}

func TestNew_DuplicateHost(t *testing.T) {
	_, err := New(config.SSHConfig{Hosts: []config.SSHHostConfig{{Name: "a"}, {Name: "a"}}}, WithDialer(newMemHost()))
	if err == nil {
		t.Error("duplicate host names accepted")
	}
}

func TestRegister(t *testing.T) {
	b := newBackend(t, newMemHost(), nil)
	e := mcp.NewEngine("remote", "test")
	if err := b.Register(e); err != nil {
		t.Fatal(err)
	}

	want := map[string]tool.RiskLevel{ToolExecute: tool.RiskHigh, ToolUpload: tool.RiskHigh, ToolDownload: tool.RiskMedium}
	for _, s := range e.Tools() {
		if want[s.Name] != s.RiskLevel {
			t.Errorf("%s risk = %s", s.Name, s.RiskLevel)
		}
		p, _ := s.Parameter("host")
		if len(p.Enum) != 2 {
			t.Errorf("%s host enum = %v", s.Name, p.Enum)
		}
	}

	res := e.CallTool(context.Background(), ToolExecute, map[string]any{"host": "nope", "command": "id"})
	if res.Success {
		t.Error("host outside the enum passed validation")
	}
	res = e.CallTool(context.Background(), ToolExecute, map[string]any{"host": "web1", "command": "id"})
	if !res.Success {
		t.Errorf("execute via engine: %s", res.Error)
	}
}
