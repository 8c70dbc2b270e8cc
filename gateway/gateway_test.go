package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/permission"
	"github.com/zhubert/toolgate/registry"
	"github.com/zhubert/toolgate/store"
	"github.com/zhubert/toolgate/tool"
	"github.com/zhubert/toolgate/transport"
)

// opsBackend publishes one tool per pipeline branch.
type opsBackend struct {
	cancelled atomic.Int64
	deployed  atomic.Value // last deploy target
}

func (b *opsBackend) factory(meta registry.ServerMetadata) (transport.Transport, error) {
	e := mcp.NewEngine(meta.Name, "1.0")
	str := func(name string) tool.Parameter {
		return tool.Parameter{Name: name, Type: tool.TypeString, Required: true}
	}
	e.RegisterTool(tool.Schema{Name: "echo", RiskLevel: tool.RiskLow, Parameters: []tool.Parameter{str("message")}},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			return tool.OK(args["message"]), nil
		})
	e.RegisterTool(tool.Schema{Name: "write", RiskLevel: tool.RiskMedium},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			return tool.OK("written"), nil
		})
	e.RegisterTool(tool.Schema{Name: "deploy", RiskLevel: tool.RiskHigh, Parameters: []tool.Parameter{str("target")}},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			b.deployed.Store(args["target"])
			return tool.OK("deployed " + args["target"].(string)), nil
		})
	e.RegisterTool(tool.Schema{Name: "login", RiskLevel: tool.RiskLow, Parameters: []tool.Parameter{str("password")}},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			return tool.Failf("login rejected: password=%s", args["password"]), nil
		})
	e.RegisterTool(tool.Schema{Name: "whoami", RiskLevel: tool.RiskLow},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			return tool.OK(map[string]any{"user": "ops", "token": "tok-s3cr3t", "note": "session api_key=k-s3cr3t"}), nil
		})
	e.RegisterTool(tool.Schema{Name: "escape", RiskLevel: tool.RiskLow},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			return tool.Violation("path escapes allowed roots"), nil
		})
	e.RegisterTool(tool.Schema{Name: "slow", RiskLevel: tool.RiskLow},
		func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			<-ctx.Done()
			b.cancelled.Add(1)
			return tool.Fail("interrupted"), nil
		})
	return transport.NewInProcess(e), nil
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.AddServer(config.ServerConfig{
		Name:      "ops",
		RiskLevel: tool.RiskMedium,
		Transport: config.TransportConfig{Type: config.TransportBuiltin, Backend: "shell"},
	})
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) (*Gateway, *opsBackend) {
	t.Helper()
	b := &opsBackend{}
	g, err := New(cfg, append([]Option{WithTransportFactory(b.factory)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g, b
}

func eventTypes(events []audit.Event) []audit.EventType {
	out := make([]audit.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func callCount(g *Gateway, server, toolName, outcome string) float64 {
	return testutil.ToFloat64(g.metrics.calls.WithLabelValues(server, toolName, outcome))
}

// waitPending polls until n approvals are pending in scope.
func waitPending(t *testing.T, g *Gateway, scope string, n int) []*permission.Request {
	t.Helper()
	var pending []*permission.Request
	require.Eventually(t, func() bool {
		pending = g.GetPendingApprovals(scope)
		return len(pending) == n
	}, 2*time.Second, 5*time.Millisecond)
	return pending
}

func TestCallTool_LowRiskRunsAndIsAudited(t *testing.T) {
	g, _ := newTestGateway(t, baseConfig())
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{ID: "c1", Server: "ops", Tool: "echo", Arguments: map[string]any{"message": "hi"}, Actor: "agent-1"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hi", res.Content)

	res = g.CallTool(ctx, CallRequest{ID: "c1", Server: "ops", Tool: "echo", Arguments: map[string]any{"message": "again"}})
	require.True(t, res.Success, res.Error)

	events, err := g.QueryAudit(ctx, audit.Filter{ExecutionID: "c1", Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{
		audit.EventToolCall, audit.EventPermissionCheck, audit.EventToolResult,
		audit.EventToolCall, audit.EventPermissionCheck, audit.EventToolResult,
	}, eventTypes(events))
	assert.Equal(t, "agent-1", events[0].Actor)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	assert.Equal(t, 2.0, callCount(g, "ops", "echo", OutcomeSuccess))
	assert.True(t, g.Registry().IsConnected("ops"), "first call auto-connects")
}

func TestCallTool_Lookup(t *testing.T) {
	cfg := baseConfig()
	disabled := false
	cfg.AddServer(config.ServerConfig{
		Name:      "off",
		RiskLevel: tool.RiskLow,
		Enabled:   &disabled,
		Transport: config.TransportConfig{Type: config.TransportBuiltin, Backend: "shell"},
	})
	g, _ := newTestGateway(t, cfg)

	tests := []struct {
		name    string
		server  string
		tool    string
		args    map[string]any
		wantErr string
		outcome string
	}{
		{"unknown server", "nope", "echo", nil, `unknown server "nope"`, OutcomeFailure},
		{"disabled server", "off", "echo", nil, `server "off" is disabled`, OutcomeFailure},
		{"unknown tool", "ops", "nope", nil, `unknown tool "nope"`, OutcomeFailure},
		{"missing argument", "ops", "echo", map[string]any{}, "invalid arguments", OutcomeInvalid},
		{"wrong type", "ops", "echo", map[string]any{"message": 5}, "invalid arguments", OutcomeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.CallTool(context.Background(), CallRequest{Server: tt.server, Tool: tt.tool, Arguments: tt.args})
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.wantErr)
			assert.GreaterOrEqual(t, callCount(g, tt.server, tt.tool, tt.outcome), 1.0)
		})
	}
	assert.False(t, g.Registry().IsConnected("off"))
}

func TestCallTool_PermissionDenied(t *testing.T) {
	cfg := baseConfig()
	cfg.SetPermission(config.PermissionConfig{Server: "ops", Tool: "echo", DeniedRoles: []string{"intern"}})
	cfg.SetPermission(config.PermissionConfig{
		Server:     "ops",
		Tool:       "deploy",
		Approval:   tool.ApprovalNone,
		Conditions: []config.ConditionConfig{{Key: "target", Operator: "in", Value: []any{"staging"}}},
	})
	g, b := newTestGateway(t, cfg)
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{ID: "d1", Server: "ops", Tool: "echo", Arguments: map[string]any{"message": "x"}, CallerRoles: []string{"dev", "intern"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Metadata[tool.MetaDenied], "intern")

	res = g.CallTool(ctx, CallRequest{ID: "d2", Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "prod"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "permission denied")
	assert.Nil(t, b.deployed.Load(), "denied call must not execute")

	res = g.CallTool(ctx, CallRequest{ID: "d3", Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "staging"}})
	require.True(t, res.Success, res.Error)

	checks, err := g.QueryAudit(ctx, audit.Filter{ExecutionID: "d1", Types: []audit.EventType{audit.EventPermissionCheck}})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].Success)
	assert.Equal(t, audit.SeverityWarning, checks[0].Severity)
	assert.Equal(t, "ops/echo", checks[0].Details["rule"])
	assert.Equal(t, 2.0, testutil.ToFloat64(g.metrics.calls.WithLabelValues("ops", "echo", OutcomeDenied))+
		testutil.ToFloat64(g.metrics.calls.WithLabelValues("ops", "deploy", OutcomeDenied)))
}

func TestCallTool_AgentConfirmation(t *testing.T) {
	g, _ := newTestGateway(t, baseConfig())
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{Server: "ops", Tool: "write"})
	assert.False(t, res.Success)
	assert.Equal(t, string(tool.ApprovalAgent), res.Metadata[tool.MetaApprovalRequired])

	res = g.CallTool(ctx, CallRequest{Server: "ops", Tool: "write", Confirmed: true})
	assert.True(t, res.Success, res.Error)
}

func TestCallTool_HumanApproval(t *testing.T) {
	tests := []struct {
		name     string
		approve  bool
		feedback string
		want     bool
		wantErr  string
	}{
		{name: "approved", approve: true, want: true},
		{name: "rejected", approve: false, feedback: "not during the freeze", wantErr: "rejected by alice: not during the freeze"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, b := newTestGateway(t, baseConfig())

			done := make(chan *tool.Result, 1)
			go func() {
				done <- g.CallTool(context.Background(), CallRequest{
					ID:            "h1",
					Server:        "ops",
					Tool:          "deploy",
					Arguments:     map[string]any{"target": "prod"},
					ApprovalScope: "release",
				})
			}()

			pending := waitPending(t, g, "release", 1)
			assert.Equal(t, "deploy", pending[0].Call.Tool)
			assert.Empty(t, g.GetPendingApprovals("other"))

			_, err := g.ResolveApproval(pending[0].ID, tt.approve, "alice", tt.feedback)
			require.NoError(t, err)

			res := <-done
			assert.Equal(t, tt.want, res.Success, res.Error)
			if tt.want {
				assert.Equal(t, "prod", b.deployed.Load())
			} else {
				assert.Contains(t, res.Error, tt.wantErr)
				assert.Nil(t, b.deployed.Load())
			}

			events, err := g.QueryAudit(context.Background(), audit.Filter{ExecutionID: "h1", Ascending: true})
			require.NoError(t, err)
			types := eventTypes(events)
			assert.Contains(t, types, audit.EventApprovalRequested)
			assert.Contains(t, types, audit.EventApprovalResolved)
			assert.Equal(t, audit.EventToolResult, types[len(types)-1])

			_, err = g.ResolveApproval(pending[0].ID, true, "bob", "")
			assert.ErrorIs(t, err, permission.ErrNotPending)
		})
	}
}

func TestCallTool_ApprovalExpires(t *testing.T) {
	g, b := newTestGateway(t, baseConfig())

	res := g.CallTool(context.Background(), CallRequest{
		ID:              "x1",
		Server:          "ops",
		Tool:            "deploy",
		Arguments:       map[string]any{"target": "prod"},
		ApprovalTimeout: 30 * time.Millisecond,
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "expired")
	assert.Nil(t, b.deployed.Load())

	approval, err := g.GetApproval(res.Metadata[tool.MetaApprovalID].(string))
	require.NoError(t, err)
	assert.Equal(t, permission.StatusExpired, approval.Status)

	events, err := g.QueryAudit(context.Background(), audit.Filter{ExecutionID: "x1", Types: []audit.EventType{audit.EventApprovalExpired}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1.0, callCount(g, "ops", "deploy", OutcomeExpired))
}

func TestCancel_PendingApproval(t *testing.T) {
	g, b := newTestGateway(t, baseConfig())

	done := make(chan *tool.Result, 1)
	go func() {
		done <- g.CallTool(context.Background(), CallRequest{ID: "p1", Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "prod"}})
	}()
	pending := waitPending(t, g, "ops", 1)

	assert.True(t, g.Cancel("p1"))
	res := <-done
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")
	assert.Nil(t, b.deployed.Load())

	approval, err := g.GetApproval(pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusRejected, approval.Status)
	assert.Equal(t, permission.ReasonCancelled, approval.Reason)
	assert.False(t, g.Cancel("p1"), "finished calls are no longer cancellable")
}

func TestCancel_RunningCall(t *testing.T) {
	g, b := newTestGateway(t, baseConfig())
	require.NoError(t, g.Connect(context.Background(), "ops"))

	done := make(chan *tool.Result, 1)
	go func() {
		done <- g.CallTool(context.Background(), CallRequest{ID: "s1", Server: "ops", Tool: "slow"})
	}()
	require.Eventually(t, func() bool { return g.Cancel("s1") }, 2*time.Second, 5*time.Millisecond)

	select {
	case res := <-done:
		assert.False(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call did not return")
	}
	assert.Eventually(t, func() bool { return b.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCallTool_DuplicateInFlightID(t *testing.T) {
	g, _ := newTestGateway(t, baseConfig())

	done := make(chan *tool.Result, 1)
	go func() {
		done <- g.CallTool(context.Background(), CallRequest{ID: "same", Server: "ops", Tool: "slow"})
	}()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		_, ok := g.inFlight["same"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	res := g.CallTool(context.Background(), CallRequest{ID: "same", Server: "ops", Tool: "echo", Arguments: map[string]any{"message": "x"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already in flight")

	g.Cancel("same")
	<-done
}

func TestCallTool_NoWaitThenResume(t *testing.T) {
	g, b := newTestGateway(t, baseConfig())
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "prod"}, NoWait: true})
	require.False(t, res.Success)
	assert.Equal(t, string(tool.ApprovalHuman), res.Metadata[tool.MetaApprovalRequired])
	id := res.Metadata[tool.MetaApprovalID].(string)

	_, err := g.ResolveApproval(id, true, "alice", "")
	require.NoError(t, err)

	// the recorded arguments run, not the ones sent on resume
	res = g.CallTool(ctx, CallRequest{Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "everything"}, ApprovalID: id})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "prod", b.deployed.Load())

	res = g.CallTool(ctx, CallRequest{Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "prod"}, ApprovalID: id})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already been used")

	res = g.CallTool(ctx, CallRequest{Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "prod"}, ApprovalID: "missing"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestCallTool_SandboxViolationIsCritical(t *testing.T) {
	g, _ := newTestGateway(t, baseConfig())
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{ID: "v1", Server: "ops", Tool: "escape"})
	assert.False(t, res.Success)
	assert.Equal(t, "path escapes allowed roots", res.ViolationReason())

	events, err := g.QueryAudit(ctx, audit.Filter{MinSeverity: audit.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventToolResult, events[0].Type)
	assert.Equal(t, "v1", events[0].ExecutionID)
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.violations.WithLabelValues("ops", "escape")))
}

func TestCallTool_RedactsSecrets(t *testing.T) {
	g, _ := newTestGateway(t, baseConfig())
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{ID: "r1", Server: "ops", Tool: "login", Arguments: map[string]any{"password": "hunter2"}})
	assert.False(t, res.Success)
	assert.NotContains(t, res.Error, "hunter2")
	assert.Contains(t, res.Error, audit.Redacted)

	events, err := g.QueryAudit(ctx, audit.Filter{ExecutionID: "r1"})
	require.NoError(t, err)
	for _, e := range events {
		if e.Arguments != nil {
			assert.Equal(t, audit.Redacted, e.Arguments["password"])
		}
		assert.NotContains(t, e.Reason, "hunter2")
	}

	res = g.CallTool(ctx, CallRequest{ID: "r2", Server: "ops", Tool: "whoami"})
	require.True(t, res.Success, res.Error)
	content := res.Content.(map[string]any)
	assert.Equal(t, "tok-s3cr3t", content["token"], "the caller receives the unredacted result")

	events, err = g.QueryAudit(ctx, audit.Filter{ExecutionID: "r2", Types: []audit.EventType{audit.EventToolResult}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	audited, ok := events[0].Result.(map[string]any)
	require.True(t, ok, "result = %#v", events[0].Result)
	assert.Equal(t, "ops", audited["user"])
	assert.Equal(t, audit.Redacted, audited["token"])
	assert.NotContains(t, audited["note"], "k-s3cr3t")
}

func TestListTools(t *testing.T) {
	g, _ := newTestGateway(t, baseConfig())

	tools, err := g.ListTools(context.Background(), "ops")
	require.NoError(t, err)
	assert.Len(t, tools, 7)
	assert.Equal(t, "echo", tools[0].Schema.Name)
	assert.Equal(t, tool.RiskHigh, tools[2].RiskLevel)

	all, err := g.ListTools(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 7)

	require.NoError(t, g.Disconnect("ops"))
	assert.False(t, g.Registry().IsConnected("ops"))
	require.NoError(t, g.Connect(context.Background(), "ops"))
	assert.Len(t, g.ListServers(), 1)
}

func TestDurableStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	s := store.NewFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })

	b := &opsBackend{}
	g, err := New(baseConfig(), WithTransportFactory(b.factory), WithStore(s))
	require.NoError(t, err)

	res := g.CallTool(context.Background(), CallRequest{ID: "k1", Server: "ops", Tool: "deploy", Arguments: map[string]any{"target": "prod"}, NoWait: true})
	require.False(t, res.Success)
	id := res.Metadata[tool.MetaApprovalID].(string)
	require.NoError(t, g.Close())

	ctx := context.Background()
	events, err := s.QueryEvents(ctx, audit.Filter{ExecutionID: "k1", Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{
		audit.EventToolCall, audit.EventPermissionCheck, audit.EventApprovalRequested, audit.EventToolResult,
	}, eventTypes(events))

	approval, err := s.LoadApproval(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusPending, approval.Status)
	assert.Equal(t, "prod", approval.Call.Arguments["target"])
}

func TestBuiltinShell(t *testing.T) {
	cfg := config.Default()
	cfg.Shell.WorkDir = t.TempDir()
	cfg.AddServer(config.ServerConfig{
		Name:      "sh",
		RiskLevel: tool.RiskLow,
		Transport: config.TransportConfig{Type: config.TransportBuiltin, Backend: BackendShell},
	})
	cfg.SetPermission(config.PermissionConfig{Server: "sh", Tool: "execute_command", Approval: tool.ApprovalNone})

	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{Server: "sh", Tool: "execute_command", Arguments: map[string]any{"command": "echo hello"}})
	require.True(t, res.Success, res.Error)

	res = g.CallTool(ctx, CallRequest{Server: "sh", Tool: "execute_command", Arguments: map[string]any{"command": "shutdown -h now"}})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ViolationReason())
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.violations.WithLabelValues("sh", "execute_command")))
}

func TestNewBuiltin(t *testing.T) {
	cfg := config.Default()

	_, err := NewBuiltin(cfg, "nope")
	assert.ErrorContains(t, err, "unknown builtin backend")

	_, err = NewBuiltin(cfg, BackendFilesystem)
	assert.Error(t, err, "filesystem needs at least one root")

	cfg.Filesystem.AllowedRoots = []string{t.TempDir()}
	b, err := NewBuiltin(cfg, BackendFilesystem)
	require.NoError(t, err)
	assert.NotEmpty(t, b.Engine.Tools())
	assert.NoError(t, b.Close())

	cfg.SSH.InsecureIgnoreHostKey = true
	b, err = NewBuiltin(cfg, BackendRemote)
	require.NoError(t, err)
	assert.NotEmpty(t, b.Engine.Tools())
	assert.NoError(t, b.Close())
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(body)+"\n"), 0644))
	}
	write(`
servers:
  - name: ops
    risk_level: MEDIUM
    transport:
      type: builtin
      backend: shell
`)
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	g, _ := newTestGateway(t, cfg)
	ctx := context.Background()

	res := g.CallTool(ctx, CallRequest{Server: "ops", Tool: "echo", Arguments: map[string]any{"message": "x"}})
	require.True(t, res.Success, res.Error)

	write(`
servers:
  - name: tools
    risk_level: LOW
    transport:
      type: builtin
      backend: shell
permissions:
  - server: tools
    tool: echo
    denied_roles: [intern]
`)
	require.NoError(t, g.Reload(ctx))

	servers := g.ListServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "tools", servers[0].Name)
	assert.False(t, g.Registry().IsConnected("ops"), "removed servers are disconnected")

	res = g.CallTool(ctx, CallRequest{Server: "tools", Tool: "echo", Arguments: map[string]any{"message": "x"}, CallerRoles: []string{"intern"}})
	assert.False(t, res.Success)
	assert.NotNil(t, res.Metadata[tool.MetaDenied])

	write("servers: [")
	assert.Error(t, g.Reload(ctx))
	assert.Len(t, g.ListServers(), 1, "a bad file leaves the running config alone")
}
