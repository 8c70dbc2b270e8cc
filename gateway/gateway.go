// Package gateway is the upward interface of the tool gateway. It ties the
// registry, the permission engine, the approval manager and the audit log
// into one pipeline that every tool call passes through.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/backend/remote"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/permission"
	"github.com/zhubert/toolgate/registry"
	"github.com/zhubert/toolgate/store"
	"github.com/zhubert/toolgate/transport"
)

// Store is the durable sink for audit events and approval requests.
type Store interface {
	audit.Store
	permission.Store
}

// Gateway is safe for concurrent use.
type Gateway struct {
	registry  *registry.Registry
	perms     *permission.Engine
	approvals *permission.Manager
	audit     *audit.Log
	metrics   *Metrics
	log       *slog.Logger

	factory    registry.TransportFactory
	store      Store
	ownedStore *store.Redis
	now        func() time.Time
	remoteOpts []remote.Option

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	consumed map[string]bool // approval IDs that already ran a call
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTransportFactory replaces how servers are reached.
func WithTransportFactory(f registry.TransportFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// WithStore persists audit events and approvals to s. Without it a Redis
// store is opened when the config names one.
func WithStore(s Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithClock replaces time.Now for audit timestamps and approval deadlines.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithRemoteOptions are passed to every remote backend the gateway builds.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(g *Gateway) { g.remoteOpts = append(g.remoteOpts, opts...) }
}

// New builds a gateway for cfg and registers its servers. Nothing is
// connected until first use or an explicit Connect.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		now:      time.Now,
		metrics:  NewMetrics(),
		log:      logger.WithComponent("gateway"),
		inFlight: make(map[string]context.CancelFunc),
		consumed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.factory == nil {
		g.factory = g.newTransport
	}
	if g.store == nil && cfg.Redis.Addr != "" {
		g.ownedStore = store.New(cfg.Redis)
		g.store = g.ownedStore
	}

	redactor, err := audit.NewRedactor(cfg.Audit.SensitiveKeys...)
	if err != nil {
		return nil, err
	}
	perms, err := permission.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	g.perms = perms

	auditOpts := []audit.Option{
		audit.WithRedactor(redactor),
		audit.WithCacheSize(cfg.Audit.CacheSize),
		audit.WithBatching(cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval),
		audit.WithClock(g.now),
	}
	approvalOpts := []permission.Option{
		permission.WithObserver(g.approvalFinished),
		permission.WithClock(g.now),
		permission.WithCacheSize(cfg.Approval.CacheSize),
		permission.WithDefaultTimeout(cfg.Approval.Timeout),
	}
	if g.store != nil {
		auditOpts = append(auditOpts, audit.WithStore(g.store))
		approvalOpts = append(approvalOpts, permission.WithStore(g.store))
	}
	g.audit = audit.New(auditOpts...)
	g.approvals = permission.NewManager(approvalOpts...)

	g.registry = registry.New(g.factory)
	if err := g.registry.LoadConfig(cfg); err != nil {
		g.audit.Close()
		g.approvals.Close()
		return nil, err
	}

	g.log.Info("gateway ready", "servers", len(cfg.GetServers()), "durable", g.store != nil)
	return g, nil
}

func (g *Gateway) config() *config.Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// newTransport builds builtin backends from the current config so a reload
// takes effect on the next connect.
func (g *Gateway) newTransport(meta registry.ServerMetadata) (transport.Transport, error) {
	if meta.Transport.Type != config.TransportBuiltin {
		return transport.FromConfig(meta.Name, meta.Transport, nil)
	}
	b, err := NewBuiltin(g.config(), meta.Transport.Backend, g.remoteOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", meta.Name, err)
	}
	return &builtinTransport{InProcess: transport.NewInProcess(b.Engine), backend: b}, nil
}

// Registry exposes the server registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Permissions exposes the permission engine.
func (g *Gateway) Permissions() *permission.Engine { return g.perms }

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// ListServers returns every registered server, enabled or not.
func (g *Gateway) ListServers() []registry.ServerMetadata {
	return g.registry.ListServers(false)
}

func (g *Gateway) Connect(ctx context.Context, name string) error {
	return g.registry.Connect(ctx, name)
}

func (g *Gateway) Disconnect(name string) error {
	return g.registry.Disconnect(name)
}

// ListTools lists a server's tools, connecting it first if needed. An empty
// server name lists the tools of every enabled server, connecting each one;
// servers that fail to connect are logged and skipped.
func (g *Gateway) ListTools(ctx context.Context, server string) ([]registry.ToolEntry, error) {
	if server != "" {
		if err := g.registry.Connect(ctx, server); err != nil {
			return nil, err
		}
		return g.registry.ListTools(server)
	}
	for _, meta := range g.registry.ListServers(true) {
		if err := g.registry.Connect(ctx, meta.Name); err != nil {
			g.log.Warn("skipping server in tool listing", "server", meta.Name, "error", err)
		}
	}
	return g.registry.ListTools("")
}

// QueryAudit returns matching audit events, newest first unless the filter
// asks otherwise.
func (g *Gateway) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return g.audit.Query(ctx, f)
}

// GetPendingApprovals returns the pending approvals in scope, oldest first.
// An empty scope returns all of them.
func (g *Gateway) GetPendingApprovals(scope string) []*permission.Request {
	return g.approvals.Pending(scope)
}

func (g *Gateway) GetApproval(id string) (*permission.Request, error) {
	return g.approvals.Get(id)
}

// ResolveApproval records an approver's decision. A call waiting on the
// request proceeds or fails as soon as this returns.
func (g *Gateway) ResolveApproval(id string, approved bool, resolvedBy, feedback string) (*permission.Request, error) {
	return g.approvals.Resolve(id, approved, resolvedBy, feedback)
}

// approvalFinished audits every approval leaving PENDING, whether resolved
// by an approver, cancelled by its caller or expired.
func (g *Gateway) approvalFinished(r permission.Request) {
	g.metrics.observeApproval(string(r.Status))

	e := audit.Event{
		Type:        audit.EventApprovalResolved,
		Severity:    audit.SeverityInfo,
		Actor:       r.ResolvedBy,
		Server:      r.Call.Server,
		Tool:        r.Call.Tool,
		ExecutionID: r.Call.ID,
		Success:     r.Approved(),
		Reason:      r.Feedback,
		Details:     map[string]any{"approval_id": r.ID, "status": string(r.Status), "scope": r.Scope},
	}
	if r.Reason != "" {
		e.Reason = r.Reason
	}
	switch r.Status {
	case permission.StatusExpired:
		e.Type = audit.EventApprovalExpired
		e.Severity = audit.SeverityWarning
	case permission.StatusRejected:
		e.Severity = audit.SeverityWarning
	}
	g.audit.Record(e)
}

// Cancel cancels the in-flight call with the given ID. A call waiting on
// approval has its request rejected; a running call has its backend work
// cancelled. It reports whether a call was found.
func (g *Gateway) Cancel(callID string) bool {
	g.mu.Lock()
	cancel, ok := g.inFlight[callID]
	g.mu.Unlock()
	if ok {
		g.log.Info("cancelling call", "call", callID)
		cancel()
	}
	return ok
}

// Reload re-reads the config file and applies its servers and permissions.
// Connections to servers that are still configured are kept.
func (g *Gateway) Reload(ctx context.Context) error {
	path := g.config().FilePath()
	if path == "" {
		return errors.New("reload: config was not loaded from a file")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.perms.Load(cfg.GetPermissions(), cfg.DefaultPolicy); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	g.cfgMu.Lock()
	g.cfg = cfg
	g.cfgMu.Unlock()

	if err := g.registry.LoadConfig(cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	g.log.Info("config reloaded", "path", path, "servers", len(cfg.GetServers()))
	return nil
}

// Close cancels in-flight calls, disconnects every server and flushes the
// audit log.
func (g *Gateway) Close() error {
	g.mu.Lock()
	for _, cancel := range g.inFlight {
		cancel()
	}
	g.mu.Unlock()

	errs := []error{g.registry.Close()}
	g.approvals.Close()
	errs = append(errs, g.audit.Close())
	if g.ownedStore != nil {
		errs = append(errs, g.ownedStore.Close())
	}
	return errors.Join(errs...)
}
