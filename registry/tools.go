package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/tool"
	"github.com/zhubert/toolgate/transport"
)

// ToolEntry is one tool in a server's index.
type ToolEntry struct {
	Server    string
	Schema    tool.Schema
	RiskLevel tool.RiskLevel // effective level, see buildIndex

	validator *tool.Validator
}

// Validate checks args against the tool's parameter schema.
func (e ToolEntry) Validate(args map[string]any) error {
	if e.validator == nil {
		return nil
	}
	return e.validator.Validate(args)
}

// WithDefaults fills in defaults for absent optional parameters.
func (e ToolEntry) WithDefaults(args map[string]any) map[string]any {
	return e.Schema.WithDefaults(args)
}

// toolIndex is never modified after construction.
type toolIndex struct {
	byName map[string]ToolEntry
	order  []string
}

// buildIndex indexes a tools/list reply. Only trusted backends may declare a
// tool less risky than its server; others can raise a tool's risk but never
// lower it.
func buildIndex(server string, serverRisk tool.RiskLevel, trusted bool, defs []mcp.ToolDefinition) (*toolIndex, error) {
	idx := &toolIndex{byName: make(map[string]ToolEntry, len(defs))}
	for _, def := range defs {
		schema := mcp.SchemaFromDefinition(def)
		if _, dup := idx.byName[schema.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate tool %q in tools/list", server, schema.Name)
		}
		v, err := tool.NewValidator(schema)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", server, err)
		}
		risk := schema.EffectiveRisk(serverRisk)
		if !trusted && serverRisk != "" {
			risk = risk.Stricter(serverRisk)
		}
		idx.byName[schema.Name] = ToolEntry{
			Server:    server,
			Schema:    schema,
			RiskLevel: risk,
			validator: v,
		}
		idx.order = append(idx.order, schema.Name)
	}
	return idx, nil
}

func (idx *toolIndex) entries() []ToolEntry {
	out := make([]ToolEntry, 0, len(idx.order))
	for _, name := range idx.order {
		out = append(out, idx.byName[name])
	}
	return out
}

type connection struct {
	transport   transport.Transport
	index       *toolIndex
	info        *mcp.InitializeResult
	sem         chan struct{} // nil when unbounded
	callTimeout time.Duration
	connectedAt time.Time
}

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	Server      string
	ServerInfo  mcp.ServerInfo
	Protocol    string
	ToolCount   int
	ConnectedAt time.Time
}

// Connect starts the server's transport and indexes its tools. Connecting a
// connected server is a no-op. Disabled servers are refused.
func (r *Registry) Connect(ctx context.Context, name string) error {
	lock := r.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	if r.IsConnected(name) {
		return nil
	}
	meta, err := r.Get(name)
	if err != nil {
		return err
	}
	if !meta.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}
	if r.factory == nil {
		return fmt.Errorf("%s: no transport factory configured", name)
	}

	log := r.log.With("server", name)
	tr, err := r.factory(meta)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	info, err := tr.Start(ctx)
	if err != nil {
		tr.Stop()
		return &transport.TransportError{Server: name, Method: mcp.MethodInitialize, Err: err}
	}

	trusted := meta.Transport.Type == config.TransportBuiltin
	idx, err := listTools(ctx, name, meta.RiskLevel, trusted, tr)
	if err != nil {
		tr.Stop()
		return err
	}

	conn := &connection{
		transport:   tr,
		index:       idx,
		info:        info,
		callTimeout: meta.Transport.CallTimeout,
		connectedAt: time.Now(),
	}
	if meta.MaxConcurrency > 0 {
		conn.sem = make(chan struct{}, meta.MaxConcurrency)
	}

	r.mu.Lock()
	if _, ok := r.servers[name]; !ok {
		r.mu.Unlock()
		tr.Stop()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.conns[name] = conn
	r.mu.Unlock()

	log.Info("server connected", "tools", len(idx.order), "backend", info.ServerInfo.Name, "version", info.ServerInfo.Version)
	return nil
}

func listTools(ctx context.Context, name string, risk tool.RiskLevel, trusted bool, tr transport.Transport) (*toolIndex, error) {
	req, err := mcp.NewRequest("tools-list", mcp.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	resp, err := tr.Send(ctx, req)
	if err != nil {
		return nil, &transport.TransportError{Server: name, Method: mcp.MethodToolsList, Err: err}
	}
	var list mcp.ToolsListResult
	if err := resp.DecodeResult(&list); err != nil {
		return nil, fmt.Errorf("%s: tools/list: %w", name, err)
	}
	return buildIndex(name, risk, trusted, list.Tools)
}

// Disconnect stops the server's transport and drops its tool index. It is a
// no-op for a server that is not connected.
func (r *Registry) Disconnect(name string) error {
	lock := r.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	conn, ok := r.conns[name]
	delete(r.conns, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.log.Info("server disconnected", "server", name)
	if err := conn.transport.Stop(); err != nil {
		return fmt.Errorf("disconnect %s: %w", name, err)
	}
	return nil
}

// Close disconnects every server.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.Connected() {
		if err := r.Disconnect(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dropConnection forgets conn after its transport died, unless a newer
// connection has replaced it.
func (r *Registry) dropConnection(name string, conn *connection) {
	r.mu.Lock()
	current, ok := r.conns[name]
	if ok && current == conn {
		delete(r.conns, name)
	}
	r.mu.Unlock()
	if ok && current == conn {
		r.log.Warn("dropping dead connection", "server", name)
		conn.transport.Stop()
	}
}

func (r *Registry) connection(name string) (*connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.servers[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	conn, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	return conn, nil
}

// ConnectionInfo returns details of a live connection.
func (r *Registry) ConnectionInfo(name string) (ConnectionInfo, error) {
	conn, err := r.connection(name)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		Server:      name,
		ServerInfo:  conn.info.ServerInfo,
		Protocol:    conn.info.ProtocolVersion,
		ToolCount:   len(conn.index.order),
		ConnectedAt: conn.connectedAt,
	}, nil
}

// ListTools returns a connected server's tools in published order. An empty
// server name lists the tools of every connected server.
func (r *Registry) ListTools(server string) ([]ToolEntry, error) {
	if server != "" {
		conn, err := r.connection(server)
		if err != nil {
			return nil, err
		}
		return conn.index.entries(), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolEntry
	for _, name := range r.order {
		if conn, ok := r.conns[name]; ok {
			out = append(out, conn.index.entries()...)
		}
	}
	return out, nil
}

// LookupTool finds one tool on a connected server.
func (r *Registry) LookupTool(server, name string) (ToolEntry, error) {
	conn, err := r.connection(server)
	if err != nil {
		return ToolEntry{}, err
	}
	entry, ok := conn.index.byName[name]
	if !ok {
		return ToolEntry{}, fmt.Errorf("%w: %s/%s", ErrToolNotFound, server, name)
	}
	return entry, nil
}

// Call issues tools/call on a connected, enabled server. The returned error
// is non-nil only when the call could not be delivered; failures the backend
// reports come back as a failed result. Delivery failures are
// *transport.TransportError.
func (r *Registry) Call(ctx context.Context, server, callID, name string, args map[string]any) (*tool.Result, error) {
	meta, err := r.Get(server)
	if err != nil {
		return nil, err
	}
	if !meta.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, server)
	}
	conn, err := r.connection(server)
	if err != nil {
		return nil, err
	}

	if conn.sem != nil {
		select {
		case conn.sem <- struct{}{}:
			defer func() { <-conn.sem }()
		case <-ctx.Done():
			return nil, &transport.TransportError{Server: server, Method: mcp.MethodToolsCall, Err: ctx.Err()}
		}
	}
	if conn.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.callTimeout)
		defer cancel()
	}

	var id any = callID
	if callID == "" {
		id = name
	}
	req, err := mcp.NewRequest(id, mcp.MethodToolsCall, mcp.ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	resp, err := conn.transport.Send(ctx, req)
	if err != nil {
		if errors.Is(err, transport.ErrProcessExited) || errors.Is(err, transport.ErrClosed) {
			r.dropConnection(server, conn)
		}
		return nil, &transport.TransportError{Server: server, Method: mcp.MethodToolsCall, Err: err}
	}
	if resp.Error != nil {
		return tool.Failf("%s: %s", server, rpcErrorText(resp.Error)), nil
	}

	var out mcp.ToolCallResult
	if err := resp.DecodeResult(&out); err != nil {
		return tool.Failf("%s: malformed tools/call result: %v", server, err), nil
	}
	return mcp.ResultFromCallResult(out), nil
}

func rpcErrorText(e *mcp.RPCError) string {
	if e.Data != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}
