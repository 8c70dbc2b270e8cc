package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/zhubert/toolgate/mcp"
)

// InProcess serves requests from an engine in the same process. Envelopes
// are round-tripped through JSON so handlers see exactly what a remote
// backend would.
type InProcess struct {
	engine *mcp.Engine

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewInProcess wraps engine as a transport.
func NewInProcess(engine *mcp.Engine) *InProcess {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcess{engine: engine, ctx: ctx, cancel: cancel}
}

// Engine returns the wrapped engine.
func (t *InProcess) Engine() *mcp.Engine { return t.engine }

// Start performs the handshake against the engine.
func (t *InProcess) Start(ctx context.Context) (*mcp.InitializeResult, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.started = true
	t.mu.Unlock()
	return handshake(ctx, t)
}

// Send hands req to the engine. A call still running when Stop is called has
// its context cancelled.
func (t *InProcess) Send(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	t.mu.Lock()
	started, closed := t.started, t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}

	var wire mcp.JSONRPCRequest
	if err := roundTrip(req, &wire); err != nil {
		return nil, err
	}
	wire.JSONRPC = mcp.JSONRPCVersion

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	resp := t.engine.HandleRequest(ctx, &wire)
	if resp == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		if t.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}

	var out mcp.JSONRPCResponse
	if err := roundTrip(resp, &out); err != nil {
		return nil, err
	}
	out.ID = req.ID
	return &out, nil
}

// Stop makes further calls fail with ErrClosed.
func (t *InProcess) Stop() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	return nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

var _ Transport = (*InProcess)(nil)
