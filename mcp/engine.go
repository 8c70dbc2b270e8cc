package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/tool"
)

// Handler runs one tool call. A returned error is reported to the caller as
// a failed result; it never aborts the engine.
type Handler func(ctx context.Context, args map[string]any) (*tool.Result, error)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

type registeredTool struct {
	schema    tool.Schema
	validator *tool.Validator
	handler   Handler
}

// Engine dispatches JSON-RPC requests to registered tools. Tools are
// registered at startup; HandleRequest is safe for concurrent use.
type Engine struct {
	info         ServerInfo
	instructions string

	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	log *slog.Logger
}

// EngineOption is a functional option for configuring Engine
type EngineOption func(*Engine)

// WithInstructions sets the instructions string returned by initialize.
func WithInstructions(text string) EngineOption {
	return func(e *Engine) {
		e.instructions = text
	}
}

// WithLogger replaces the engine's logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// NewEngine creates an engine identifying itself as name/version.
func NewEngine(name, version string, opts ...EngineOption) *Engine {
	e := &Engine{
		info:     ServerInfo{Name: name, Version: version},
		tools:    make(map[string]*registeredTool),
		inflight: make(map[string]context.CancelFunc),
		log:      logger.WithComponent("mcp").With("server", name),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Info returns the engine's server identity.
func (e *Engine) Info() ServerInfo {
	return e.info
}

// RegisterTool binds a handler to a schema. Names are unique per engine.
func (e *Engine) RegisterTool(schema tool.Schema, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("tool %s: nil handler", schema.Name)
	}
	v, err := tool.NewValidator(schema)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[schema.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, schema.Name)
	}
	e.tools[schema.Name] = &registeredTool{schema: schema, validator: v, handler: handler}
	e.order = append(e.order, schema.Name)
	e.log.Debug("tool registered", "tool", schema.Name, "risk", schema.RiskLevel)
	return nil
}

// Tools returns the registered schemas in registration order.
func (e *Engine) Tools() []tool.Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]tool.Schema, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name].schema)
	}
	return out
}

func (e *Engine) lookup(name string) (*registeredTool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	return t, ok
}

// HandleRequest processes one envelope. Notifications yield nil.
func (e *Engine) HandleRequest(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "Invalid request", nil)
	}

	switch req.Method {
	case MethodInitialize:
		return e.resultResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capability{Tools: &ToolCapability{}},
			ServerInfo:      e.info,
			Instructions:    e.instructions,
		})
	case MethodInitialized, "initialized":
		e.log.Debug("initialized notification received")
		return nil
	case MethodCancelled:
		e.handleCancelled(req)
		return nil
	case MethodPing:
		return e.resultResponse(req.ID, struct{}{})
	case MethodToolsList:
		return e.handleToolsList(req)
	case MethodToolsCall:
		return e.handleToolsCall(ctx, req)
	}

	if req.IsNotification() {
		e.log.Debug("ignoring unknown notification", "method", req.Method)
		return nil
	}
	e.log.Warn("unknown method", "method", req.Method)
	return errorResponse(req.ID, CodeMethodNotFound, "Method not found", req.Method)
}

func (e *Engine) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	schemas := e.Tools()
	defs := make([]ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		defs = append(defs, DefinitionFromSchema(s))
	}
	return e.resultResponse(req.ID, ToolsListResult{Tools: defs})
}

func (e *Engine) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params", err.Error())
	}
	if _, ok := e.lookup(params.Name); !ok {
		return errorResponse(req.ID, CodeInvalidParams, "Unknown tool", params.Name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := requestKey(req.ID)
	if key != "" {
		e.inflightMu.Lock()
		e.inflight[key] = cancel
		e.inflightMu.Unlock()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, key)
			e.inflightMu.Unlock()
		}()
	}

	result := e.CallTool(ctx, params.Name, params.Arguments)
	return e.resultResponse(req.ID, CallResultFromResult(result))
}

func (e *Engine) handleCancelled(req *JSONRPCRequest) {
	var params CancelledParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.Warn("malformed cancel notification", "error", err)
		return
	}
	key := requestKey(params.RequestID)

	e.inflightMu.Lock()
	cancel, ok := e.inflight[key]
	e.inflightMu.Unlock()

	if ok {
		e.log.Info("cancelling in-flight call", "requestID", key, "reason", params.Reason)
		cancel()
	}
}

// CallTool validates args and runs the named tool's handler. Handler errors
// and panics come back as failed results.
func (e *Engine) CallTool(ctx context.Context, name string, args map[string]any) (result *tool.Result) {
	t, ok := e.lookup(name)
	if !ok {
		return tool.Failf("%v: %s", ErrUnknownTool, name)
	}
	if err := t.validator.Validate(args); err != nil {
		return tool.Fail(err.Error())
	}
	args = t.schema.WithDefaults(args)

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool handler panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			result = tool.Failf("internal error in %s: %v", name, r)
		}
	}()

	res, err := t.handler(ctx, args)
	if err != nil {
		e.log.Debug("tool handler failed", "tool", name, "error", err)
		if res != nil && !res.Success {
			return res
		}
		return tool.Fail(err.Error())
	}
	if res == nil {
		return tool.OK(nil)
	}
	return res
}

func (e *Engine) resultResponse(id any, result any) *JSONRPCResponse {
	data, err := json.Marshal(result)
	if err != nil {
		e.log.Error("failed to marshal result", "error", err)
		return errorResponse(id, CodeInternalError, "Internal error", err.Error())
	}
	return &JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: data}
}

func errorResponse(id any, code int, message string, data any) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// requestKey normalises a JSON-RPC ID for map lookups; 7 and 7.0 collide,
// which is fine because a transport never has both in flight.
func requestKey(id any) string {
	if id == nil {
		return ""
	}
	switch v := id.(type) {
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%g", v)
	case json.Number:
		return "n:" + v.String()
	}
	return fmt.Sprintf("n:%v", id)
}
