// Package transport carries protocol envelopes between the registry and a
// backend: a child process over stdin/stdout, a socket, or an engine in the
// same process.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhubert/toolgate/mcp"
)

var (
	// ErrClosed fails calls on a transport that was stopped.
	ErrClosed = errors.New("transport closed")
	// ErrProcessExited fails calls whose backend process died.
	ErrProcessExited = errors.New("backend process exited")
	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("transport not started")
)

// ClientName and ClientVersion identify the gateway in initialize.
var (
	ClientName    = "toolgate"
	ClientVersion = "dev"
)

// Transport is a started connection to one backend. Send returns nil for
// notifications.
type Transport interface {
	Start(ctx context.Context) (*mcp.InitializeResult, error)
	Send(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error)
	Stop() error
}

// TransportError wraps a failure to reach a backend, as opposed to an error
// the backend reported.
type TransportError struct {
	Server string
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Server, e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// sender is the subset of Transport the handshake needs.
type sender interface {
	Send(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error)
}

// handshake sends initialize followed by notifications/initialized.
func handshake(ctx context.Context, s sender) (*mcp.InitializeResult, error) {
	req, err := mcp.NewRequest(0, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ClientInfo{Name: ClientName, Version: ClientVersion},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var result mcp.InitializeResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	note, _ := mcp.NewRequest(nil, mcp.MethodInitialized, nil)
	if _, err := s.Send(ctx, note); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	return &result, nil
}
