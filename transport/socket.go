package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/mcp"
)

// Socket speaks to a backend listening on a unix or tcp socket.
type Socket struct {
	name    string
	network string
	address string
	log     *slog.Logger

	mu   sync.Mutex
	nc   net.Conn
	conn *lineConn
}

// NewSocket returns an unstarted socket transport.
func NewSocket(name, network, address string) *Socket {
	if network == "" {
		network = "unix"
	}
	return &Socket{
		name:    name,
		network: network,
		address: address,
		log:     logger.WithComponent("transport").With("server", name, "transport", "socket"),
	}
}

// Start dials the backend and performs the handshake.
func (s *Socket) Start(ctx context.Context) (*mcp.InitializeResult, error) {
	s.mu.Lock()
	if s.nc != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: already started", s.name)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, s.network, s.address)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("dial %s %s: %w", s.network, s.address, err)
	}
	conn := newLineConn(nc, nc, s.log)
	s.nc, s.conn = nc, conn
	s.mu.Unlock()

	s.log.Info("connected", "network", s.network, "address", s.address)

	go func() {
		if err := conn.readLoop(); err != nil {
			conn.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		conn.fail(fmt.Errorf("%w: connection closed by peer", ErrClosed))
	}()

	result, err := handshake(ctx, s)
	if err != nil {
		s.Stop()
		return nil, err
	}
	return result, nil
}

// Send writes req and, unless it is a notification, waits for the reply.
func (s *Socket) Send(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotStarted
	}
	if req.IsNotification() {
		return nil, conn.notify(ctx, req)
	}
	return conn.call(ctx, req)
}

// Stop closes the connection. Pending calls fail with ErrClosed.
func (s *Socket) Stop() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.fail(ErrClosed)
	}
	return nil
}

var _ Transport = (*Socket)(nil)
