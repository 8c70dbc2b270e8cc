package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// SocketWriteTimeout bounds each response write so a stalled peer cannot
// wedge a connection's goroutine forever.
const SocketWriteTimeout = 10 * time.Second

// SocketServer accepts unix or tcp connections and serves an Engine on each.
type SocketServer struct {
	engine     *Engine
	listener   net.Listener
	socketPath string // unix socket file to remove on Close; empty for tcp

	closed   bool
	closedMu sync.RWMutex
	conns    map[net.Conn]struct{}
	connsMu  sync.Mutex
	wg       sync.WaitGroup
	readyCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// Listen opens a listener on network ("unix" or "tcp") and address. A stale
// unix socket file at address is removed first.
func Listen(network, address string, engine *Engine) (*SocketServer, error) {
	if network == "unix" {
		os.Remove(address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SocketServer{
		engine:   engine,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
		readyCh:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      engine.log.With("component", "mcp-socket"),
	}
	if network == "unix" {
		s.socketPath = address
	}
	s.log.Info("listening", "network", network, "addr", listener.Addr().String())
	return s, nil
}

// Addr returns the listener's address.
func (s *SocketServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start runs the accept loop in the background.
func (s *SocketServer) Start() {
	s.wg.Add(1)
	go s.Run()
}

// WaitReady blocks until the server is ready to accept connections.
func (s *SocketServer) WaitReady() {
	<-s.readyCh
}

// Run accepts connections until Close. Must be paired with wg.Add(1); use
// Start instead of calling go Run() directly.
func (s *SocketServer) Run() {
	defer s.wg.Done()
	close(s.readyCh)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.log.Info("listener closed, stopping")
				return
			}
			s.log.Warn("accept error (continuing)", "error", err)
			continue
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *SocketServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	s.log.Debug("connection accepted", "remote", conn.RemoteAddr().String())
	srv := NewServer(s.engine, conn, &deadlineWriter{conn: conn})
	if err := srv.Run(s.ctx); err != nil && !s.isClosed() {
		s.log.Warn("connection ended with error", "error", err)
	}
}

func (s *SocketServer) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Close stops accepting, closes live connections, cancels in-flight calls
// and waits for every connection goroutine to exit.
func (s *SocketServer) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.log.Info("closing socket server")
	err := s.listener.Close()

	s.cancel()
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	if s.socketPath != "" {
		if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
			s.log.Warn("failed to remove socket file", "socketPath", s.socketPath, "error", removeErr)
		}
	}
	return err
}

type deadlineWriter struct {
	conn net.Conn
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	return w.conn.Write(p)
}
