package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhubert/toolgate/audit"
)

// Server runs an Engine over a newline-delimited JSON stream. Requests are
// handled concurrently; responses are written whole, one per line.
type Server struct {
	engine *Engine
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewServer creates a server reading requests from r and writing responses to w.
func NewServer(engine *Engine, r io.Reader, w io.Writer) *Server {
	return &Server{
		engine: engine,
		reader: bufio.NewReader(r),
		writer: w,
		log:    engine.log.With("component", "mcp-server"),
	}
}

// Run serves until the reader hits EOF, then waits for in-flight calls to
// finish. Cancelling ctx cancels in-flight handlers; closing the reader is
// what stops the loop.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server starting")
	defer s.wg.Wait()

	for {
		line, err := s.reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			s.dispatch(ctx, line)
		}
		if err == io.EOF {
			s.log.Info("EOF received, shutting down")
			return nil
		}
		if err != nil {
			s.log.Error("read error", "error", err)
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line string) {
	s.log.Debug("received message", "line", audit.RedactString(line))

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Error("JSON parse error", "error", err)
		s.send(errorResponse(nil, CodeParseError, "Parse error", nil))
		return
	}

	// Control messages are handled inline so a cancel is never queued behind
	// the call it cancels.
	if req.IsNotification() || req.Method != MethodToolsCall {
		if resp := s.engine.HandleRequest(ctx, &req); resp != nil {
			s.send(resp)
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if resp := s.engine.HandleRequest(ctx, &req); resp != nil {
			s.send(resp)
		}
	}()
}

func (s *Server) send(resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.writer, "%s\n", data); err != nil {
		s.log.Error("failed to write response", "error", err)
	} else {
		s.log.Debug("sent response", "data", string(data))
	}
}
