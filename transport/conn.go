package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/mcp"
)

const maxLineSize = 16 << 20

// cancelNoteTimeout bounds the notifications/cancelled write that follows a
// cancelled call.
const cancelNoteTimeout = time.Second

// lineConn multiplexes requests over a newline-delimited JSON stream. Wire
// IDs are sequence numbers assigned here; the caller's ID is restored on the
// response.
type lineConn struct {
	r   io.Reader
	w   io.WriteCloser
	log *slog.Logger

	wsem chan struct{} // held for the duration of one frame write
	seq  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *mcp.JSONRPCResponse
	err     error
	done    chan struct{}
}

func newLineConn(r io.Reader, w io.WriteCloser, log *slog.Logger) *lineConn {
	return &lineConn{
		r:       r,
		w:       w,
		log:     log,
		wsem:    make(chan struct{}, 1),
		pending: make(map[int64]chan *mcp.JSONRPCResponse),
		done:    make(chan struct{}),
	}
}

// readLoop delivers responses until the stream ends. Run it on its own
// goroutine; it returns the read error (nil on EOF).
func (c *lineConn) readLoop() error {
	reader := bufio.NewReaderSize(c.r, 64<<10)
	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			c.deliver(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if err != nil || !isPrefix {
			return line, err
		}
	}
}

func (c *lineConn) deliver(line []byte) {
	var resp mcp.JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		c.log.Warn("discarding unparseable line", "error", err)
		return
	}
	id, ok := wireID(resp.ID)
	if !ok {
		// server-initiated notification; nothing to correlate
		c.log.Debug("ignoring message without id", "line", audit.RedactString(string(line)))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response for unknown or abandoned request", "id", id)
		return
	}
	ch <- &resp
}

func wireID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	}
	return 0, false
}

// write sends one frame. It gives up when ctx ends or the connection fails,
// even if the peer has stopped reading. A frame abandoned part way through
// would corrupt the stream, so abandoning it fails the connection.
func (c *lineConn) write(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	select {
	case c.wsem <- struct{}{}:
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		<-c.wsem
		return c.Err()
	default:
	}

	written := make(chan error, 1)
	go func() {
		_, err := c.w.Write(data)
		<-c.wsem
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			if cerr := c.Err(); cerr != nil {
				return cerr
			}
		}
		return err
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		select {
		case err := <-written:
			return err
		default:
		}
		c.fail(fmt.Errorf("%w: write abandoned: %v", ErrClosed, ctx.Err()))
		return ctx.Err()
	}
}

// call sends req and waits for its response. On ctx cancellation it tells
// the peer with notifications/cancelled.
func (c *lineConn) call(ctx context.Context, req *mcp.JSONRPCRequest) (*mcp.JSONRPCResponse, error) {
	id := c.seq.Add(1)
	ch := make(chan *mcp.JSONRPCResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	wire := *req
	wire.JSONRPC = mcp.JSONRPCVersion
	wire.ID = id
	if err := c.write(ctx, &wire); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		resp.ID = req.ID
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		note, _ := mcp.NewRequest(nil, mcp.MethodCancelled, mcp.CancelledParams{RequestID: id, Reason: ctx.Err().Error()})
		noteCtx, cancel := context.WithTimeout(context.Background(), cancelNoteTimeout)
		defer cancel()
		if err := c.write(noteCtx, note); err != nil {
			c.log.Debug("could not send cancellation", "id", id, "error", err)
		}
		return nil, ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			resp.ID = req.ID
			return resp, nil
		default:
		}
		return nil, c.err
	}
}

func (c *lineConn) notify(ctx context.Context, req *mcp.JSONRPCRequest) error {
	wire := *req
	wire.JSONRPC = mcp.JSONRPCVersion
	wire.ID = nil
	return c.write(ctx, &wire)
}

func (c *lineConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail closes the connection with err; the first error wins. Pending and
// future calls return it. Closing the writer unblocks a write in progress.
func (c *lineConn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.pending = make(map[int64]chan *mcp.JSONRPCResponse)
	c.mu.Unlock()

	close(c.done)
	c.w.Close()
}

// Err returns the error the connection failed with, if any.
func (c *lineConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
