// Package sshpool keeps a bounded set of reusable SSH connections keyed by
// user@host:port. Operations on one connection are serialised; a dead
// connection is redialled once on acquire.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/zhubert/toolgate/logger"
)

var (
	// ErrPoolExhausted is returned when no connection frees up within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("ssh pool exhausted")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("ssh pool closed")
	// ErrConnectionLost marks an operation error as a broken transport; the
	// connection is discarded instead of returned to the pool.
	ErrConnectionLost = errors.New("ssh connection lost")
	// ErrTooLarge is returned when a download exceeds its byte limit.
	ErrTooLarge = errors.New("transfer size limit exceeded")
)

// Target is a remote endpoint plus the credentials to reach it.
type Target struct {
	User     string
	Host     string
	Port     int
	KeyFile  string
	Password string
}

// Key identifies the pooled connection for t.
func (t Target) Key() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return t.User + "@" + net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// RunResult is the outcome of a remote command.
type RunResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Client is one live SSH connection.
type Client interface {
	Run(ctx context.Context, command string, stdin []byte, maxOutput int) (*RunResult, error)
	Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	Download(ctx context.Context, remotePath string, maxBytes int64) ([]byte, error)
	Alive(ctx context.Context) bool
	Close() error
}

// Dialer opens new connections.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Client, error)
}

// Options bound the pool.
type Options struct {
	MaxConnections int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

type entry struct {
	key      string
	client   Client // owned by whoever holds busy
	busy     bool
	lastUsed time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Open int
	Busy int
}

// Pool is a bounded SSH connection pool.
type Pool struct {
	dialer Dialer
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	changed chan struct{} // closed and replaced whenever an entry is released
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool and starts its idle reaper.
func New(dialer Dialer, opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	p := &Pool{
		dialer:  dialer,
		opts:    opts,
		log:     logger.WithComponent("sshpool"),
		now:     time.Now,
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reap()
	}
	return p
}

// Do runs fn with exclusive use of the connection for t.
func (p *Pool) Do(ctx context.Context, t Target, fn func(ctx context.Context, c Client) error) error {
	e, err := p.acquire(ctx, t.Key())
	if err != nil {
		return err
	}
	if err := p.connect(ctx, e, t); err != nil {
		p.release(e)
		return err
	}

	err = fn(ctx, e.client)
	if errors.Is(err, ErrConnectionLost) {
		p.log.Warn("discarding broken connection", "key", e.key, "error", err)
		e.client.Close()
		e.client = nil
	}
	p.release(e)
	return err
}

func (p *Pool) acquire(ctx context.Context, key string) (*entry, error) {
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		e, ok := p.entries[key]
		if ok && !e.busy {
			e.busy = true
			p.mu.Unlock()
			return e, nil
		}
		if !ok {
			var victim *entry
			if len(p.entries) >= p.opts.MaxConnections {
				victim = p.evictLocked()
			}
			if len(p.entries) < p.opts.MaxConnections {
				e = &entry{key: key, busy: true}
				p.entries[key] = e
				p.mu.Unlock()
				if victim != nil {
					p.log.Debug("evicted idle connection", "key", victim.key)
					closeEntry(victim)
				}
				return e, nil
			}
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, fmt.Errorf("%w: no connection for %s within %s", ErrPoolExhausted, key, p.opts.AcquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// evictLocked removes the least recently used idle entry.
func (p *Pool) evictLocked() *entry {
	var lru *entry
	for _, e := range p.entries {
		if e.busy {
			continue
		}
		if lru == nil || e.lastUsed.Before(lru.lastUsed) {
			lru = e
		}
	}
	if lru != nil {
		delete(p.entries, lru.key)
	}
	return lru
}

// connect makes sure e holds a live client, redialling at most once.
func (p *Pool) connect(ctx context.Context, e *entry, t Target) error {
	if e.client != nil {
		if e.client.Alive(ctx) {
			return nil
		}
		p.log.Info("connection failed liveness check, reconnecting", "key", e.key)
		e.client.Close()
		e.client = nil
	}
	c, err := p.dialer.Dial(ctx, t)
	if err != nil {
		return fmt.Errorf("dial %s: %w", e.key, err)
	}
	p.log.Debug("connected", "key", e.key)
	e.client = c
	return nil
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	e.busy = false
	e.lastUsed = p.now()
	var discard bool
	if e.client == nil || p.closed {
		discard = true
		if p.entries[e.key] == e {
			delete(p.entries, e.key)
		}
	}
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()

	if discard {
		closeEntry(e)
	}
}

func closeEntry(e *entry) {
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

func (p *Pool) reap() {
	defer p.wg.Done()
	interval := p.opts.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.ReapIdle()
		}
	}
}

// ReapIdle closes connections idle for longer than the idle timeout and
// returns how many it closed.
func (p *Pool) ReapIdle() int {
	if p.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var stale []*entry
	for key, e := range p.entries {
		if !e.busy && e.lastUsed.Before(cutoff) {
			stale = append(stale, e)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		p.log.Debug("closing idle connection", "key", e.key)
		closeEntry(e)
	}
	return len(stale)
}

// Stats reports open and busy connection counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Open: len(p.entries)}
	for _, e := range p.entries {
		if e.busy {
			s.Busy++
		}
	}
	return s
}

// Close closes every idle connection now; busy ones close when released.
// Further acquires fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*entry
	for key, e := range p.entries {
		if !e.busy {
			idle = append(idle, e)
			delete(p.entries, key)
		}
	}
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for _, e := range idle {
		closeEntry(e)
	}
	p.log.Info("ssh pool closed", "closed", len(idle))
	return nil
}
