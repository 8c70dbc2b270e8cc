package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/tool"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// ReasonCancelled is recorded when the caller gives up on a pending call.
const ReasonCancelled = "caller cancelled"

var (
	ErrNotFound   = errors.New("approval request not found")
	ErrNotPending = errors.New("approval request is not pending")
)

// Request is a tool call waiting on a human decision.
type Request struct {
	ID         string    `json:"id"`
	Call       tool.Call `json:"tool_call"`
	Scope      string    `json:"scope"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Resolved reports whether the request has left PENDING.
func (r *Request) Resolved() bool { return r.Status != StatusPending }

// Approved reports whether the call may run.
func (r *Request) Approved() bool { return r.Status == StatusApproved }

// Store persists approval requests. LoadApproval returns ErrNotFound for an
// unknown ID.
type Store interface {
	SaveApproval(ctx context.Context, r *Request) error
	LoadApproval(ctx context.Context, id string) (*Request, error)
}

const storeTimeout = 5 * time.Second

type entry struct {
	req   Request
	done  chan struct{} // closed on leaving PENDING
	timer *time.Timer
}

// Manager owns approval requests and their PENDING to APPROVED, REJECTED or
// EXPIRED transitions. Expiry is driven by a timer per request and is also
// checked whenever a request is read.
type Manager struct {
	now       func() time.Time
	store     Store
	cacheSize int
	timeout   time.Duration
	observe   func(Request)
	log       *slog.Logger

	mu       sync.Mutex
	requests map[string]*entry
	resolved []string // resolved IDs, oldest first, for eviction
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStore persists every transition to s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithCacheSize bounds how many resolved requests stay in memory.
func WithCacheSize(n int) Option {
	return func(m *Manager) { m.cacheSize = n }
}

// WithDefaultTimeout applies when Create is given no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithObserver calls fn with every request that leaves PENDING, before any
// waiter is woken. fn runs on the goroutine that made the transition,
// without the manager's lock held.
func WithObserver(fn func(Request)) Option {
	return func(m *Manager) { m.observe = fn }
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:       time.Now,
		cacheSize: 1000,
		timeout:   time.Hour,
		log:       logger.WithComponent("approval"),
		requests:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a PENDING request for call. An empty scope defaults to the
// call's server.
func (m *Manager) Create(call tool.Call, scope string, timeout time.Duration) (*Request, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	if scope == "" {
		scope = call.Server
	}
	now := m.now()
	e := &entry{
		req: Request{
			ID:        uuid.NewString(),
			Call:      call,
			Scope:     scope,
			Status:    StatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		done: make(chan struct{}),
	}

	if err := m.persist(&e.req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	m.mu.Lock()
	m.requests[e.req.ID] = e
	id := e.req.ID
	e.timer = time.AfterFunc(timeout, func() { m.expireIfDue(id) })
	out := e.req
	m.mu.Unlock()

	m.log.Info("approval requested", "approval", id, "server", call.Server, "tool", call.Tool, "scope", scope, "expires", e.req.ExpiresAt)
	return &out, nil
}

// Get returns a request, reporting EXPIRED once its deadline has passed.
func (m *Manager) Get(id string) (*Request, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	expired := m.expireLocked(e)
	out := e.req
	m.mu.Unlock()
	if expired {
		m.settle(e)
	}
	return &out, nil
}

// Resolve approves or rejects a pending request.
func (m *Manager) Resolve(id string, approved bool, resolvedBy, feedback string) (*Request, error) {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	return m.finish(id, status, resolvedBy, feedback, "")
}

// Cancel rejects a pending request on the caller's behalf.
func (m *Manager) Cancel(id, reason string) (*Request, error) {
	if reason == "" {
		reason = ReasonCancelled
	}
	return m.finish(id, StatusRejected, "", "", reason)
}

func (m *Manager) finish(id string, status Status, by, feedback, reason string) (*Request, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.expireLocked(e) {
		m.mu.Unlock()
		m.settle(e)
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, StatusExpired)
	}
	if e.req.Resolved() {
		current := e.req.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, current)
	}
	m.transitionLocked(e, status, by, feedback, reason)
	out := e.req
	m.mu.Unlock()

	m.settle(e)
	return &out, nil
}

// Wait blocks until the request leaves PENDING or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*Request, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	expired := m.expireLocked(e)
	m.mu.Unlock()
	if expired {
		m.settle(e)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	out := e.req
	m.mu.Unlock()
	return &out, nil
}

// Pending returns unexpired PENDING requests, oldest first. An empty scope
// matches every request.
func (m *Manager) Pending(scope string) []*Request {
	m.mu.Lock()
	var (
		out     []*Request
		expired []*entry
	)
	for _, e := range m.requests {
		if m.expireLocked(e) {
			expired = append(expired, e)
		}
		if e.req.Resolved() || (scope != "" && e.req.Scope != scope) {
			continue
		}
		r := e.req
		out = append(out, &r)
	}
	m.mu.Unlock()

	m.settle(expired...)
	slices.SortFunc(out, func(a, b *Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// ExpireDue moves every overdue request to EXPIRED and returns how many it
// expired.
func (m *Manager) ExpireDue() int {
	m.mu.Lock()
	var expired []*entry
	for _, e := range m.requests {
		if m.expireLocked(e) {
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	m.settle(expired...)
	return len(expired)
}

// Close stops the expiry timers. Pending requests stay pending.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.requests {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (m *Manager) expireIfDue(id string) {
	m.mu.Lock()
	e, ok := m.requests[id]
	expired := ok && m.expireLocked(e)
	m.mu.Unlock()
	if expired {
		m.settle(e)
	}
}

// expireLocked moves an overdue request to EXPIRED. When it returns true the
// caller must settle e after releasing the lock.
func (m *Manager) expireLocked(e *entry) bool {
	if e.req.Resolved() || m.now().Before(e.req.ExpiresAt) {
		return false
	}
	m.transitionLocked(e, StatusExpired, "", "", "approval timed out")
	return true
}

// entry finds a request in memory or, once evicted, in the store. The store
// is read without the lock held.
func (m *Manager) entry(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.requests[id]
	m.mu.Unlock()
	if ok {
		return e, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	r, err := m.store.LoadApproval(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load approval %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.requests[id]; ok {
		// loaded concurrently
		return e, nil
	}
	e = &entry{req: *r, done: make(chan struct{})}
	m.requests[id] = e
	if r.Resolved() {
		close(e.done)
		m.resolved = append(m.resolved, id)
		m.evictLocked(id)
	} else {
		e.timer = time.AfterFunc(r.ExpiresAt.Sub(m.now()), func() { m.expireIfDue(id) })
	}
	return e, nil
}

// transitionLocked moves e out of PENDING. The caller settles it once the
// lock is released.
func (m *Manager) transitionLocked(e *entry, status Status, by, feedback, reason string) {
	e.req.Status = status
	e.req.ResolvedAt = m.now()
	e.req.ResolvedBy = by
	e.req.Feedback = feedback
	e.req.Reason = reason
	if e.timer != nil {
		e.timer.Stop()
	}
}

// settle finishes transitions made under the lock: the observer runs, then
// waiters wake, then the request is persisted and becomes evictable.
func (m *Manager) settle(settled ...*entry) {
	if len(settled) == 0 {
		return
	}
	for _, e := range settled {
		// e.req no longer changes once it has left PENDING.
		r := e.req
		if m.observe != nil {
			m.observe(r)
		}
		close(e.done)

		if err := m.persist(&r); err != nil {
			m.log.Error("failed to persist approval", "approval", r.ID, "status", r.Status, "error", err)
		}
		m.log.Info("approval resolved", "approval", r.ID, "status", r.Status, "by", r.ResolvedBy, "reason", r.Reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range settled {
		m.resolved = append(m.resolved, e.req.ID)
		m.evictLocked(e.req.ID)
	}
}

// evictLocked drops the oldest resolved requests beyond the cache size,
// never keep.
func (m *Manager) evictLocked(keep string) {
	for len(m.resolved) > m.cacheSize && m.cacheSize >= 0 {
		id := m.resolved[0]
		if id == keep && len(m.resolved) == 1 {
			return
		}
		m.resolved = m.resolved[1:]
		if id == keep {
			m.resolved = append(m.resolved, id)
			continue
		}
		delete(m.requests, id)
	}
}

func (m *Manager) persist(r *Request) error {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return m.store.SaveApproval(ctx, r)
}
