package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/toolgate/logger"
)

// Defaults for New.
const (
	DefaultCacheSize     = 10000
	DefaultBufferSize    = 1024
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

const storeTimeout = 10 * time.Second

// Log is safe for concurrent use. Appends are serialised by one mutex so
// events of a single call keep their order.
type Log struct {
	redactor      *Redactor
	store         Store
	cacheSize     int
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time
	log           *slog.Logger

	mu      sync.Mutex
	ring    []Event
	start   int // index of the oldest event in ring
	count   int
	seq     uint64
	last    time.Time
	evicted uint64

	shipMu sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithStore ships events to s in the background.
func WithStore(s Store) Option {
	return func(l *Log) { l.store = s }
}

// WithCacheSize bounds the in-memory ring.
func WithCacheSize(n int) Option {
	return func(l *Log) { l.cacheSize = n }
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) Option {
	return func(l *Log) { l.redactor = r }
}

// WithBatching sets the store queue size, how many events make a batch and
// how long a partial batch may wait.
func WithBatching(buffer, batch int, interval time.Duration) Option {
	return func(l *Log) {
		l.bufferSize, l.batchSize, l.flushInterval = buffer, batch, interval
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a log and, when a store is configured, starts its shipper.
func New(opts ...Option) *Log {
	l := &Log{
		redactor:      defaultRedactor,
		cacheSize:     DefaultCacheSize,
		bufferSize:    DefaultBufferSize,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
		log:           logger.WithComponent("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cacheSize <= 0 {
		l.cacheSize = DefaultCacheSize
	}
	if l.batchSize <= 0 {
		l.batchSize = DefaultBatchSize
	}
	if l.flushInterval <= 0 {
		l.flushInterval = DefaultFlushInterval
	}
	l.ring = make([]Event, l.cacheSize)

	if l.store != nil {
		l.queue = make(chan Event, max(l.bufferSize, 1))
		l.wg.Add(1)
		go l.ship()
	}
	return l
}

// Redactor returns the redactor applied to every event.
func (l *Log) Redactor() *Redactor { return l.redactor }

// Record redacts e, stamps it with an ID, timestamp and sequence number and
// appends it. The stored event is returned.
func (l *Log) Record(e Event) Event {
	e.Arguments = l.redactor.Map(e.Arguments)
	e.Details = l.redactor.Map(e.Details)
	e.Result = l.redactor.Value(e.Result)
	e.Reason = l.redactor.String(e.Reason)
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	l.mu.Lock()
	ts := l.now()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	l.last = ts
	l.seq++
	e.Seq = l.seq
	e.Timestamp = ts
	l.appendLocked(e)
	l.mu.Unlock()

	l.enqueue(e)
	return e
}

// Log records a bare event of the given type.
func (l *Log) Log(action EventType, actor string, details map[string]any) Event {
	return l.Record(Event{Type: action, Actor: actor, Details: details, Success: true})
}

func (l *Log) appendLocked(e Event) {
	if l.count < len(l.ring) {
		l.ring[(l.start+l.count)%len(l.ring)] = e
		l.count++
		return
	}
	l.ring[l.start] = e
	l.start = (l.start + 1) % len(l.ring)
	l.evicted++
}

func (l *Log) enqueue(e Event) {
	if l.queue == nil {
		return
	}
	l.shipMu.RLock()
	defer l.shipMu.RUnlock()
	if l.closed {
		return
	}
	l.queue <- e
}

// ship batches queued events to the store until the queue is closed.
func (l *Log) ship() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := l.store.AppendEvents(ctx, batch); err != nil {
			l.log.Error("failed to ship audit events", "count", len(batch), "error", err)
		}
		batch = make([]Event, 0, l.batchSize)
	}

	for {
		select {
		case e, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Query returns matching events. Events evicted from the cache are read from
// the store.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	l.mu.Lock()
	matches := make([]Event, 0)
	for i := 0; i < l.count; i++ {
		if e := l.ring[(l.start+i)%len(l.ring)]; f.Match(e) {
			matches = append(matches, e)
		}
	}
	evicted := l.evicted
	l.mu.Unlock()

	if l.store != nil && evicted > 0 {
		stored, err := l.store.QueryEvents(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("query audit store: %w", err)
		}
		seen := make(map[string]bool, len(matches))
		for _, e := range matches {
			seen[e.ID] = true
		}
		for _, e := range stored {
			if !seen[e.ID] {
				matches = append(matches, e)
			}
		}
	}
	return Order(matches, f), nil
}

// Len returns the number of cached events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close flushes queued events to the store and stops the shipper. Events
// recorded afterwards are cached but not shipped.
func (l *Log) Close() error {
	if l.queue == nil {
		return nil
	}
	l.shipMu.Lock()
	if l.closed {
		l.shipMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.shipMu.Unlock()
	l.wg.Wait()
	return nil
}
