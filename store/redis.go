// Package store persists audit events and approval requests in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	backend "github.com/redis/go-redis/v9"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/permission"
)

const pageSize = 256

// Redis implements audit.Store and permission.Store.
//
// Audit events are JSON values in a hash keyed by event ID, indexed by a
// sorted set scored with the event's timestamp in microseconds. Approval
// requests are plain JSON values.
type Redis struct {
	client *backend.Client
	prefix string
}

// Option configures a Redis store.
type Option func(*Redis)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Redis) { s.prefix = prefix }
}

// New connects to the server described by cfg.
func New(cfg config.RedisConfig, opts ...Option) *Redis {
	client := backend.NewClient(&backend.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	return NewFromClient(client, opts...)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Redis {
	s := &Redis{client: client, prefix: config.DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) eventIndexKey() string       { return s.prefix + "audit:index" }
func (s *Redis) eventDataKey() string        { return s.prefix + "audit:events" }
func (s *Redis) approvalKey(id string) string { return s.prefix + "approval:" + id }

// Ping checks the connection.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Redis) Close() error {
	return s.client.Close()
}

func score(e audit.Event) float64 {
	return float64(e.Timestamp.UnixMicro())
}

// AppendEvents writes a batch in one pipeline.
func (s *Redis) AppendEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event %s: %w", e.ID, err)
		}
		pipe.HSet(ctx, s.eventDataKey(), e.ID, data)
		pipe.ZAdd(ctx, s.eventIndexKey(), backend.Z{Score: score(e), Member: e.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append audit events: %w", err)
	}
	return nil
}

// QueryEvents pages through the time index in the requested direction until
// the filter's limit is met.
func (s *Redis) QueryEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	min, max := "-inf", "+inf"
	if !f.Since.IsZero() {
		min = strconv.FormatInt(f.Since.UnixMicro(), 10)
	}
	if !f.Until.IsZero() {
		max = "(" + strconv.FormatInt(f.Until.UnixMicro(), 10)
	}

	var out []audit.Event
	for offset := int64(0); ; offset += pageSize {
		by := &backend.ZRangeBy{Min: min, Max: max, Offset: offset, Count: pageSize}
		var ids []string
		var err error
		if f.Ascending {
			ids, err = s.client.ZRangeByScore(ctx, s.eventIndexKey(), by).Result()
		} else {
			ids, err = s.client.ZRevRangeByScore(ctx, s.eventIndexKey(), by).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audit index: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		values, err := s.client.HMGet(ctx, s.eventDataKey(), ids...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read audit events: %w", err)
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var e audit.Event
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit event: %w", err)
			}
			if f.Match(e) {
				out = append(out, e)
			}
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if len(ids) < pageSize {
			break
		}
	}
	// the index has microsecond scores; Seq breaks ties
	return audit.Order(out, f), nil
}

// SaveApproval stores the request's current state.
func (s *Redis) SaveApproval(ctx context.Context, r *permission.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}
	if err := s.client.Set(ctx, s.approvalKey(r.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// LoadApproval returns permission.ErrNotFound for an unknown ID.
func (s *Redis) LoadApproval(ctx context.Context, id string) (*permission.Request, error) {
	val, err := s.client.Get(ctx, s.approvalKey(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, permission.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	var r permission.Request
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
	}
	return &r, nil
}

var (
	_ audit.Store      = (*Redis)(nil)
	_ permission.Store = (*Redis)(nil)
)
