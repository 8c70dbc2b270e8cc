// Package audit is the gateway's append-only ledger of permission decisions
// and tool calls. Events are redacted before they are stored, kept in a
// bounded in-memory ring and shipped in batches to an optional durable
// store. There is no update or delete API.
package audit

import (
	"context"
	"slices"
	"time"
)

// EventType classifies an event.
type EventType string

const (
	EventToolCall          EventType = "TOOL_CALL"
	EventToolResult        EventType = "TOOL_RESULT"
	EventPermissionCheck   EventType = "PERMISSION_CHECK"
	EventApprovalRequested EventType = "APPROVAL_REQUESTED"
	EventApprovalResolved  EventType = "APPROVAL_RESOLVED"
	EventApprovalExpired   EventType = "APPROVAL_EXPIRED"
	EventError             EventType = "ERROR"
)

// Severity ranks events; sandbox violations are CRITICAL.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// AtLeast reports whether s is min or more severe.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

// Event is one immutable audit record.
type Event struct {
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Actor       string         `json:"actor,omitempty"`
	Server      string         `json:"server,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Success     bool           `json:"success"`
	Reason      string         `json:"reason,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Result      any            `json:"result,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Filter selects events. Zero fields match everything. Results are
// newest-first unless Ascending is set.
type Filter struct {
	Server      string
	Tool        string
	Actor       string
	ExecutionID string
	Types       []EventType
	MinSeverity Severity
	Since       time.Time // inclusive
	Until       time.Time // exclusive
	Limit       int
	Ascending   bool
}

// Match reports whether e passes every set field of f.
func (f Filter) Match(e Event) bool {
	switch {
	case f.Server != "" && e.Server != f.Server:
		return false
	case f.Tool != "" && e.Tool != f.Tool:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.ExecutionID != "" && e.ExecutionID != f.ExecutionID:
		return false
	case len(f.Types) > 0 && !slices.Contains(f.Types, e.Type):
		return false
	case f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity):
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.Timestamp.Before(f.Until):
		return false
	}
	return true
}

// Store is a durable sink for events. QueryEvents applies the filter,
// including its order and limit.
type Store interface {
	AppendEvents(ctx context.Context, events []Event) error
	QueryEvents(ctx context.Context, f Filter) ([]Event, error)
}

// Order sorts events chronologically (or newest-first) and applies the
// limit.
func Order(events []Event, f Filter) []Event {
	slices.SortStableFunc(events, func(a, b Event) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	if !f.Ascending {
		slices.Reverse(events)
	}
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events
}
