package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	events  []Event
	batches int
}

func (s *memStore) AppendEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	s.batches++
	return nil
}

func (s *memStore) QueryEvents(_ context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return Order(out, f), nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRedactor_Map(t *testing.T) {
	r, err := NewRedactor()
	if err != nil {
		t.Fatal(err)
	}
	in := map[string]any{
		"user":     "alice",
		"password": "hunter2",
		"nested": map[string]any{
			"API_KEY": "abc",
			"list":    []any{map[string]any{"secret": "s"}, "plain"},
		},
		"env":     map[string]string{"DB_TOKEN": "t", "HOME": "/root"},
		"command": "deploy --token=xyz",
	}
	out := r.Map(in)

	if out["user"] != "alice" || out["password"] != Redacted {
		t.Errorf("top level = %+v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["API_KEY"] != Redacted {
		t.Errorf("key match should ignore case: %+v", nested)
	}
	if item := nested["list"].([]any)[0].(map[string]any); item["secret"] != Redacted {
		t.Errorf("maps inside slices should be redacted: %+v", item)
	}
	env := out["env"].(map[string]any)
	if env["DB_TOKEN"] != Redacted || env["HOME"] != "/root" {
		t.Errorf("env = %+v", env)
	}
	if out["command"] != "deploy --token="+Redacted {
		t.Errorf("command = %q", out["command"])
	}
	if in["password"] != "hunter2" {
		t.Error("input map must not be modified")
	}
}

func TestRedactString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"login failed password=hunter2 user=bob", "login failed password=[REDACTED] user=bob"},
		{`{"api_key": "abc123", "id": 4}`, `{"api_key": "[REDACTED]", "id": 4}`},
		{"SECRET: shh", "SECRET: [REDACTED]"},
		{"nothing to see", "nothing to see"},
	}
	for _, tt := range tests {
		if got := RedactString(tt.in); got != tt.want {
			t.Errorf("RedactString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRedactor_CustomPatterns(t *testing.T) {
	r, err := NewRedactor("ssn")
	if err != nil {
		t.Fatal(err)
	}
	out := r.Map(map[string]any{"ssn": "123", "password": "kept"})
	if out["ssn"] != Redacted || out["password"] != "kept" {
		t.Errorf("custom pattern = %+v", out)
	}
	if _, err := NewRedactor("("); err == nil {
		t.Error("bad pattern should fail")
	}
}

func TestRecord_StampsAndRedacts(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return fixed }))

	a := l.Record(Event{Type: EventToolCall, Arguments: map[string]any{"password": "p"}})
	b := l.Record(Event{Type: EventToolResult, Reason: "token=abc"})

	if a.ID == "" || a.ID == b.ID {
		t.Error("events need unique IDs")
	}
	if a.Seq != 1 || b.Seq != 2 {
		t.Errorf("seq = %d, %d", a.Seq, b.Seq)
	}
	if !b.Timestamp.After(a.Timestamp) {
		t.Error("timestamps should be strictly increasing even with a frozen clock")
	}
	if a.Severity != SeverityInfo {
		t.Errorf("default severity = %q", a.Severity)
	}
	if a.Arguments["password"] != Redacted || b.Reason != "token="+Redacted {
		t.Errorf("redaction missing: %+v / %+v", a.Arguments, b.Reason)
	}
}

func TestQuery_ByExecutionID(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("exec-%d", i%2)
		l.Record(Event{Type: EventToolCall, ExecutionID: id, Arguments: map[string]any{"password": "x", "n": i}})
		l.Record(Event{Type: EventToolResult, ExecutionID: id, Success: true})
	}

	got, err := l.Query(context.Background(), Filter{ExecutionID: "exec-0", Ascending: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("not chronological: %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}
	if got[0].Arguments["password"] != Redacted {
		t.Error("password argument not redacted")
	}

	newest, _ := l.Query(context.Background(), Filter{ExecutionID: "exec-0"})
	if newest[0].Seq != got[len(got)-1].Seq {
		t.Error("default order should be newest-first")
	}
}

func TestQuery_Filters(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := base
	l := New(WithClock(func() time.Time { now = now.Add(time.Minute); return now }))

	l.Record(Event{Type: EventToolCall, Server: "shell", Tool: "execute_command", Actor: "agent-1"})
	l.Record(Event{Type: EventPermissionCheck, Server: "shell", Tool: "execute_command", Actor: "agent-1", Severity: SeverityWarning})
	l.Record(Event{Type: EventToolResult, Server: "fs", Tool: "read_file", Actor: "agent-2", Severity: SeverityCritical})
	l.Record(Event{Type: EventError, Server: "fs", Actor: "agent-2"})

	tests := []struct {
		name string
		f    Filter
		want int
	}{
		{"all", Filter{}, 4},
		{"server", Filter{Server: "fs"}, 2},
		{"tool", Filter{Tool: "execute_command"}, 2},
		{"actor", Filter{Actor: "agent-1"}, 2},
		{"types", Filter{Types: []EventType{EventToolCall, EventError}}, 2},
		{"min severity warning", Filter{MinSeverity: SeverityWarning}, 2},
		{"min severity critical", Filter{MinSeverity: SeverityCritical}, 1},
		{"since", Filter{Since: base.Add(3 * time.Minute)}, 2},
		{"until", Filter{Until: base.Add(3 * time.Minute)}, 2},
		{"limit", Filter{Limit: 3}, 3},
		{"combined", Filter{Server: "shell", Types: []EventType{EventToolResult}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(context.Background(), tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}

	limited, _ := l.Query(context.Background(), Filter{Limit: 1})
	if limited[0].Type != EventError {
		t.Errorf("newest-first limit should keep the latest event, got %s", limited[0].Type)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	l := New(WithCacheSize(3))
	for i := 0; i < 5; i++ {
		l.Log(EventToolCall, "agent", map[string]any{"i": i})
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	got, _ := l.Query(context.Background(), Filter{Ascending: true})
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("ring kept seqs %d..%d, want 3..5", got[0].Seq, got[2].Seq)
	}
}

func TestStoreShippingAndFallback(t *testing.T) {
	store := &memStore{}
	l := New(WithStore(store), WithCacheSize(2), WithBatching(16, 2, 10*time.Millisecond))

	for i := 0; i < 5; i++ {
		l.Record(Event{Type: EventToolCall, ExecutionID: "run", Details: map[string]any{"i": i}})
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.len() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.len() != 5 {
		t.Fatalf("store has %d events, want 5", store.len())
	}

	got, err := l.Query(context.Background(), Filter{ExecutionID: "run", Ascending: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("query merged %d events, want 5 (2 cached + 3 from store)", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}
	l.Close()
}

func TestCloseFlushes(t *testing.T) {
	store := &memStore{}
	l := New(WithStore(store), WithBatching(16, 100, time.Hour))
	for i := 0; i < 7; i++ {
		l.Log(EventToolCall, "agent", nil)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if store.len() != 7 {
		t.Errorf("Close shipped %d events, want 7", store.len())
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	l.Log(EventToolCall, "agent", nil)
	if store.len() != 7 || l.Len() != 8 {
		t.Error("events after Close should be cached only")
	}
}

func TestConcurrentRecord(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Record(Event{Type: EventToolCall, ExecutionID: fmt.Sprint(g)})
			}
		}(g)
	}
	wg.Wait()

	all, _ := l.Query(context.Background(), Filter{Ascending: true})
	if len(all) != 400 {
		t.Fatalf("got %d events", len(all))
	}
	seen := make(map[uint64]bool)
	for _, e := range all {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
	if !strings.HasPrefix(string(all[0].Type), "TOOL") {
		t.Errorf("unexpected type %s", all[0].Type)
	}
}
