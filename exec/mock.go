package exec

import (
	"context"
	"strings"
	"sync"
)

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Result Result
	Err    error
	// Block, when set, makes Run wait for ctx to end before responding.
	Block bool
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(cmd Command) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockRunner returns pre-recorded responses for commands.
// Commands are matched in order of rule registration.
type MockRunner struct {
	mu       sync.RWMutex
	rules    []MockRule
	calls    []Command
	fallback Runner
}

// NewMockRunner creates a new MockRunner.
// If fallback is provided, unmatched commands will be delegated to it.
func NewMockRunner(fallback Runner) *MockRunner {
	return &MockRunner{fallback: fallback}
}

// AddRule adds a matching rule with its response.
func (m *MockRunner) AddRule(match CommandMatcher, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches an argv exactly.
func (m *MockRunner) AddExactMatch(argv []string, response MockResponse) {
	m.AddRule(func(c Command) bool {
		if len(c.Argv) != len(argv) {
			return false
		}
		for i, arg := range argv {
			if c.Argv[i] != arg {
				return false
			}
		}
		return true
	}, response)
}

// AddContainsMatch adds a rule that matches when the joined argv contains s.
func (m *MockRunner) AddContainsMatch(s string, response MockResponse) {
	m.AddRule(func(c Command) bool {
		return strings.Contains(strings.Join(c.Argv, " "), s)
	}, response)
}

// GetCalls returns all recorded command invocations.
func (m *MockRunner) GetCalls() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]Command, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// ClearCalls clears the recorded command invocations.
func (m *MockRunner) ClearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockRunner) findMatch(c Command) *MockResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rule := range m.rules {
		if rule.Match(c) {
			resp := rule.Response
			return &resp
		}
	}
	return nil
}

// Run executes a mocked command.
func (m *MockRunner) Run(ctx context.Context, c Command) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()

	resp := m.findMatch(c)
	if resp == nil {
		if m.fallback != nil {
			return m.fallback.Run(ctx, c)
		}
		// Default: return empty success
		return &Result{}, nil
	}

	if resp.Block {
		<-ctx.Done()
		res := resp.Result
		res.ExitCode = -1
		return &res, ErrCancelled
	}
	res := resp.Result
	return &res, resp.Err
}

var _ Runner = (*MockRunner)(nil)
