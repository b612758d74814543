package exec

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MockResponse is the scripted result of a matched command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// Call records one command invocation seen by a MockExecutor.
type Call struct {
	Dir  string
	Name string
	Args []string
}

// String renders the call the way it would be typed in a shell.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type matcher struct {
	name   string
	args   []string
	prefix bool
	resp   MockResponse
}

func (m matcher) matches(name string, args []string) bool {
	if m.name != name {
		return false
	}
	if m.prefix {
		return len(args) >= len(m.args) && slices.Equal(args[:len(m.args)], m.args)
	}
	return slices.Equal(args, m.args)
}

// MockExecutor returns scripted responses and records every call.
// Unmatched commands go to the fallback executor when one is set,
// otherwise they succeed with empty output.
type MockExecutor struct {
	mu       sync.Mutex
	matchers []matcher
	calls    []Call
	fallback CommandExecutor
}

// NewMockExecutor creates a mock; fallback may be nil.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddExactMatch scripts a response for name with exactly args.
func (m *MockExecutor) AddExactMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchers = append(m.matchers, matcher{name: name, args: args, resp: resp})
}

// AddPrefixMatch scripts a response for name whose args start with args.
// Matchers are consulted in the order they were added; the first match wins.
func (m *MockExecutor) AddPrefixMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchers = append(m.matchers, matcher{name: name, args: args, prefix: true, resp: resp})
}

// GetCalls returns a copy of the recorded calls.
func (m *MockExecutor) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many recorded calls start with name and args.
func (m *MockExecutor) CallCount(name string, args ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	probe := matcher{name: name, args: args, prefix: true}
	n := 0
	for _, c := range m.calls {
		if probe.matches(c.Name, c.Args) {
			n++
		}
	}
	return n
}

func (m *MockExecutor) lookup(dir, name string, args []string) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Dir: dir, Name: name, Args: slices.Clone(args)})
	for _, mt := range m.matchers {
		if mt.matches(name, args) {
			return mt.resp, true
		}
	}
	return MockResponse{}, false
}

// Run implements CommandExecutor.
func (m *MockExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	resp, ok := m.lookup(dir, name, args)
	if !ok && m.fallback != nil {
		return m.fallback.Run(ctx, dir, name, args...)
	}
	return resp.Stdout, resp.Stderr, resp.Err
}

// Output implements CommandExecutor.
func (m *MockExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	resp, ok := m.lookup(dir, name, args)
	if !ok && m.fallback != nil {
		return m.fallback.Output(ctx, dir, name, args...)
	}
	return resp.Stdout, resp.Err
}

// CombinedOutput implements CommandExecutor.
func (m *MockExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	resp, ok := m.lookup(dir, name, args)
	if !ok && m.fallback != nil {
		return m.fallback.CombinedOutput(ctx, dir, name, args...)
	}
	return append(slices.Clone(resp.Stdout), resp.Stderr...), resp.Err
}

// Start implements CommandExecutor. Long-running processes cannot be scripted,
// so Start only works through the fallback.
func (m *MockExecutor) Start(ctx context.Context, dir, name string, args ...string) (Process, error) {
	m.lookup(dir, name, args)
	if m.fallback != nil {
		return m.fallback.Start(ctx, dir, name, args...)
	}
	return nil, fmt.Errorf("mock executor cannot start %s", name)
}
