package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Script drives a MockRun. It runs in its own goroutine; when it returns the
// run's events channel is closed.
type Script func(r *MockRun)

// MockRuntime is a Runtime for tests. Each Start consumes the next queued
// script; with none queued the run replies "ok" and succeeds.
type MockRuntime struct {
	mu       sync.Mutex
	scripts  []Script
	requests []Request
	runs     []*MockRun

	// StartErr, when set, is returned by the next Start and then cleared.
	StartErr error
	// OnStart is called with each new run before its script starts.
	OnStart func(r *MockRun)
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{}
}

// Queue appends scripts consumed by subsequent Start calls in order.
func (m *MockRuntime) Queue(scripts ...Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripts...)
}

// Requests returns every request Start has received.
func (m *MockRuntime) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Runs returns every run started so far.
func (m *MockRuntime) Runs() []*MockRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockRun, len(m.runs))
	copy(out, m.runs)
	return out
}

// Live returns the number of runs whose script has not finished.
func (m *MockRuntime) Live() int {
	n := 0
	for _, r := range m.Runs() {
		select {
		case <-r.done:
		default:
			n++
		}
	}
	return n
}

// Start implements Runtime.
func (m *MockRuntime) Start(ctx context.Context, req Request) (Run, error) {
	m.mu.Lock()
	if err := m.StartErr; err != nil {
		m.StartErr = nil
		m.mu.Unlock()
		return nil, err
	}
	script := Say("ok")
	if len(m.scripts) > 0 {
		script = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	r := &MockRun{
		Request: req,
		events:  make(chan Event, 64),
		replies: make(chan Reply, 16),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.requests = append(m.requests, req)
	m.runs = append(m.runs, r)
	onStart := m.OnStart
	m.mu.Unlock()

	if onStart != nil {
		onStart(r)
	}
	go func() {
		defer close(r.done)
		defer close(r.events)
		script(r)
	}()
	return r, nil
}

// MockRun is the Run returned by MockRuntime.
type MockRun struct {
	Request Request

	events  chan Event
	replies chan Reply
	cancel  chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	cancelled bool
	received  []Reply
}

// Events implements Run.
func (r *MockRun) Events() <-chan Event { return r.events }

// Done implements Run.
func (r *MockRun) Done() <-chan struct{} { return r.done }

// Respond implements Run.
func (r *MockRun) Respond(rep Reply) error {
	select {
	case <-r.done:
		return fmt.Errorf("run ended")
	default:
	}
	r.mu.Lock()
	r.received = append(r.received, rep)
	r.mu.Unlock()
	select {
	case r.replies <- rep:
		return nil
	case <-r.done:
		return fmt.Errorf("run ended")
	}
}

// Cancel implements Run.
func (r *MockRun) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		close(r.cancel)
	}
}

// Cancelled is closed once Cancel has been called.
func (r *MockRun) Cancelled() <-chan struct{} { return r.cancel }

// WasCancelled reports whether Cancel has been called.
func (r *MockRun) WasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Received returns the replies delivered so far.
func (r *MockRun) Received() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reply, len(r.received))
	copy(out, r.received)
	return out
}

// Emit sends an event. It returns false if the run was cancelled first.
func (r *MockRun) Emit(ev Event) bool {
	select {
	case <-r.cancel:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.cancel:
		return false
	}
}

// NextReply waits for a reply. It returns false if the run was cancelled.
func (r *MockRun) NextReply() (Reply, bool) {
	select {
	case rep := <-r.replies:
		return rep, true
	case <-r.cancel:
		return Reply{}, false
	}
}

// Say is a script that answers with text and succeeds.
func Say(text string) Script {
	return func(r *MockRun) {
		if r.Emit(Event{Type: EventAssistantText, Text: text}) {
			r.Emit(Event{Type: EventTurnResult, Result: &Result{Success: true, Text: text}})
		}
	}
}

// Fail is a script that ends the turn with a fatal runtime error.
func Fail(msg string) Script {
	return func(r *MockRun) {
		r.Emit(Event{Type: EventFatalError, Err: fmt.Errorf("%s", msg)})
	}
}

// Block is a script that emits partial text and then runs until cancelled.
func Block(partial string) Script {
	return func(r *MockRun) {
		if partial != "" {
			r.Emit(Event{Type: EventAssistantText, Text: partial, Partial: true})
		}
		<-r.cancel
	}
}

// Gated is a script that emits text, waits for release, then succeeds. The
// run still stops early if it is cancelled.
func Gated(text string, release <-chan struct{}) Script {
	return func(r *MockRun) {
		if !r.Emit(Event{Type: EventAssistantText, Text: text, Partial: true}) {
			return
		}
		select {
		case <-release:
		case <-r.cancel:
			return
		}
		r.Emit(Event{Type: EventTurnResult, Result: &Result{Success: true, Text: text}})
	}
}

// AskPermission is a script that requests approval for a tool call, then
// reports the tool output if approved and succeeds either way.
func AskPermission(toolCallID, tool string, input []byte) Script {
	return func(r *MockRun) {
		if !r.Emit(Event{Type: EventToolCallStart, ToolCallID: toolCallID, ToolName: tool, Input: input}) ||
			!r.Emit(Event{Type: EventPermissionRequest, ToolCallID: toolCallID, ToolName: tool, Input: input}) {
			return
		}
		rep, ok := r.NextReply()
		if !ok {
			return
		}
		out := "rejected"
		if rep.Approved {
			out = "done"
		}
		if !r.Emit(Event{Type: EventToolCallOutput, ToolCallID: toolCallID, Output: out}) {
			return
		}
		r.Emit(Event{Type: EventTurnResult, Result: &Result{Success: true, Text: out}})
	}
}

// AskQuestion is a script that emits an interactive tool call, waits for the
// answer and echoes it in the final result.
func AskQuestion(toolCallID, tool string) Script {
	return func(r *MockRun) {
		if !r.Emit(Event{Type: EventToolCallStart, ToolCallID: toolCallID, ToolName: tool, Input: []byte(`{}`)}) {
			return
		}
		rep, ok := r.NextReply()
		if !ok {
			return
		}
		r.Emit(Event{Type: EventTurnResult, Result: &Result{Success: true, Text: "answered: " + rep.Answer}})
	}
}
