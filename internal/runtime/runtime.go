// Package runtime defines the contract between the orchestrator and an agent
// session runtime. A Run is one agent turn: it is started with a prompt, emits
// events until the turn concludes, and may block on replies for permission
// requests and interactive tools.
package runtime

import (
	"context"
	"encoding/json"
	"time"
)

// CancelGrace bounds how long a cancelled run may take to stop before the
// caller abandons it.
const CancelGrace = 5 * time.Second

// EventType identifies a runtime event.
type EventType string

const (
	EventInit              EventType = "init"
	EventAssistantText     EventType = "assistant_text"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallOutput    EventType = "tool_call_output"
	EventPermissionRequest EventType = "permission_request"
	EventTurnResult        EventType = "turn_result"
	EventFatalError        EventType = "fatal_error"
)

// Event is emitted by a Run. Which fields are set depends on Type.
type Event struct {
	Type EventType

	// EventInit
	SessionID string
	Model     string
	Cwd       string
	Tools     []string

	// EventAssistantText. Partial text is a streaming delta; the final text of
	// an assistant message arrives with Partial unset.
	Text    string
	Partial bool

	// EventToolCallStart, EventToolCallOutput, EventPermissionRequest
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
	Output     string

	// EventTurnResult
	Result *Result

	// EventFatalError
	Err error
}

// Result is how a turn concluded.
type Result struct {
	Success    bool
	Text       string
	Cost       float64
	DurationMS int64
	Error      string
}

// Request starts one turn.
type Request struct {
	ThreadID string
	Cwd      string
	Prompt   string
	// Images are data URLs (data:image/png;base64,...).
	Images         []string
	Model          string
	PermissionMode string
	// ResumeSessionID continues an earlier conversation when set.
	ResumeSessionID string
}

// ReplyKind identifies what a Reply answers.
type ReplyKind string

const (
	// ReplyPermission answers an EventPermissionRequest.
	ReplyPermission ReplyKind = "permission"
	// ReplyAnswer delivers a human answer to a question or plan tool call.
	ReplyAnswer ReplyKind = "answer"
)

// Reply is sent to a Run to unblock it.
type Reply struct {
	Kind       ReplyKind
	ToolCallID string
	ToolName   string
	Approved   bool
	// Answer is the human's text for ReplyAnswer, or the reason for a rejection.
	Answer string
}

// Runtime starts runs.
type Runtime interface {
	Start(ctx context.Context, req Request) (Run, error)
}

// Run is a live agent turn.
type Run interface {
	// Events yields events in order and is closed when the run ends. A run
	// that was cancelled may close it without an EventTurnResult.
	Events() <-chan Event
	// Respond delivers a reply. It fails once the run has ended.
	Respond(Reply) error
	// Cancel asks the run to stop. It is safe to call more than once.
	Cancel()
	// Done is closed after the underlying process has exited.
	Done() <-chan struct{}
}
