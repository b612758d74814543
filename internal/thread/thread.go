// Package thread defines the thread, message and tool-call entities and the
// lifecycle state machine that every orchestrator mutation goes through.
package thread

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mood-agency/funny/internal/errors"
)

// Mode is where a thread's agent runs: the project checkout or its own worktree.
type Mode string

const (
	ModeLocal    Mode = "local"
	ModeWorktree Mode = "worktree"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// WaitingReason says what a waiting thread is blocked on.
type WaitingReason string

const (
	WaitingNone       WaitingReason = ""
	WaitingQuestion   WaitingReason = "question"
	WaitingPermission WaitingReason = "permission"
	WaitingPlan       WaitingReason = "plan"
)

// PendingPermission describes the tool call awaiting human approval.
type PendingPermission struct {
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ResultInfo summarizes how the last run concluded.
type ResultInfo struct {
	Status     Status  `json:"status"`
	Cost       float64 `json:"cost"`
	DurationMS int64   `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

// InitInfo is captured from the runtime's first init event and never changes after.
type InitInfo struct {
	Model string   `json:"model"`
	Cwd   string   `json:"cwd"`
	Tools []string `json:"tools"`
}

// Thread is one agent conversation bound to a working directory.
type Thread struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`

	Mode         Mode   `json:"mode"`
	WorktreePath string `json:"worktreePath,omitempty"`
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`

	Status            Status             `json:"status"`
	WaitingReason     WaitingReason      `json:"waitingReason,omitempty"`
	PendingPermission *PendingPermission `json:"pendingPermission,omitempty"`
	ResultInfo        *ResultInfo        `json:"resultInfo,omitempty"`
	InitInfo          *InitInfo          `json:"initInfo,omitempty"`
	QueuedCount       int                `json:"queuedCount"`

	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	Pinned      bool       `json:"pinned"`
	Archived    bool       `json:"archived"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.New().String()
}

// ShortID returns the first eight characters of id, used in branch names.
func ShortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CheckBinding enforces mode=worktree iff worktreePath and branch are both set.
func (t *Thread) CheckBinding() error {
	op := errors.Op("thread.CheckBinding")
	switch t.Mode {
	case ModeWorktree:
		if t.WorktreePath == "" || t.Branch == "" {
			return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s: worktree mode requires worktree path and branch", t.ID))
		}
	case ModeLocal:
		if t.WorktreePath != "" || t.Branch != "" {
			return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s: local mode must not carry a worktree binding", t.ID))
		}
	default:
		return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s: unknown mode %q", t.ID, t.Mode))
	}
	return nil
}

// CheckWaiting enforces that waitingReason is set only while waiting and that a
// pending permission exists exactly when the thread waits on permission.
func (t *Thread) CheckWaiting() error {
	op := errors.Op("thread.CheckWaiting")
	if t.Status == StatusWaiting && t.WaitingReason == WaitingNone {
		return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s is waiting without a reason", t.ID))
	}
	if t.Status != StatusWaiting && t.WaitingReason != WaitingNone {
		return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s is %s but has waiting reason %s", t.ID, t.Status, t.WaitingReason))
	}
	if (t.WaitingReason == WaitingPermission) != (t.PendingPermission != nil) {
		return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s: pending permission does not match waiting reason", t.ID))
	}
	if t.QueuedCount < 0 {
		return errors.E(op, errors.KindValidation, fmt.Sprintf("thread %s: negative queued count", t.ID))
	}
	return nil
}

// Validate runs every structural check on the thread.
func (t *Thread) Validate() error {
	if t.ID == "" || t.ProjectID == "" {
		return errors.Invalid(errors.Op("thread.Validate"), "thread requires id and project id")
	}
	if !t.Status.Valid() {
		return errors.Invalid(errors.Op("thread.Validate"), fmt.Sprintf("thread %s: unknown status %q", t.ID, t.Status))
	}
	if err := t.CheckBinding(); err != nil {
		return err
	}
	return t.CheckWaiting()
}

// IsActive reports whether a runtime may be live for the thread.
func (t *Thread) IsActive() bool {
	return t.Status == StatusRunning || t.Status == StatusWaiting
}

// ClearBinding converts the thread to local mode.
func (t *Thread) ClearBinding() {
	t.Mode = ModeLocal
	t.WorktreePath = ""
	t.Branch = ""
}

// ClearWaiting drops the waiting reason and any pending permission.
func (t *Thread) ClearWaiting() {
	t.WaitingReason = WaitingNone
	t.PendingPermission = nil
}

// Clone returns a deep copy.
func (t *Thread) Clone() *Thread {
	c := *t
	if t.PendingPermission != nil {
		p := *t.PendingPermission
		p.Input = slices.Clone(p.Input)
		c.PendingPermission = &p
	}
	if t.ResultInfo != nil {
		r := *t.ResultInfo
		c.ResultInfo = &r
	}
	if t.InitInfo != nil {
		i := *t.InitInfo
		i.Tools = slices.Clone(i.Tools)
		c.InitInfo = &i
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Message is one turn of the conversation.
type Message struct {
	ID             string     `json:"id"`
	ThreadID       string     `json:"threadId"`
	Seq            int64      `json:"seq"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Images         []string   `json:"images,omitempty"`
	Model          string     `json:"model,omitempty"`
	PermissionMode string     `json:"permissionMode,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ToolCalls      []ToolCall `json:"toolCalls,omitempty"`
}

// ToolCall is a tool invocation reported by the agent.
type ToolCall struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	Seq       int             `json:"seq"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    *string         `json:"output,omitempty"`
	Kind      ToolKind        `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Title derives a thread display name from its first prompt.
func Title(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "New thread"
	}
	const maxLen = 60
	if r := []rune(line); len(r) > maxLen {
		return strings.TrimSpace(string(r[:maxLen-3])) + "..."
	}
	return line
}
