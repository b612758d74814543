package orchestrator

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/lock"
	"github.com/mood-agency/funny/internal/permission"
	"github.com/mood-agency/funny/internal/policy"
	"github.com/mood-agency/funny/internal/queue"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
)

// session is the live state of a thread whose run loop is active. Every
// status change made while the session is live happens under mu, which is
// what serializes commands against runtime events.
type session struct {
	threadID  string
	projectID string
	project   config.Project
	effective *policy.Effective
	token     *lock.Token
	log       *slog.Logger
	done      chan struct{}

	mu       sync.Mutex
	pending  []queue.Item // interrupt follow-ups, delivered before the queue
	lists    permission.SessionLists
	turn     *turn
	stopped  bool
	shutdown bool
	closed   bool // run loop has taken its last input
}

// turn is one runtime run. Fields other than run, abort and the maps are
// only touched by the run loop.
type turn struct {
	run       runtime.Run
	abort     chan struct{}
	abortOnce sync.Once

	interrupted bool // cancelled to make room for a follow-up
	gotResult   bool
	abandoned   bool
	fatal       error

	// runtime tool call ID -> registry tool call
	calls map[string]*thread.ToolCall
	// runtime IDs of the calls a human reply is pending for
	permissionCall  string
	interactiveCall string

	messageID string // assistant message receiving tool calls
	wroteText bool
	text      strings.Builder
	partial   strings.Builder
}

func newTurn() *turn {
	return &turn{abort: make(chan struct{}), calls: make(map[string]*thread.ToolCall)}
}

// cancel asks the run to stop. The caller holds the session lock.
func (t *turn) cancel() {
	t.abortOnce.Do(func() { close(t.abort) })
	if t.run != nil {
		t.run.Cancel()
	}
}

func (t *turn) aborted() bool {
	select {
	case <-t.abort:
		return true
	default:
		return false
	}
}

// takeText returns the assistant text accumulated since the last flush.
func (t *turn) takeText() string {
	s := t.text.String() + t.partial.String()
	t.text.Reset()
	t.partial.Reset()
	return s
}

// approvalWords answer a plan with acceptance; anything else is feedback.
var approvalWords = map[string]bool{
	"y": true, "yes": true, "ok": true, "okay": true, "approve": true,
	"approved": true, "lgtm": true, "go": true, "go ahead": true, "proceed": true,
}

func isApproval(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	a = strings.TrimRight(a, ".!")
	return approvalWords[a]
}
