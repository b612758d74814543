// Package broadcast pushes thread changes to observers and serves the
// snapshots clients use to reconcile after missing pushes.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/thread"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 128

// DeltaType names a change.
type DeltaType string

const (
	DeltaThreadCreated   DeltaType = "thread_created"
	DeltaThreadUpdated   DeltaType = "thread_updated"
	DeltaThreadDeleted   DeltaType = "thread_deleted"
	DeltaMessageAdded    DeltaType = "message_added"
	DeltaAssistantText   DeltaType = "assistant_text" // partial streaming text, not persisted
	DeltaToolCallAdded   DeltaType = "tool_call_added"
	DeltaToolCallUpdated DeltaType = "tool_call_updated"
	DeltaStatusChanged   DeltaType = "status_changed" // project worktree status was invalidated
)

// Delta is one change pushed to observers. Seq is assigned by the hub and
// increases across all deltas.
type Delta struct {
	Type      DeltaType        `json:"type"`
	Seq       int64            `json:"seq"`
	ThreadID  string           `json:"threadId,omitempty"`
	ProjectID string           `json:"projectId,omitempty"`
	Thread    *thread.Thread   `json:"thread,omitempty"`
	Message   *thread.Message  `json:"message,omitempty"`
	ToolCall  *thread.ToolCall `json:"toolCall,omitempty"`
	Text      string           `json:"text,omitempty"`
	At        time.Time        `json:"at"`
}

type subscriber struct {
	ch      chan Delta
	filter  func(Delta) bool
	dropped atomic.Int64
}

// Hub fans deltas out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the delta and the drop is counted.
type Hub struct {
	mu         sync.Mutex
	subs       map[uint64]*subscriber
	nextID     uint64
	seq        int64
	closed     bool
	bufferSize int

	dropped atomic.Int64
	log     *slog.Logger
}

// NewHub creates a hub. A bufferSize of zero uses DefaultSubscriberBuffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:       make(map[uint64]*subscriber),
		bufferSize: bufferSize,
		log:        logger.ComponentLogger("broadcast"),
	}
}

// Subscribe registers a subscriber. A nil filter receives every delta. The
// returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(filter func(Delta) bool) (<-chan Delta, func()) {
	ch := make(chan Delta, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(id) })
	}
}

// SubscribeProject receives deltas for one project. An empty projectID
// receives everything.
func (h *Hub) SubscribeProject(projectID string) (<-chan Delta, func()) {
	if projectID == "" {
		return h.Subscribe(nil)
	}
	return h.Subscribe(func(d Delta) bool { return d.ProjectID == projectID })
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Publish assigns the next sequence number and delivers d to every matching
// subscriber. It returns the assigned sequence number.
func (h *Hub) Publish(d Delta) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	h.seq++
	d.Seq = h.seq
	if d.At.IsZero() {
		d.At = time.Now()
	}
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(d) {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			sub.dropped.Add(1)
			if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
				h.log.Warn("subscriber buffer full, dropping delta", "type", d.Type, "threadID", d.ThreadID, "totalDropped", n)
			}
		}
	}
	return d.Seq
}

// Seq returns the sequence number of the last published delta.
func (h *Hub) Seq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Dropped returns how many deliveries were dropped since the hub started.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
