// Package notification sends desktop notifications when a thread finishes or
// needs a human. It uses beeep, which covers macOS, Linux, and Windows.
package notification

import (
	"context"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/thread"
)

// AppName is the title of every notification.
const AppName = "funny"

// NotifyFunc delivers one notification.
type NotifyFunc func(title, message string, icon any) error

var (
	notifierMu sync.RWMutex
	notifier   NotifyFunc = beeep.Notify
)

// SetNotifier replaces the delivery function. Tests use it to capture calls.
func SetNotifier(fn NotifyFunc) {
	notifierMu.Lock()
	notifier = fn
	notifierMu.Unlock()
}

// ResetNotifier restores beeep delivery.
func ResetNotifier() {
	SetNotifier(beeep.Notify)
}

// Send sends a desktop notification with the given title and message.
func Send(title, message string) error {
	notifierMu.RLock()
	fn := notifier
	notifierMu.RUnlock()

	log := logger.ComponentLogger("notification")
	log.Debug("sending notification", "title", title, "message", message)
	// Empty icon: beeep picks the platform default
	err := fn(title, message, "")
	if err != nil {
		log.Warn("failed to send notification", "error", err)
	}
	return err
}

// Message returns the notification text for a thread entering status, or ""
// when the status is not worth interrupting the user for.
func Message(th *thread.Thread) string {
	name := th.Title
	if name == "" {
		name = thread.ShortID(th.ID)
	}
	switch th.Status {
	case thread.StatusCompleted:
		return name + " is ready"
	case thread.StatusFailed:
		return name + " failed"
	case thread.StatusWaiting:
		switch th.WaitingReason {
		case thread.WaitingPermission:
			return name + " needs permission"
		case thread.WaitingPlan:
			return name + " has a plan to review"
		default:
			return name + " has a question"
		}
	}
	return ""
}

// Observer turns thread status changes on the hub into notifications.
type Observer struct {
	hub     *broadcast.Hub
	enabled func() bool
	handled func(broadcast.Delta) // test hook, runs after each delta

	last map[string]thread.Status
}

// NewObserver creates an observer. enabled is consulted for every change so
// the setting can be flipped at runtime; nil means always on.
func NewObserver(hub *broadcast.Hub, enabled func() bool) *Observer {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Observer{hub: hub, enabled: enabled, last: make(map[string]thread.Status)}
}

// Run consumes deltas until ctx is done or the hub closes.
func (o *Observer) Run(ctx context.Context) {
	deltas, unsubscribe := o.hub.Subscribe(func(d broadcast.Delta) bool {
		return d.Type == broadcast.DeltaThreadDeleted || (d.Type == broadcast.DeltaThreadUpdated && d.Thread != nil)
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			o.handle(d)
			if o.handled != nil {
				o.handled(d)
			}
		}
	}
}

func (o *Observer) handle(d broadcast.Delta) {
	if d.Type == broadcast.DeltaThreadDeleted {
		delete(o.last, d.ThreadID)
		return
	}
	th := d.Thread
	prev, seen := o.last[th.ID]
	o.last[th.ID] = th.Status
	if seen && prev == th.Status {
		return
	}
	msg := Message(th)
	if msg == "" || !o.enabled() {
		return
	}
	Send(AppName, msg)
}
