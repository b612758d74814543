package thread

import (
	"fmt"

	"github.com/mood-agency/funny/internal/errors"
)

// Status is a thread lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusWaiting     Status = "waiting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
	StatusInterrupted Status = "interrupted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no runtime is live in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// transitions lists allowed status changes. Staying in the same status is
// not a transition and is always permitted (interrupt follow-ups keep a
// thread running).
var transitions = map[Status]map[Status]bool{
	StatusIdle: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted:   true,
		StatusFailed:      true,
		StatusWaiting:     true,
		StatusStopped:     true,
		StatusInterrupted: true,
	},
	StatusWaiting: {
		StatusRunning:     true,
		StatusStopped:     true,
		StatusInterrupted: true,
		StatusFailed:      true,
	},
	StatusCompleted: {
		StatusRunning: true,
	},
	StatusFailed: {
		StatusRunning: true,
	},
	StatusStopped: {
		StatusRunning: true,
	},
	StatusInterrupted: {
		StatusRunning: true,
	},
}

// CanTransition reports whether a thread may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	return transitions[from][to]
}

// Transition moves t to status to, keeping the waiting fields consistent.
func (t *Thread) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return errors.E(errors.Op("thread.Transition"), errors.KindValidation,
			fmt.Sprintf("thread %s cannot go from %s to %s", t.ID, t.Status, to))
	}
	t.Status = to
	if to != StatusWaiting {
		t.ClearWaiting()
	}
	return nil
}

// Wait moves a running thread to waiting for the given reason.
func (t *Thread) Wait(reason WaitingReason, pending *PendingPermission) error {
	if reason == WaitingNone {
		return errors.Invalid(errors.Op("thread.Wait"), "waiting reason is required")
	}
	if (reason == WaitingPermission) != (pending != nil) {
		return errors.Invalid(errors.Op("thread.Wait"), "pending permission must accompany a permission wait")
	}
	if err := t.Transition(StatusWaiting); err != nil {
		return err
	}
	t.WaitingReason = reason
	t.PendingPermission = pending
	return nil
}
