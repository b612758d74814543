// Package queue holds follow-up messages sent to a thread while its agent is busy.
package queue

import (
	"slices"
	"sync"
	"time"
)

// Item is one queued user message.
type Item struct {
	Content        string
	Images         []string
	Model          string
	PermissionMode string
	EnqueuedAt     time.Time
}

// Queue is a set of per-thread FIFOs. Items are delivered one at a time in
// the order they were pushed and are never coalesced.
type Queue struct {
	mu    sync.Mutex
	items map[string][]Item
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{items: make(map[string][]Item)}
}

// Push appends an item for threadID and returns the new queue length.
func (q *Queue) Push(threadID string, it Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now()
	}
	it.Images = slices.Clone(it.Images)
	q.items[threadID] = append(q.items[threadID], it)
	return len(q.items[threadID])
}

// Pop removes and returns the oldest item for threadID.
func (q *Queue) Pop(threadID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[threadID]
	if len(items) == 0 {
		return Item{}, false
	}
	it := items[0]
	if len(items) == 1 {
		delete(q.items, threadID)
	} else {
		q.items[threadID] = items[1:]
	}
	return it, true
}

// PushFront puts items ahead of everything queued for threadID, keeping their
// relative order, and returns the new queue length.
func (q *Queue) PushFront(threadID string, items ...Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(items) == 0 {
		return len(q.items[threadID])
	}
	now := time.Now()
	front := make([]Item, 0, len(items)+len(q.items[threadID]))
	for _, it := range items {
		if it.EnqueuedAt.IsZero() {
			it.EnqueuedAt = now
		}
		it.Images = slices.Clone(it.Images)
		front = append(front, it)
	}
	q.items[threadID] = append(front, q.items[threadID]...)
	return len(q.items[threadID])
}

// Len returns the number of items queued for threadID.
func (q *Queue) Len(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[threadID])
}

// Clear drops every item for threadID and returns how many were dropped.
func (q *Queue) Clear(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items[threadID])
	delete(q.items, threadID)
	return n
}
