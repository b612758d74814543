// Package lock provides per-thread execution tokens and the server's
// single-instance lock file.
package lock

import (
	"context"
	"sync"
)

// Keyed hands out at most one token per key at a time.
type Keyed struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyed creates an empty token table.
func NewKeyed() *Keyed {
	return &Keyed{held: make(map[string]chan struct{})}
}

// Token is held exclusively for one key until Release.
type Token struct {
	key  string
	k    *Keyed
	done chan struct{}
	once sync.Once
}

// Key returns the key the token guards.
func (t *Token) Key() string { return t.key }

// Release frees the key. Releasing twice is a no-op.
func (t *Token) Release() {
	t.once.Do(func() {
		t.k.mu.Lock()
		if t.k.held[t.key] == t.done {
			delete(t.k.held, t.key)
		}
		t.k.mu.Unlock()
		close(t.done)
	})
}

func (k *Keyed) take(key string) (*Token, chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ch, ok := k.held[key]; ok {
		return nil, ch
	}
	t := &Token{key: key, k: k, done: make(chan struct{})}
	k.held[key] = t.done
	return t, nil
}

// TryAcquire returns the token for key if nobody holds it.
func (k *Keyed) TryAcquire(key string) (*Token, bool) {
	t, _ := k.take(key)
	return t, t != nil
}

// Acquire blocks until the token for key is free or ctx is done.
func (k *Keyed) Acquire(ctx context.Context, key string) (*Token, error) {
	for {
		t, wait := k.take(key)
		if t != nil {
			return t, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether a token for key is currently out.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[key]
	return ok
}

// Released returns a channel closed once the token is released.
func (t *Token) Released() <-chan struct{} {
	return t.done
}
