// Package sessionlock guarantees at most one in-flight agent turn per
// session.
//
// Locks are created lazily per session id; turns on different sessions
// never contend. Acquisition is context-aware so a cancelled client
// does not queue forever behind a long turn. The decision loop uses
// the explicit Acquire/release pair because it must drop the lock
// across the human-approval suspension point and re-acquire it on
// resumption.
package sessionlock

import (
	"context"
	"sync"
)

// Manager hands out per-session mutual-exclusion locks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]chan struct{})}
}

// sem returns the session's semaphore, creating it lazily.
func (m *Manager) sem(sessionID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[sessionID] = ch
	}
	return ch
}

// Acquire blocks until the session lock is held or ctx is done.
// The returned release function is idempotent and must be called on
// every exit path.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	ch := m.sem(sessionID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-ch })
	}
	return release, nil
}

// With runs fn while holding the session lock, releasing it on every
// exit path including a panic inside fn.
func (m *Manager) With(ctx context.Context, sessionID string, fn func() error) error {
	release, err := m.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// TryAcquire acquires the lock only if it is immediately free, for
// read paths that prefer to fail fast over waiting.
func (m *Manager) TryAcquire(sessionID string) (func(), bool) {
	ch := m.sem(sessionID)
	select {
	case ch <- struct{}{}:
	default:
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, true
}
