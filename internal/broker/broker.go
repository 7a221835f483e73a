// Package broker correlates asynchronously-returning tool results with
// the turns that dispatched them.
//
// Every dispatched tool call registers a waiter keyed by call id. The
// executor's result callback settles the waiter exactly once; late or
// duplicate settlements for the same id are dropped without error so
// retried callbacks stay harmless. A per-call expiry reclaims waiters
// whose results never arrive, and cancelling a session sweeps all of
// its pending calls at once.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// ErrCallTimeout settles a waiter whose result did not arrive within
// the per-call deadline.
var ErrCallTimeout = errors.New("broker: tool call timed out waiting for result")

// ErrSessionCancelled settles every waiter of a cancelled session.
var ErrSessionCancelled = errors.New("broker: session cancelled")

// DuplicateCallError reports an attempt to register a call id that is
// already pending. Call ids are minted fresh per dispatch, so hitting
// this means a bug upstream, not a race to tolerate.
type DuplicateCallError struct {
	CallID string
}

func (e *DuplicateCallError) Error() string {
	return fmt.Sprintf("broker: call id %q is already pending", e.CallID)
}

// outcome is what a settled waiter yields.
type outcome struct {
	result *models.ToolCallResult
	err    error
}

// PendingCall is a registered waiter for one tool call's result.
type PendingCall struct {
	CallID    string
	SessionID string

	done  chan outcome
	timer *time.Timer
}

// Wait blocks until the call settles or ctx is done. On success the
// executor's result is returned; a rejected or expired call yields the
// settlement error instead.
func (p *PendingCall) Wait(ctx context.Context) (*models.ToolCallResult, error) {
	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broker is the in-memory correlation table. All methods are safe for
// concurrent use.
type Broker struct {
	mu sync.Mutex
	// pending is keyed by session id, then call id, so session-level
	// sweeps do not scan the whole table.
	pending map[string]map[string]*PendingCall
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{pending: make(map[string]map[string]*PendingCall)}
}

// Register creates a waiter for callID. The expiry, when positive,
// starts immediately: a call that outlives it settles with
// ErrCallTimeout and is removed. Registering an id that is already
// pending fails with a DuplicateCallError.
func (b *Broker) Register(sessionID, callID string, expiry time.Duration) (*PendingCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byCall, ok := b.pending[sessionID]
	if !ok {
		byCall = make(map[string]*PendingCall)
		b.pending[sessionID] = byCall
	}
	if _, exists := byCall[callID]; exists {
		return nil, &DuplicateCallError{CallID: callID}
	}

	p := &PendingCall{
		CallID:    callID,
		SessionID: sessionID,
		done:      make(chan outcome, 1),
	}
	byCall[callID] = p

	if expiry > 0 {
		p.timer = time.AfterFunc(expiry, func() {
			if b.settle(sessionID, callID, outcome{err: ErrCallTimeout}) {
				log.Warn().
					Str("session_id", sessionID).
					Str("call_id", callID).
					Dur("expiry", expiry).
					Msg("⏳ Tool call expired without a result")
			}
		})
	}
	return p, nil
}

// Resolve settles callID with the executor's result. Settling an id
// that is not pending is a no-op: the call already settled, timed out,
// or was never dispatched, and retried callbacks must stay harmless.
func (b *Broker) Resolve(sessionID string, result *models.ToolCallResult) bool {
	return b.settle(sessionID, result.CallID, outcome{result: result})
}

// Reject settles callID with an error instead of a result.
func (b *Broker) Reject(sessionID, callID string, err error) bool {
	return b.settle(sessionID, callID, outcome{err: err})
}

// settle removes the waiter under the lock and delivers the outcome
// outside it. Remove-then-deliver makes settlement exactly-once: a
// second settle for the same id finds nothing to remove.
func (b *Broker) settle(sessionID, callID string, out outcome) bool {
	b.mu.Lock()
	byCall, ok := b.pending[sessionID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	p, ok := byCall[callID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(byCall, callID)
	if len(byCall) == 0 {
		delete(b.pending, sessionID)
	}
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}

// CancelSession settles every pending call of the session with
// ErrSessionCancelled and returns how many were swept.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	byCall := b.pending[sessionID]
	delete(b.pending, sessionID)
	b.mu.Unlock()

	for _, p := range byCall {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: ErrSessionCancelled}
	}
	if n := len(byCall); n > 0 {
		log.Info().Str("session_id", sessionID).Int("swept", n).Msg("🛑 Cancelled pending tool calls for session")
		return n
	}
	return 0
}

// PendingCount reports how many calls a session has in flight.
func (b *Broker) PendingCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[sessionID])
}
