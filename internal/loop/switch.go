package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/internal/bus"
	"github.com/loomhq/loom/control-plane/internal/sessionlock"
	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// InvalidSwitchError reports a hand-off that cannot happen: an unknown
// target kind or a switch to the already-active agent. Recoverable;
// the loop feeds it back to the agent as a turn.
type InvalidSwitchError struct {
	SessionID string
	Target    models.AgentKind
	Detail    string
}

func (e *InvalidSwitchError) Error() string {
	return fmt.Sprintf("cannot switch session %s to %q: %s", e.SessionID, e.Target, e.Detail)
}

// SwitchController changes a session's active agent. All mutations go
// through it so every hand-off is validated the same way, recorded in
// history, and announced on the bus exactly once.
type SwitchController struct {
	store store.SessionStore
	locks *sessionlock.Manager
	bus   *bus.Bus
}

// NewSwitchController creates a switch controller.
func NewSwitchController(st store.SessionStore, locks *sessionlock.Manager, b *bus.Bus) *SwitchController {
	return &SwitchController{store: st, locks: locks, bus: b}
}

// Apply validates and performs a hand-off on a session the caller
// already holds the lock for. The mutation is in-memory; the caller
// persists the session when its turn completes.
func (c *SwitchController) Apply(sess *models.Session, target models.AgentKind, reason string) error {
	if !target.Valid() {
		return &InvalidSwitchError{SessionID: sess.ID, Target: target, Detail: "unknown agent kind"}
	}
	if target == sess.ActiveAgent {
		return &InvalidSwitchError{SessionID: sess.ID, Target: target, Detail: "agent is already active"}
	}

	from := sess.ActiveAgent
	now := time.Now().UTC()
	sess.ActiveAgent = target
	sess.SwitchCount++

	// The hand-off is visible in history so the next decision call
	// knows which agent is speaking and why.
	note := fmt.Sprintf("Agent switched from %s to %s.", from, target)
	if reason != "" {
		note += " Reason: " + reason
	}
	sess.Turns = append(sess.Turns, models.Turn{
		Role:      models.RoleSystem,
		Content:   note,
		Timestamp: now,
	})

	log.Info().
		Str("session_id", sess.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("reason", reason).
		Int("switch_count", sess.SwitchCount).
		Msg("🔀 Agent switched")

	c.bus.Publish(models.AgentSwitched{
		SessionID: sess.ID,
		From:      from,
		To:        target,
		Reason:    reason,
		Timestamp: now,
	})
	return nil
}

// Switch performs a hand-off on an idle session, taking the session
// lock itself. This is the path for explicit switches via the API, as
// opposed to in-turn AskAgent steps which use Apply under the turn's
// lock.
func (c *SwitchController) Switch(ctx context.Context, sessionID string, target models.AgentKind, reason string) (*models.Session, error) {
	release, err := c.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.Apply(sess, target, reason); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}
