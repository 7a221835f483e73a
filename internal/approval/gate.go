package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/internal/bus"
	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// storePollInterval is how often Await checks the store for decisions
// delivered out-of-band (another replica, direct DB update).
const storePollInterval = 5 * time.Second

// ErrUnknownDecision rejects decisions outside approve/edit/reject.
var ErrUnknownDecision = errors.New("unknown decision")

// RejectedError reports a human rejection. It is recoverable: the
// decision loop turns it into feedback for the agent.
type RejectedError struct {
	ApprovalID string
	Feedback   string
}

func (e *RejectedError) Error() string {
	if e.Feedback != "" {
		return fmt.Sprintf("approval %s rejected: %s", e.ApprovalID, e.Feedback)
	}
	return fmt.Sprintf("approval %s rejected", e.ApprovalID)
}

// ExpiredError reports that no decision arrived within the SLA.
// Also recoverable.
type ExpiredError struct {
	ApprovalID string
	After      time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("approval %s expired after %s without a decision", e.ApprovalID, e.After)
}

// Gate suspends tool calls until a human decides. Records are durable
// (store-backed); waiters are in-memory channels for fast signaling,
// with store polling as the fallback path.
type Gate struct {
	store   store.ApprovalStore
	bus     *bus.Bus
	timeout time.Duration

	// transitionMu serializes the read-check-write of terminal
	// transitions. Without it two racing decisions (or a decision
	// racing the SLA expiry) can both pass the terminal check and the
	// later write overwrites the earlier terminal state.
	transitionMu sync.Mutex

	waitersMu sync.RWMutex
	waiters   map[string]chan models.ApprovalDecision // key: approval id
}

// NewGate creates a gate. timeout is the decision SLA; zero means wait
// until the caller's context expires.
func NewGate(st store.ApprovalStore, b *bus.Bus, timeout time.Duration) *Gate {
	return &Gate{
		store:   st,
		bus:     b,
		timeout: timeout,
		waiters: make(map[string]chan models.ApprovalDecision),
	}
}

// Request creates a durable pending approval for the tool call and
// announces it. The approval id is the tool call's correlation id.
func (g *Gate) Request(ctx context.Context, call *models.ToolCallRequest, reason string) (*models.ApprovalRequest, error) {
	record := &models.ApprovalRequest{
		ID:        call.CallID,
		SessionID: call.SessionID,
		ToolName:  call.ToolName,
		Arguments: call.Arguments,
		Reason:    reason,
		Status:    models.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.CreateApproval(ctx, record); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	log.Info().
		Str("approval_id", record.ID).
		Str("session_id", record.SessionID).
		Str("tool", record.ToolName).
		Str("reason", reason).
		Msg("⏸️  Tool call waiting for approval")

	g.bus.Publish(models.ApprovalRequested{
		ApprovalID: record.ID,
		SessionID:  record.SessionID,
		ToolName:   record.ToolName,
		Reason:     reason,
		Timestamp:  record.CreatedAt,
	})
	return record, nil
}

// Await blocks until the approval reaches a terminal state. An approve
// (or edit) decision returns nil with the possibly-substituted
// arguments; rejection and expiry come back as RejectedError and
// ExpiredError.
func (g *Gate) Await(ctx context.Context, approvalID string) (*models.ApprovalDecision, error) {
	ch := make(chan models.ApprovalDecision, 1)
	g.waitersMu.Lock()
	g.waiters[approvalID] = ch
	g.waitersMu.Unlock()
	defer func() {
		g.waitersMu.Lock()
		delete(g.waiters, approvalID)
		g.waitersMu.Unlock()
	}()

	gateCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// A decision delivered between Request and this point has no
	// waiter to signal; catch it now instead of on the first poll.
	if record, err := g.store.GetApproval(gateCtx, approvalID); err == nil && record.Status.Terminal() {
		return g.recordOutcome(record)
	}

	pollTicker := time.NewTicker(storePollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case decision := <-ch:
			return g.decisionOutcome(approvalID, decision)

		case <-pollTicker.C:
			record, err := g.store.GetApproval(gateCtx, approvalID)
			if err == nil && record.Status.Terminal() {
				return g.recordOutcome(record)
			}

		case <-gateCtx.Done():
			if g.timeout > 0 && ctx.Err() == nil {
				return nil, g.expire(ctx, approvalID)
			}
			return nil, ctx.Err()
		}
	}
}

// Decide applies a human decision. Terminal states are one-way: once a
// record is approved, rejected, or expired, any further decision is a
// no-op that returns the settled record, so retried callbacks and
// racing approvers stay harmless.
func (g *Gate) Decide(ctx context.Context, approvalID string, decision models.ApprovalDecision) (*models.ApprovalRequest, bool, error) {
	g.transitionMu.Lock()
	defer g.transitionMu.Unlock()

	record, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, false, err
	}
	if record.Status.Terminal() {
		log.Debug().
			Str("approval_id", approvalID).
			Str("status", string(record.Status)).
			Msg("Decision on settled approval ignored")
		return record, false, nil
	}

	now := time.Now().UTC()
	switch decision.Decision {
	case "approve":
		record.Status = models.ApprovalApproved
	case "edit":
		// Edit is an approve with substituted arguments.
		record.Status = models.ApprovalApproved
		if decision.ModifiedArguments != nil {
			record.Arguments = decision.ModifiedArguments
		}
	case "reject":
		record.Status = models.ApprovalRejected
	default:
		return nil, false, fmt.Errorf("%w %q", ErrUnknownDecision, decision.Decision)
	}
	record.DecidedBy = decision.DecidedBy
	record.Feedback = decision.Feedback
	record.ResolvedAt = &now

	if err := g.store.UpdateApproval(ctx, record); err != nil {
		return nil, false, fmt.Errorf("update approval: %w", err)
	}

	log.Info().
		Str("approval_id", approvalID).
		Str("status", string(record.Status)).
		Str("decided_by", decision.DecidedBy).
		Msg("✅ Approval decided")

	g.bus.Publish(models.ApprovalDecided{
		ApprovalID: approvalID,
		SessionID:  record.SessionID,
		Status:     record.Status,
		DecidedBy:  decision.DecidedBy,
		Reason:     decision.Feedback,
		Timestamp:  now,
	})

	g.waitersMu.RLock()
	ch, ok := g.waiters[approvalID]
	g.waitersMu.RUnlock()
	if ok {
		select {
		case ch <- decision:
		default:
		}
	}
	return record, true, nil
}

// expire marks a pending approval expired after the SLA elapsed.
// A decision that raced the deadline wins: expiry never overwrites a
// terminal state.
func (g *Gate) expire(ctx context.Context, approvalID string) error {
	g.transitionMu.Lock()
	defer g.transitionMu.Unlock()

	record, err := g.store.GetApproval(ctx, approvalID)
	if err == nil && !record.Status.Terminal() {
		now := time.Now().UTC()
		record.Status = models.ApprovalExpired
		record.ResolvedAt = &now
		if err := g.store.UpdateApproval(ctx, record); err != nil {
			log.Error().Err(err).Str("approval_id", approvalID).Msg("Failed to mark approval expired")
		}
		log.Warn().
			Str("approval_id", approvalID).
			Dur("timeout", g.timeout).
			Msg("⏳ Approval expired without a decision")
		g.bus.Publish(models.ApprovalDecided{
			ApprovalID: approvalID,
			SessionID:  record.SessionID,
			Status:     models.ApprovalExpired,
			Timestamp:  now,
		})
	}
	if err == nil && record.Status == models.ApprovalRejected {
		return &RejectedError{ApprovalID: approvalID, Feedback: record.Feedback}
	}
	if err == nil && record.Status == models.ApprovalApproved {
		// The decision landed just as the deadline fired; honor it.
		return nil
	}
	return &ExpiredError{ApprovalID: approvalID, After: g.timeout}
}

func (g *Gate) decisionOutcome(approvalID string, decision models.ApprovalDecision) (*models.ApprovalDecision, error) {
	switch decision.Decision {
	case "approve", "edit":
		return &decision, nil
	case "reject":
		return nil, &RejectedError{ApprovalID: approvalID, Feedback: decision.Feedback}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDecision, decision.Decision)
	}
}

func (g *Gate) recordOutcome(record *models.ApprovalRequest) (*models.ApprovalDecision, error) {
	switch record.Status {
	case models.ApprovalApproved:
		return &models.ApprovalDecision{
			Decision:          "approve",
			DecidedBy:         record.DecidedBy,
			ModifiedArguments: record.Arguments,
			Feedback:          record.Feedback,
		}, nil
	case models.ApprovalRejected:
		return nil, &RejectedError{ApprovalID: record.ID, Feedback: record.Feedback}
	case models.ApprovalExpired:
		return nil, &ExpiredError{ApprovalID: record.ID, After: g.timeout}
	default:
		return nil, fmt.Errorf("approval %s is not terminal", record.ID)
	}
}
