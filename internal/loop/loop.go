// Package loop runs the agent decision loop: one user message in, a
// bounded number of decide/act cycles, one finished turn out.
//
// The loop owns the session lock for the whole turn with a single
// exception: while a tool call waits for human approval the lock is
// released, so the session stays readable and other control-plane
// operations can proceed. Every recoverable fault (permission denial,
// rejected approval, tool failure, timeout) is converted into a
// conversation turn and handed back to the agent; only upstream
// failures and the step budget end a turn abnormally.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/internal/approval"
	"github.com/loomhq/loom/control-plane/internal/broker"
	"github.com/loomhq/loom/control-plane/internal/bus"
	"github.com/loomhq/loom/control-plane/internal/capability"
	"github.com/loomhq/loom/control-plane/internal/sessionlock"
	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/contracts"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// State names the decision loop's position within a turn. States are
// logged, not persisted; the session record only keeps the coarse
// status.
type State string

const (
	StateDeciding         State = "deciding"
	StateDispatching      State = "dispatching"
	StateAwaitingApproval State = "awaiting_approval"
	StateAwaitingResult   State = "awaiting_result"
	StateSwitching        State = "switching"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// DefaultStepBudget bounds decision cycles per turn when no budget is
// configured.
const DefaultStepBudget = 8

// DefaultToolCallTimeout bounds a dispatched call when no timeout is
// configured; a zero timeout would leave orphaned waiters in the
// broker forever.
const DefaultToolCallTimeout = 90 * time.Second

// StepBudgetExceededError ends a turn that never converged.
type StepBudgetExceededError struct {
	SessionID string
	Budget    int
}

func (e *StepBudgetExceededError) Error() string {
	return fmt.Sprintf("session %s exceeded the step budget of %d decisions", e.SessionID, e.Budget)
}

// PermissionDeniedError reports a tool call outside the active agent's
// capability profile. The loop recovers from it by feeding the denial
// back to the agent; it escapes only through audit details.
type PermissionDeniedError struct {
	Agent  models.AgentKind
	Tool   string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("agent %s denied tool %s: %s", e.Agent, e.Tool, e.Reason)
}

// Config bounds a single turn.
type Config struct {
	StepBudget      int
	ToolCallTimeout time.Duration
}

// Orchestrator drives turns across all sessions.
type Orchestrator struct {
	store    store.Store
	registry *capability.Registry
	policy   *approval.Engine
	gate     *approval.Gate
	broker   *broker.Broker
	locks    *sessionlock.Manager
	bus      *bus.Bus
	decider  contracts.Decider
	executor contracts.ToolExecutor
	switcher *SwitchController
	cfg      Config
}

// NewOrchestrator wires the loop's collaborators.
func NewOrchestrator(
	st store.Store,
	registry *capability.Registry,
	policy *approval.Engine,
	gate *approval.Gate,
	brk *broker.Broker,
	locks *sessionlock.Manager,
	b *bus.Bus,
	decider contracts.Decider,
	exec contracts.ToolExecutor,
	switcher *SwitchController,
	cfg Config,
) *Orchestrator {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = DefaultStepBudget
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = DefaultToolCallTimeout
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		policy:   policy,
		gate:     gate,
		broker:   brk,
		locks:    locks,
		bus:      b,
		decider:  decider,
		executor: exec,
		switcher: switcher,
		cfg:      cfg,
	}
}

// turnLock lets the approval branch release the session lock during
// suspension and take it back before mutating the session again.
// held tracks whether the turn currently owns the lock; after a failed
// relock the session must not be touched again.
type turnLock struct {
	locks     *sessionlock.Manager
	sessionID string
	release   func()
	held      bool
}

func (l *turnLock) unlock() {
	if !l.held {
		return
	}
	l.release()
	l.held = false
}

func (l *turnLock) relock(ctx context.Context) error {
	release, err := l.locks.Acquire(ctx, l.sessionID)
	if err != nil {
		return err
	}
	l.release = release
	l.held = true
	return nil
}

// HandleMessage appends the user message to the session and runs the
// decision loop until the turn finishes or fails. The returned session
// reflects everything the turn appended, including failure notes.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, message string) (*models.Session, error) {
	release, err := o.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	lk := &turnLock{locks: o.locks, sessionID: sessionID, release: release, held: true}
	defer lk.unlock()

	sess, created, err := o.getOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("session_id", sessionID).Str("agent", string(sess.ActiveAgent)).Msg("🧵 Session created")
	}

	appendTurn(sess, models.RoleUser, message, "")
	sess.Status = models.SessionActive

	runErr := o.runTurn(ctx, lk, sess)

	// If the relock after an approval suspension failed, the lock is
	// gone and this snapshot is stale; writing it would clobber
	// whatever advanced the session in the meantime.
	if !lk.held {
		return sess, runErr
	}

	sess.Status = models.SessionIdle
	sess.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("persist session: %w", err)
	}
	return sess, runErr
}

func (o *Orchestrator) getOrCreateSession(ctx context.Context, sessionID string) (*models.Session, bool, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err == nil {
		return sess, false, nil
	}
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	sess = &models.Session{
		ID:          sessionID,
		ActiveAgent: models.KindOrchestrator,
		Status:      models.SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// runTurn is the decision loop. It mutates sess in place; the caller
// persists it. The step type switch below is the single dispatch site
// for everything an agent can decide.
func (o *Orchestrator) runTurn(ctx context.Context, lk *turnLock, sess *models.Session) error {
	state := StateDeciding
	for steps := 0; ; {
		if steps >= o.cfg.StepBudget {
			budgetErr := &StepBudgetExceededError{SessionID: sess.ID, Budget: o.cfg.StepBudget}
			appendTurn(sess, models.RoleSystem,
				fmt.Sprintf("Turn aborted: %d decisions without finishing.", o.cfg.StepBudget), "")
			o.finishTurn(sess, "", steps, true)
			log.Warn().Str("session_id", sess.ID).Int("budget", o.cfg.StepBudget).Msg("🔥 Step budget exceeded")
			return budgetErr
		}

		step, err := o.decider.Decide(ctx, sess.ActiveAgent, sess.Turns)
		if err != nil {
			o.finishTurn(sess, "", steps, true)
			return fmt.Errorf("decide: %w", err)
		}
		steps++

		switch s := step.(type) {
		case models.Reply:
			appendTurn(sess, models.RoleAssistant, s.Text, "")
			state = StateDeciding

		case models.Finish:
			appendTurn(sess, models.RoleAssistant, s.Summary, "")
			state = StateDone
			o.finishTurn(sess, s.Summary, steps, false)
			log.Info().
				Str("session_id", sess.ID).
				Str("agent", string(sess.ActiveAgent)).
				Int("steps", steps).
				Msg("✅ Turn finished")
			return nil

		case models.AskAgent:
			state = StateSwitching
			if err := o.switcher.Apply(sess, s.Target, s.Reason); err != nil {
				var invalid *InvalidSwitchError
				if errors.As(err, &invalid) {
					appendTurn(sess, models.RoleSystem, "Switch refused: "+invalid.Detail, "")
					state = StateDeciding
					continue
				}
				o.finishTurn(sess, "", steps, true)
				return err
			}
			state = StateDeciding

		case models.UseTool:
			state = StateDispatching
			if err := o.handleToolCall(ctx, lk, sess, s); err != nil {
				o.finishTurn(sess, "", steps, true)
				return err
			}
			state = StateDeciding

		default:
			o.finishTurn(sess, "", steps, true)
			return fmt.Errorf("decider returned unknown step type %T", step)
		}

		log.Debug().
			Str("session_id", sess.ID).
			Str("state", string(state)).
			Int("steps", steps).
			Msg("Decision loop continuing")
	}
}

// handleToolCall takes one UseTool step through permission check,
// policy classification, optional human approval, dispatch, and
// result settlement. Exactly one request turn and one result turn are
// appended per call, whatever the outcome after the request turn.
// A non-nil return means the turn must fail; recoverable outcomes are
// appended as turns and return nil.
func (o *Orchestrator) handleToolCall(ctx context.Context, lk *turnLock, sess *models.Session, s models.UseTool) error {
	// Capability check comes before everything else, including the
	// request turn: a denied call was never a call.
	if !o.registry.IsToolAllowed(sess.ActiveAgent, s.ToolName) {
		reason := o.registry.DenialReason(sess.ActiveAgent, s.ToolName)
		denied := &PermissionDeniedError{Agent: sess.ActiveAgent, Tool: s.ToolName, Reason: reason}
		log.Info().
			Str("session_id", sess.ID).
			Str("agent", string(sess.ActiveAgent)).
			Str("tool", s.ToolName).
			Msg("🚫 Tool call denied by capability profile")
		appendTurn(sess, models.RoleTool, "Permission denied: "+denied.Reason, s.ToolName)
		return nil
	}
	if p := argPath(s.Arguments); p != "" && !o.registry.IsPathAllowed(sess.ActiveAgent, p) {
		reason := o.registry.PathDenialReason(sess.ActiveAgent, p)
		appendTurn(sess, models.RoleTool, "Permission denied: "+reason, s.ToolName)
		return nil
	}

	callID := uuid.NewString()
	call := &models.ToolCallRequest{
		CallID:    callID,
		SessionID: sess.ID,
		ToolName:  s.ToolName,
		Arguments: s.Arguments,
	}

	verdict := o.policy.Classify(s.ToolName, s.Arguments)
	if verdict.Action == models.ActionDeny {
		appendTurn(sess, models.RoleTool, "Tool call denied by policy: "+verdict.Reason, s.ToolName)
		return nil
	}

	appendTurn(sess, models.RoleAssistant, describeCall(call), s.ToolName)

	if verdict.Action == models.ActionRequireApproval {
		call.RequiresApproval = true
		decision, err := o.awaitApproval(ctx, lk, sess, call, verdict.Reason)
		if err != nil {
			var rejected *approval.RejectedError
			var expired *approval.ExpiredError
			switch {
			case errors.As(err, &rejected):
				feedback := "The human reviewer rejected this tool call."
				if rejected.Feedback != "" {
					feedback += " Feedback: " + rejected.Feedback
				}
				appendTurn(sess, models.RoleTool, feedback, s.ToolName)
				return nil
			case errors.As(err, &expired):
				appendTurn(sess, models.RoleTool,
					"The tool call was not approved in time and has expired. Do not retry it unless asked.", s.ToolName)
				return nil
			default:
				return err
			}
		}
		if decision != nil && decision.ModifiedArguments != nil {
			call.Arguments = decision.ModifiedArguments
		}
	}

	return o.dispatchAndSettle(ctx, sess, call)
}

// awaitApproval suspends the turn on the approval gate. The session
// lock is released for the whole suspension and retaken before the
// session is touched again; the suspended state is persisted first so
// reviewers see it.
func (o *Orchestrator) awaitApproval(ctx context.Context, lk *turnLock, sess *models.Session, call *models.ToolCallRequest, reason string) (*models.ApprovalDecision, error) {
	if _, err := o.gate.Request(ctx, call, reason); err != nil {
		return nil, err
	}

	sess.Status = models.SessionAwaitingApproval
	sess.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist suspended session: %w", err)
	}

	lk.unlock()
	decision, awaitErr := o.gate.Await(ctx, call.CallID)
	if err := lk.relock(ctx); err != nil {
		return nil, err
	}

	// While the lock was down the session may have moved on (explicit
	// agent switch, another replica). Resume from the stored state.
	fresh, err := o.store.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	*sess = *fresh
	sess.Status = models.SessionActive

	return decision, awaitErr
}

// dispatchAndSettle registers the broker waiter, hands the call to the
// executor, and blocks for the result. Every outcome lands as exactly
// one tool turn.
func (o *Orchestrator) dispatchAndSettle(ctx context.Context, sess *models.Session, call *models.ToolCallRequest) error {
	pending, err := o.broker.Register(sess.ID, call.CallID, o.cfg.ToolCallTimeout)
	if err != nil {
		// Duplicate registration means the id generator or the loop is
		// broken; nothing an agent can recover from.
		return err
	}

	if err := o.executor.Dispatch(ctx, call); err != nil {
		o.broker.Reject(sess.ID, call.CallID, err)
		appendTurn(sess, models.RoleTool, "Tool execution failed: "+err.Error(), call.ToolName)
		return nil
	}

	o.bus.Publish(models.ToolCallDispatched{
		SessionID: sess.ID,
		CallID:    call.CallID,
		ToolName:  call.ToolName,
		Timestamp: time.Now().UTC(),
	})

	result, err := pending.Wait(ctx)
	switch {
	case err == nil && result.Error != "":
		appendTurn(sess, models.RoleTool, "Tool reported an error: "+result.Error, call.ToolName)
	case err == nil:
		appendTurn(sess, models.RoleTool, renderResult(result), call.ToolName)
	case errors.Is(err, broker.ErrCallTimeout):
		appendTurn(sess, models.RoleTool,
			"The tool call timed out before a result arrived. The operation may or may not have completed.", call.ToolName)
	case errors.Is(err, broker.ErrSessionCancelled):
		return err
	default:
		if ctx.Err() != nil {
			// The client went away mid-call; settle the waiter so the
			// broker entry does not outlive the turn.
			o.broker.Reject(sess.ID, call.CallID, ctx.Err())
			return ctx.Err()
		}
		appendTurn(sess, models.RoleTool, "Tool execution failed: "+err.Error(), call.ToolName)
	}
	return nil
}

func (o *Orchestrator) finishTurn(sess *models.Session, summary string, steps int, failed bool) {
	o.bus.Publish(models.TurnFinished{
		SessionID: sess.ID,
		Summary:   summary,
		Steps:     steps,
		Failed:    failed,
		Timestamp: time.Now().UTC(),
	})
}

// CancelSession sweeps a session's pending tool calls so suspended
// turns unwind instead of waiting out their timeouts.
func (o *Orchestrator) CancelSession(sessionID string) int {
	return o.broker.CancelSession(sessionID)
}

func appendTurn(sess *models.Session, role models.TurnRole, content, toolName string) {
	sess.Turns = append(sess.Turns, models.Turn{
		Role:      role,
		Content:   content,
		ToolName:  toolName,
		Timestamp: time.Now().UTC(),
	})
}

// argPath pulls the file path argument out of a tool call, if any.
func argPath(args map[string]interface{}) string {
	for _, key := range []string{"path", "file_path"} {
		if v, ok := args[key].(string); ok {
			return v
		}
	}
	return ""
}

func describeCall(call *models.ToolCallRequest) string {
	args, _ := json.Marshal(call.Arguments)
	return fmt.Sprintf("Calling tool %s with arguments %s", call.ToolName, string(args))
}

func renderResult(result *models.ToolCallResult) string {
	out, err := json.Marshal(result.Result)
	if err != nil || string(out) == "null" {
		return "Tool completed with no output."
	}
	return string(out)
}
