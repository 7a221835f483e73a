// Package contracts defines the service interfaces for the Loom
// control plane.
//
// These interfaces form the boundary between the control plane and its
// external collaborators: the LLM decision service and the tool
// executor running next to the workspace. The decision loop depends
// only on these interfaces, so tests swap in scripted fakes and
// deployments swap transports without touching loop code.
package contracts

import (
	"context"

	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so embedding services can reference it without
// importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Decider ─────────────────────────────────────────────────

// Decider asks the LLM decision service what an agent does next given
// the session history. Implementations must return exactly one Step
// per call.
type Decider interface {
	Decide(ctx context.Context, agent models.AgentKind, turns []models.Turn) (models.Step, error)
}

// ── Tool Executor ───────────────────────────────────────────

// ToolExecutor hands an approved tool call to the workspace-side
// executor. Dispatch returns once the call is accepted; the result
// arrives asynchronously on the tool-results callback and is settled
// through the correlation broker.
type ToolExecutor interface {
	Dispatch(ctx context.Context, call *models.ToolCallRequest) error
}
