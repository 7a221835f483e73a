// Package store provides the storage interface and implementations for
// the Loom control plane. The in-memory store serves local development
// and tests; PostgreSQL backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
// Handler and loop code depend on this interface, making it easy to
// swap between in-memory (tests) and PostgreSQL (production)
// implementations.
type Store interface {
	SessionStore
	ApprovalStore
	AuditStore
	PlanAuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations.
	Migrate(ctx context.Context) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore manages multi-turn conversation sessions. Sessions are
// mutated only under their session lock, so implementations do not
// need per-row optimistic locking.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
}

// ── Approval Store ──────────────────────────────────────────

// ApprovalStore persists approval requests durably. Records survive
// terminal transitions; the audit trail depends on them.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, record *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, record *models.ApprovalRequest) error
	ListApprovals(ctx context.Context, sessionID string, status models.ApprovalStatus, limit int) ([]models.ApprovalRequest, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEvent persists an audit event.
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns filtered audit events, newest first.
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)

	// CountAuditEvents returns the count of events matching the filter.
	CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error)
}

// ── Plan Audit Store ────────────────────────────────────────

// PlanAuditStore keeps the log of human decisions on multi-step plans.
type PlanAuditStore interface {
	CreatePlanAuditEntry(ctx context.Context, entry *models.PlanAuditLogEntry) error
	ListPlanAuditEntries(ctx context.Context, sessionID string, limit int) ([]models.PlanAuditLogEntry, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
