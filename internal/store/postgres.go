// Package store — PostgreSQL Store implementation backed by pgxpool.
// Selected when DATABASE_URL is set. Conversation history, approval
// arguments, and audit details are stored as JSONB.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("Postgres store initialized")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS loom_sessions (
		id           TEXT PRIMARY KEY,
		turns        JSONB NOT NULL DEFAULT '[]',
		active_agent TEXT NOT NULL,
		switch_count INT NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS loom_approvals (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		arguments   JSONB NOT NULL DEFAULT '{}',
		reason      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		decided_by  TEXT NOT NULL DEFAULT '',
		feedback    TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		resolved_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_loom_approvals_session ON loom_approvals (session_id);
	CREATE INDEX IF NOT EXISTS idx_loom_approvals_status ON loom_approvals (status);

	CREATE TABLE IF NOT EXISTS loom_audit_events (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		resource    TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		actor       TEXT NOT NULL DEFAULT '',
		details     JSONB NOT NULL DEFAULT '{}',
		ts          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_loom_audit_session ON loom_audit_events (session_id);
	CREATE INDEX IF NOT EXISTS idx_loom_audit_ts ON loom_audit_events (ts);

	CREATE TABLE IF NOT EXISTS loom_plan_audit (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		decision          TEXT NOT NULL,
		task_text         TEXT NOT NULL DEFAULT '',
		subtasks          JSONB NOT NULL DEFAULT '[]',
		modified_subtasks JSONB NOT NULL DEFAULT '[]',
		feedback          TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_loom_plan_audit_session ON loom_plan_audit (session_id);
	`
	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var turns []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, turns, active_agent, switch_count, status, created_at, updated_at
		FROM loom_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &turns, &sess.ActiveAgent, &sess.SwitchCount, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(turns, &sess.Turns); err != nil {
		return nil, fmt.Errorf("get session: decode turns: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	turns, err := json.Marshal(session.Turns)
	if err != nil {
		return fmt.Errorf("create session: encode turns: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO loom_sessions (id, turns, active_agent, switch_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, turns, session.ActiveAgent, session.SwitchCount, session.Status,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	turns, err := json.Marshal(session.Turns)
	if err != nil {
		return fmt.Errorf("update session: encode turns: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_sessions
		SET turns = $2, active_agent = $3, switch_count = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		session.ID, turns, session.ActiveAgent, session.SwitchCount, session.Status,
		session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, active_agent, switch_count, status, created_at, updated_at
		FROM loom_sessions ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.ActiveAgent, &sess.SwitchCount, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// ── Approval Store ──────────────────────────────────────────

func (s *PostgresStore) CreateApproval(ctx context.Context, record *models.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_approvals (id, session_id, tool_name, arguments, reason, status, decided_by, feedback, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.SessionID, record.ToolName, record.Arguments, record.Reason,
		record.Status, record.DecidedBy, record.Feedback, record.CreatedAt, record.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, tool_name, arguments, reason, status, decided_by, feedback, created_at, resolved_at
		FROM loom_approvals WHERE id = $1`, id).
		Scan(&r.ID, &r.SessionID, &r.ToolName, &r.Arguments, &r.Reason, &r.Status,
			&r.DecidedBy, &r.Feedback, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, record *models.ApprovalRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_approvals
		SET arguments = $2, status = $3, decided_by = $4, feedback = $5, resolved_at = $6
		WHERE id = $1`,
		record.ID, record.Arguments, record.Status, record.DecidedBy, record.Feedback, record.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "approval", Key: record.ID}
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, sessionID string, status models.ApprovalStatus, limit int) ([]models.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, session_id, tool_name, arguments, reason, status, decided_by, feedback, created_at, resolved_at
		FROM loom_approvals`
	var conds []string
	var args []interface{}
	if sessionID != "" {
		args = append(args, sessionID)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var result []models.ApprovalRequest
	for rows.Next() {
		var r models.ApprovalRequest
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ToolName, &r.Arguments, &r.Reason, &r.Status,
			&r.DecidedBy, &r.Feedback, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("list approvals: scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_audit_events (id, session_id, action, resource, resource_id, actor, details, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.SessionID, event.Action, event.Resource, event.ResourceID,
		event.Actor, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	query := `
		SELECT id, session_id, action, resource, resource_id, actor, details, ts
		FROM loom_audit_events`
	conds, args := auditConds(filter)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var result []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Action, &e.Resource, &e.ResourceID,
			&e.Actor, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("list audit events: scan: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error) {
	query := "SELECT COUNT(*) FROM loom_audit_events"
	conds, args := auditConds(filter)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

func auditConds(filter models.AuditFilter) ([]string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Resource != "" {
		add("resource = $%d", filter.Resource)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.Since != nil {
		add("ts >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("ts <= $%d", *filter.Until)
	}
	return conds, args
}

// ── Plan Audit Store ────────────────────────────────────────

func (s *PostgresStore) CreatePlanAuditEntry(ctx context.Context, entry *models.PlanAuditLogEntry) error {
	subtasks, err := json.Marshal(entry.Subtasks)
	if err != nil {
		return fmt.Errorf("create plan audit: encode subtasks: %w", err)
	}
	modified, err := json.Marshal(entry.ModifiedSubtasks)
	if err != nil {
		return fmt.Errorf("create plan audit: encode modified subtasks: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO loom_plan_audit (id, session_id, decision, task_text, subtasks, modified_subtasks, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.SessionID, entry.Decision, entry.TaskText, subtasks, modified,
		entry.Feedback, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create plan audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPlanAuditEntries(ctx context.Context, sessionID string, limit int) ([]models.PlanAuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, decision, task_text, subtasks, modified_subtasks, feedback, created_at
		FROM loom_plan_audit WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plan audit: %w", err)
	}
	defer rows.Close()

	var result []models.PlanAuditLogEntry
	for rows.Next() {
		var e models.PlanAuditLogEntry
		var subtasks, modified []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Decision, &e.TaskText, &subtasks, &modified,
			&e.Feedback, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("list plan audit: scan: %w", err)
		}
		if err := json.Unmarshal(subtasks, &e.Subtasks); err != nil {
			return nil, fmt.Errorf("list plan audit: decode subtasks: %w", err)
		}
		if err := json.Unmarshal(modified, &e.ModifiedSubtasks); err != nil {
			return nil, fmt.Errorf("list plan audit: decode modified subtasks: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
