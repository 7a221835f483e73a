package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return st
}

// ─── Sessions ────────────────────────────────────────────────

func TestSessionCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &models.Session{
		ID:          "sess-1",
		ActiveAgent: models.KindOrchestrator,
		Status:      models.SessionActive,
		Turns: []models.Turn{
			{Role: models.RoleUser, Content: "hello", Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ActiveAgent != models.KindOrchestrator {
		t.Errorf("ActiveAgent = %s, want orchestrator", got.ActiveAgent)
	}
	if len(got.Turns) != 1 || got.Turns[0].Content != "hello" {
		t.Errorf("Turns = %+v, want the user turn", got.Turns)
	}

	got.ActiveAgent = models.KindCoder
	got.Turns = append(got.Turns, models.Turn{Role: models.RoleAssistant, Content: "hi"})
	if err := st.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	updated, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() after update error = %v", err)
	}
	if updated.ActiveAgent != models.KindCoder {
		t.Errorf("ActiveAgent after update = %s, want coder", updated.ActiveAgent)
	}
	if len(updated.Turns) != 2 {
		t.Errorf("len(Turns) after update = %d, want 2", len(updated.Turns))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession(context.Background(), "nope")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("GetSession() error = %v, want *ErrNotFound", err)
	}
	if notFound.Entity != "session" || notFound.Key != "nope" {
		t.Errorf("ErrNotFound = %+v, want session/nope", notFound)
	}
}

func TestUpdateSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateSession(context.Background(), &models.Session{ID: "nope"})
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("UpdateSession() error = %v, want *ErrNotFound", err)
	}
}

func TestGetSessionReturnsCopy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:    "sess-1",
		Turns: []models.Turn{{Role: models.RoleUser, Content: "original"}},
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, _ := st.GetSession(ctx, "sess-1")
	got.Turns[0].Content = "mutated"

	fresh, _ := st.GetSession(ctx, "sess-1")
	if fresh.Turns[0].Content != "original" {
		t.Error("mutating a returned session leaked into the store")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		err := st.CreateSession(ctx, &models.Session{
			ID:        id,
			Turns:     []models.Turn{{Role: models.RoleUser, Content: "x"}},
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}

	sessions, err := st.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2 (limit)", len(sessions))
	}
	if sessions[0].ID != "new" || sessions[1].ID != "mid" {
		t.Errorf("order = [%s %s], want [new mid]", sessions[0].ID, sessions[1].ID)
	}
	if sessions[0].Turns != nil {
		t.Error("list view should omit turn history")
	}
}

// ─── Approvals ───────────────────────────────────────────────

func TestApprovalCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	record := &models.ApprovalRequest{
		ID:        "call-1",
		SessionID: "sess-1",
		ToolName:  "write_file",
		Status:    models.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateApproval(ctx, record); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}

	got, err := st.GetApproval(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if got.Status != models.ApprovalPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	now := time.Now().UTC()
	got.Status = models.ApprovalApproved
	got.DecidedBy = "reviewer"
	got.ResolvedAt = &now
	if err := st.UpdateApproval(ctx, got); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	updated, _ := st.GetApproval(ctx, "call-1")
	if updated.Status != models.ApprovalApproved || updated.DecidedBy != "reviewer" {
		t.Errorf("updated record = %+v, want approved by reviewer", updated)
	}
}

func TestListApprovalsFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	seed := []models.ApprovalRequest{
		{ID: "a", SessionID: "sess-1", Status: models.ApprovalPending, CreatedAt: base},
		{ID: "b", SessionID: "sess-1", Status: models.ApprovalApproved, CreatedAt: base.Add(time.Second)},
		{ID: "c", SessionID: "sess-2", Status: models.ApprovalPending, CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range seed {
		if err := st.CreateApproval(ctx, &seed[i]); err != nil {
			t.Fatalf("CreateApproval(%s) error = %v", seed[i].ID, err)
		}
	}

	pending, err := st.ListApprovals(ctx, "sess-1", models.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Errorf("ListApprovals(sess-1, pending) = %+v, want [a]", pending)
	}

	all, err := st.ListApprovals(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("ListApprovals(all) error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].ID != "c" {
		t.Errorf("newest first: all[0].ID = %s, want c", all[0].ID)
	}
}

// ─── Audit ───────────────────────────────────────────────────

func TestAuditEventsFilterAndCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	seed := []models.AuditEvent{
		{ID: "1", SessionID: "sess-1", Action: "tool.dispatched", Resource: "tool_call", Timestamp: base},
		{ID: "2", SessionID: "sess-1", Action: "approval.approved", Resource: "approval", Actor: "reviewer", Timestamp: base.Add(time.Second)},
		{ID: "3", SessionID: "sess-2", Action: "tool.dispatched", Resource: "tool_call", Timestamp: base.Add(2 * time.Second)},
	}
	for i := range seed {
		if err := st.CreateAuditEvent(ctx, &seed[i]); err != nil {
			t.Fatalf("CreateAuditEvent(%s) error = %v", seed[i].ID, err)
		}
	}

	events, err := st.ListAuditEvents(ctx, models.AuditFilter{Action: "tool.dispatched"})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != "3" {
		t.Errorf("newest first: events[0].ID = %s, want 3", events[0].ID)
	}

	byActor, err := st.ListAuditEvents(ctx, models.AuditFilter{Actor: "reviewer"})
	if err != nil {
		t.Fatalf("ListAuditEvents(actor) error = %v", err)
	}
	if len(byActor) != 1 || byActor[0].ID != "2" {
		t.Errorf("ListAuditEvents(actor=reviewer) = %+v, want [2]", byActor)
	}

	since := base.Add(500 * time.Millisecond)
	recent, err := st.ListAuditEvents(ctx, models.AuditFilter{Since: &since})
	if err != nil {
		t.Fatalf("ListAuditEvents(since) error = %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("len(since-filtered) = %d, want 2", len(recent))
	}

	count, err := st.CountAuditEvents(ctx, models.AuditFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("CountAuditEvents() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountAuditEvents(sess-1) = %d, want 2", count)
	}
}

func TestAuditEventsPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := st.CreateAuditEvent(ctx, &models.AuditEvent{
			ID:        string(rune('a' + i)),
			SessionID: "sess-1",
			Action:    "turn.finished",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateAuditEvent() error = %v", err)
		}
	}

	page, err := st.ListAuditEvents(ctx, models.AuditFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	// Newest first, offset skips the newest.
	if page[0].ID != "d" || page[1].ID != "c" {
		t.Errorf("page = [%s %s], want [d c]", page[0].ID, page[1].ID)
	}
}

// ─── Plan audit ──────────────────────────────────────────────

func TestPlanAuditEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entries := []models.PlanAuditLogEntry{
		{ID: "p1", SessionID: "sess-1", Decision: "approve", TaskText: "refactor auth"},
		{ID: "p2", SessionID: "sess-1", Decision: "edit", TaskText: "add caching", ModifiedSubtasks: []string{"cache reads"}},
		{ID: "p3", SessionID: "sess-2", Decision: "reject", TaskText: "rewrite everything"},
	}
	for i := range entries {
		if err := st.CreatePlanAuditEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("CreatePlanAuditEntry(%s) error = %v", entries[i].ID, err)
		}
	}

	got, err := st.ListPlanAuditEntries(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("ListPlanAuditEntries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(got))
	}
	if got[0].ID != "p2" {
		t.Errorf("newest first: got[0].ID = %s, want p2", got[0].ID)
	}
	if got[0].ModifiedSubtasks[0] != "cache reads" {
		t.Errorf("ModifiedSubtasks = %v, want the edited subtask", got[0].ModifiedSubtasks)
	}

	limited, err := st.ListPlanAuditEntries(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListPlanAuditEntries(limit) error = %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "p3" {
		t.Errorf("limited = %+v, want [p3]", limited)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────

func TestCloseIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
