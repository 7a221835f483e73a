package approval_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/control-plane/internal/approval"
	"github.com/loomhq/loom/control-plane/internal/bus"
	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

func newGate(t *testing.T, timeout time.Duration) (*approval.Gate, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return approval.NewGate(st, bus.New(), timeout), st
}

func testCall(callID string) *models.ToolCallRequest {
	return &models.ToolCallRequest{
		CallID:    callID,
		SessionID: "sess-1",
		ToolName:  "write_file",
		Arguments: map[string]interface{}{"path": "main.go", "content": "package main"},
	}
}

type awaitResult struct {
	decision *models.ApprovalDecision
	err      error
}

// await runs Await in the background, giving the waiter a moment to
// register before the caller decides.
func await(ctx context.Context, g *approval.Gate, approvalID string) <-chan awaitResult {
	ch := make(chan awaitResult, 1)
	go func() {
		decision, err := g.Await(ctx, approvalID)
		ch <- awaitResult{decision, err}
	}()
	time.Sleep(20 * time.Millisecond)
	return ch
}

// ─── Request ─────────────────────────────────────────────────

func TestRequestCreatesPendingRecord(t *testing.T) {
	g, st := newGate(t, 0)
	ctx := context.Background()

	record, err := g.Request(ctx, testCall("call-1"), "write_file mutates workspace files")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if record.ID != "call-1" {
		t.Errorf("record.ID = %q, want the call id", record.ID)
	}
	if record.Status != models.ApprovalPending {
		t.Errorf("record.Status = %s, want pending", record.Status)
	}

	stored, err := st.GetApproval(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if stored.ToolName != "write_file" {
		t.Errorf("stored.ToolName = %q, want write_file", stored.ToolName)
	}
}

// ─── Decide + Await round trip ───────────────────────────────

func TestApproveReleasesWaiter(t *testing.T) {
	g, _ := newGate(t, 0)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	resultCh := await(ctx, g, "call-1")

	record, applied, err := g.Decide(ctx, "call-1", models.ApprovalDecision{
		Decision:  "approve",
		DecidedBy: "reviewer@example.com",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !applied {
		t.Error("Decide() applied = false, want true")
	}
	if record.Status != models.ApprovalApproved {
		t.Errorf("record.Status = %s, want approved", record.Status)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Await() error = %v", res.err)
	}
	if res.decision.DecidedBy != "reviewer@example.com" {
		t.Errorf("decision.DecidedBy = %q, want reviewer@example.com", res.decision.DecidedBy)
	}
}

func TestRejectSurfacesFeedback(t *testing.T) {
	g, _ := newGate(t, 0)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	resultCh := await(ctx, g, "call-1")

	if _, _, err := g.Decide(ctx, "call-1", models.ApprovalDecision{
		Decision: "reject",
		Feedback: "use edit_file instead",
	}); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	res := <-resultCh
	var rejected *approval.RejectedError
	if !errors.As(res.err, &rejected) {
		t.Fatalf("Await() error = %v, want *RejectedError", res.err)
	}
	if rejected.Feedback != "use edit_file instead" {
		t.Errorf("RejectedError.Feedback = %q, want the reviewer feedback", rejected.Feedback)
	}
}

func TestEditSubstitutesArguments(t *testing.T) {
	g, st := newGate(t, 0)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	resultCh := await(ctx, g, "call-1")

	modified := map[string]interface{}{"path": "main.go", "content": "package cmd"}
	if _, _, err := g.Decide(ctx, "call-1", models.ApprovalDecision{
		Decision:          "edit",
		ModifiedArguments: modified,
	}); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Await() error = %v", res.err)
	}
	if res.decision.ModifiedArguments["content"] != "package cmd" {
		t.Errorf("decision.ModifiedArguments = %v, want the edited content", res.decision.ModifiedArguments)
	}

	// The durable record reflects the substitution too.
	stored, err := st.GetApproval(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if stored.Status != models.ApprovalApproved {
		t.Errorf("stored.Status = %s, want approved (edit approves)", stored.Status)
	}
	if stored.Arguments["content"] != "package cmd" {
		t.Errorf("stored.Arguments = %v, want the edited content", stored.Arguments)
	}
}

// ─── Idempotency ─────────────────────────────────────────────

func TestDecideOnSettledApprovalIsNoOp(t *testing.T) {
	g, _ := newGate(t, 0)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, _, err := g.Decide(ctx, "call-1", models.ApprovalDecision{Decision: "approve"}); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	// A racing reject after settlement does not flip the record.
	record, applied, err := g.Decide(ctx, "call-1", models.ApprovalDecision{Decision: "reject"})
	if err != nil {
		t.Fatalf("Decide() on settled approval error = %v", err)
	}
	if applied {
		t.Error("Decide() on settled approval applied = true, want false")
	}
	if record.Status != models.ApprovalApproved {
		t.Errorf("record.Status = %s, want approved to stick", record.Status)
	}
}

func TestDecideUnknownDecision(t *testing.T) {
	g, _ := newGate(t, 0)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	_, _, err := g.Decide(ctx, "call-1", models.ApprovalDecision{Decision: "shrug"})
	if !errors.Is(err, approval.ErrUnknownDecision) {
		t.Fatalf("Decide(shrug) error = %v, want ErrUnknownDecision", err)
	}
}

func TestDecideUnknownApproval(t *testing.T) {
	g, _ := newGate(t, 0)
	_, _, err := g.Decide(context.Background(), "never-requested", models.ApprovalDecision{Decision: "approve"})
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Decide() error = %v, want *store.ErrNotFound", err)
	}
}

// ─── Concurrent decisions ────────────────────────────────────

// stallingStore blocks the first UpdateApproval until released, holding
// one decision between its terminal check and its write while a second
// decision races it.
type stallingStore struct {
	store.ApprovalStore

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) UpdateApproval(ctx context.Context, record *models.ApprovalRequest) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.ApprovalStore.UpdateApproval(ctx, record)
}

func TestConcurrentDecisionsApplyExactlyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	stalled := &stallingStore{
		ApprovalStore: st,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}

	b := bus.New()
	var decidedMu sync.Mutex
	var decided []models.ApprovalDecided
	if err := b.Subscribe(func(e bus.Event) {
		if evt, ok := e.(models.ApprovalDecided); ok {
			decidedMu.Lock()
			decided = append(decided, evt)
			decidedMu.Unlock()
		}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	g := approval.NewGate(stalled, b, 0)
	ctx := context.Background()
	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	type decideResult struct {
		record  *models.ApprovalRequest
		applied bool
		err     error
	}
	approveCh := make(chan decideResult, 1)
	go func() {
		record, applied, err := g.Decide(ctx, "call-1", models.ApprovalDecision{
			Decision:  "approve",
			DecidedBy: "alice",
		})
		approveCh <- decideResult{record, applied, err}
	}()
	<-stalled.entered

	// The approve is stalled mid-transition; race a reject against it.
	rejectCh := make(chan decideResult, 1)
	go func() {
		record, applied, err := g.Decide(ctx, "call-1", models.ApprovalDecision{
			Decision:  "reject",
			DecidedBy: "bob",
		})
		rejectCh <- decideResult{record, applied, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(stalled.release)

	approve := <-approveCh
	reject := <-rejectCh
	if approve.err != nil || reject.err != nil {
		t.Fatalf("Decide() errors = %v, %v", approve.err, reject.err)
	}
	if !approve.applied {
		t.Error("first decision applied = false, want true")
	}
	if reject.applied {
		t.Error("racing decision applied = true, want false (record already settled)")
	}

	stored, err := st.GetApproval(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if stored.Status != models.ApprovalApproved {
		t.Errorf("stored.Status = %s, want the first decision to stick", stored.Status)
	}
	if stored.DecidedBy != "alice" {
		t.Errorf("stored.DecidedBy = %q, want alice", stored.DecidedBy)
	}

	decidedMu.Lock()
	defer decidedMu.Unlock()
	if len(decided) != 1 {
		t.Errorf("ApprovalDecided events = %d, want exactly 1", len(decided))
	}
}

func TestAwaitSeesDecisionMadeBeforeWaiting(t *testing.T) {
	g, _ := newGate(t, 0)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	// The decision lands before anyone waits on it.
	if _, _, err := g.Decide(ctx, "call-1", models.ApprovalDecision{
		Decision:  "approve",
		DecidedBy: "reviewer",
	}); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	start := time.Now()
	decision, err := g.Await(ctx, "call-1")
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if decision.DecidedBy != "reviewer" {
		t.Errorf("decision.DecidedBy = %q, want reviewer", decision.DecidedBy)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Await() took %s, want an immediate return for a settled record", elapsed)
	}
}

// ─── Expiry ──────────────────────────────────────────────────

func TestAwaitExpiresAfterSLA(t *testing.T) {
	g, st := newGate(t, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := g.Request(ctx, testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	_, err := g.Await(ctx, "call-1")
	var expired *approval.ExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("Await() error = %v, want *ExpiredError", err)
	}

	stored, err := st.GetApproval(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if stored.Status != models.ApprovalExpired {
		t.Errorf("stored.Status = %s, want expired", stored.Status)
	}
	if stored.ResolvedAt == nil {
		t.Error("stored.ResolvedAt = nil, want set")
	}
}

func TestAwaitHonoursCallerContext(t *testing.T) {
	g, _ := newGate(t, 0)

	if _, err := g.Request(context.Background(), testCall("call-1"), "test"); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Await(ctx, "call-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await() error = %v, want context.DeadlineExceeded", err)
	}
}
