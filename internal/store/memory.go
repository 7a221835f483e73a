// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions    map[string]*models.Session         `json:"sessions"`
	Approvals   map[string]*models.ApprovalRequest `json:"approvals"`
	AuditEvents []*models.AuditEvent               `json:"audit_events"`
	PlanAudit   []*models.PlanAuditLogEntry        `json:"plan_audit"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session         // key: id
	approvals   map[string]*models.ApprovalRequest // key: id (= call_id)
	auditEvents []*models.AuditEvent               // append-only log
	planAudit   []*models.PlanAuditLogEntry        // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If LOOM_DATA_DIR is set, data is persisted to a JSON file in that
// directory. An empty LOOM_DATA_DIR disables persistence, which is
// what tests want.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		sessions:    make(map[string]*models.Session),
		approvals:   make(map[string]*models.ApprovalRequest),
		auditEvents: make([]*models.AuditEvent, 0),
		planAudit:   make([]*models.PlanAuditLogEntry, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	if dataDir := os.Getenv("LOOM_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:    m.sessions,
		Approvals:   m.approvals,
		AuditEvents: m.auditEvents,
		PlanAudit:   m.planAudit,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	if snap.PlanAudit != nil {
		m.planAudit = snap.PlanAudit
	}

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("approvals", len(m.approvals)).
		Int("audit_events", len(m.auditEvents)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	copy := *s
	copy.Turns = append([]models.Turn(nil), s.Turns...)
	return &copy, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	copy := *session
	copy.Turns = append([]models.Turn(nil), session.Turns...)
	m.sessions[session.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[session.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	copy := *session
	copy.Turns = append([]models.Turn(nil), session.Turns...)
	m.sessions[session.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		copy := *s
		copy.Turns = nil // list view omits history
		result = append(result, copy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Approval Store ──────────────────────────────────────────

func (m *MemoryStore) CreateApproval(_ context.Context, record *models.ApprovalRequest) error {
	m.mu.Lock()
	copy := *record
	m.approvals[record.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	copy := *r
	return &copy, nil
}

func (m *MemoryStore) UpdateApproval(_ context.Context, record *models.ApprovalRequest) error {
	m.mu.Lock()
	if _, ok := m.approvals[record.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "approval", Key: record.ID}
	}
	copy := *record
	m.approvals[record.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, sessionID string, status models.ApprovalStatus, limit int) ([]models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ApprovalRequest
	for _, r := range m.approvals {
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	copy := *event
	m.auditEvents = append(m.auditEvents, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditEvent
	for i := len(m.auditEvents) - 1; i >= 0; i-- { // newest first
		e := m.auditEvents[i]
		if !auditMatches(e, filter) {
			continue
		}
		if filter.Offset > 0 {
			filter.Offset--
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountAuditEvents(_ context.Context, filter models.AuditFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, e := range m.auditEvents {
		if auditMatches(e, filter) {
			count++
		}
	}
	return count, nil
}

func auditMatches(e *models.AuditEvent, filter models.AuditFilter) bool {
	if filter.SessionID != "" && e.SessionID != filter.SessionID {
		return false
	}
	if filter.Action != "" && e.Action != filter.Action {
		return false
	}
	if filter.Resource != "" && e.Resource != filter.Resource {
		return false
	}
	if filter.Actor != "" && e.Actor != filter.Actor {
		return false
	}
	if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && e.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}

// ── Plan Audit Store ────────────────────────────────────────

func (m *MemoryStore) CreatePlanAuditEntry(_ context.Context, entry *models.PlanAuditLogEntry) error {
	m.mu.Lock()
	copy := *entry
	m.planAudit = append(m.planAudit, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPlanAuditEntries(_ context.Context, sessionID string, limit int) ([]models.PlanAuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.PlanAuditLogEntry
	for i := len(m.planAudit) - 1; i >= 0; i-- { // newest first
		e := m.planAudit[i]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		result = append(result, *e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
