// Package handlers implements the HTTP handlers for the Loom control
// plane: session messaging, agent switching, the tool-result callback,
// approval decisions, and the audit views.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/internal/approval"
	"github.com/loomhq/loom/control-plane/internal/broker"
	"github.com/loomhq/loom/control-plane/internal/capability"
	"github.com/loomhq/loom/control-plane/internal/llm"
	"github.com/loomhq/loom/control-plane/internal/loop"
	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *loop.Orchestrator
	Switcher     *loop.SwitchController
	Gate         *approval.Gate
	Broker       *broker.Broker
	Registry     *capability.Registry
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, orch *loop.Orchestrator, sw *loop.SwitchController, gate *approval.Gate, brk *broker.Broker, reg *capability.Registry) *Handlers {
	return &Handlers{
		Store:        s,
		Orchestrator: orch,
		Switcher:     sw,
		Gate:         gate,
		Broker:       brk,
		Registry:     reg,
	}
}

// ── Session Handlers ─────────────────────────────────────────

type postMessageRequest struct {
	Message string `json:"message"`
}

// PostMessage runs one decision-loop turn for the session.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	sess, err := h.Orchestrator.HandleMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		var budget *loop.StepBudgetExceededError
		if errors.As(err, &budget) {
			// The turn is over and recorded; the caller gets the
			// session with the abort note plus the reason.
			respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   budget.Error(),
				"session": sess,
			})
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("Turn failed")
		var upstream *llm.UpstreamUnavailableError
		if errors.As(err, &upstream) {
			// Endpoint details stay in the log, not the client response.
			respondError(w, http.StatusBadGateway, "The assistant is temporarily unavailable. Please try again.")
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Store.ListSessions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

type switchAgentRequest struct {
	Target models.AgentKind `json:"target"`
	Reason string           `json:"reason,omitempty"`
}

// SwitchAgent performs an explicit hand-off outside a running turn.
func (h *Handlers) SwitchAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req switchAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := h.Switcher.Switch(r.Context(), sessionID, req.Target, req.Reason)
	if err != nil {
		var invalid *loop.InvalidSwitchError
		switch {
		case errors.As(err, &invalid):
			respondError(w, http.StatusConflict, invalid.Error())
		case isNotFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// CancelSession sweeps the session's pending tool calls.
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	swept := h.Orchestrator.CancelSession(sessionID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"cancelled":  swept,
	})
}

// ── Tool Result Callback ─────────────────────────────────────

// ToolResult is the executor's callback delivering a finished tool
// call. Settlement is idempotent: a result for a call that already
// settled (or timed out) is acknowledged and dropped.
func (h *Handlers) ToolResult(w http.ResponseWriter, r *http.Request) {
	var result models.ToolCallResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if result.CallID == "" || result.SessionID == "" {
		respondError(w, http.StatusBadRequest, "call_id and session_id are required")
		return
	}

	settled := h.Broker.Resolve(result.SessionID, &result)
	if !settled {
		log.Debug().
			Str("call_id", result.CallID).
			Str("session_id", result.SessionID).
			Msg("Result for unknown or already-settled call dropped")
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"call_id": result.CallID,
		"settled": settled,
	})
}

// ── Approval Handlers ────────────────────────────────────────

// DecideApproval applies a human decision to a pending approval.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalID")

	var decision models.ApprovalDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	record, applied, err := h.Gate.Decide(r.Context(), approvalID, decision)
	if err != nil {
		switch {
		case isNotFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, approval.ErrUnknownDecision):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approval": record,
		"applied":  applied,
	})
}

func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalID")
	record, err := h.Store.GetApproval(r.Context(), approvalID)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := h.Store.ListApprovals(r.Context(),
		r.URL.Query().Get("session_id"),
		models.ApprovalStatus(r.URL.Query().Get("status")),
		queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if approvals == nil {
		approvals = []models.ApprovalRequest{}
	}
	respondJSON(w, http.StatusOK, approvals)
}

// ── Plan Audit Handlers ──────────────────────────────────────

type planDecisionRequest struct {
	Decision         string   `json:"decision"`
	TaskText         string   `json:"task_text"`
	Subtasks         []string `json:"subtasks,omitempty"`
	ModifiedSubtasks []string `json:"modified_subtasks,omitempty"`
	Feedback         string   `json:"feedback,omitempty"`
}

// RecordPlanDecision logs a human decision on a proposed plan.
func (h *Handlers) RecordPlanDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req planDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch req.Decision {
	case "approve", "edit", "reject":
	default:
		respondError(w, http.StatusBadRequest, "decision must be approve, edit, or reject")
		return
	}

	entry := &models.PlanAuditLogEntry{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		Decision:         req.Decision,
		TaskText:         req.TaskText,
		Subtasks:         req.Subtasks,
		ModifiedSubtasks: req.ModifiedSubtasks,
		Feedback:         req.Feedback,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.Store.CreatePlanAuditEntry(r.Context(), entry); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (h *Handlers) ListPlanDecisions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	entries, err := h.Store.ListPlanAuditEntries(r.Context(), sessionID, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.PlanAuditLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Audit Handlers ───────────────────────────────────────────

func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Action:    r.URL.Query().Get("action"),
		Resource:  r.URL.Query().Get("resource"),
		Actor:     r.URL.Query().Get("actor"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	events, err := h.Store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}

	count, err := h.Store.CountAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  count,
	})
}

// ListSessionAudit returns one session's audit history, newest first.
func (h *Handlers) ListSessionAudit(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		SessionID: chi.URLParam(r, "sessionID"),
		Action:    r.URL.Query().Get("action"),
		Resource:  r.URL.Query().Get("resource"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	events, err := h.Store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ── Agent Catalog ────────────────────────────────────────────

type agentProfileView struct {
	Kind           models.AgentKind `json:"kind"`
	Tools          []string         `json:"tools"`
	PathRestricted bool             `json:"path_restricted"`
}

// ListAgents returns the capability profiles of the fixed agent pool.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	profiles := h.Registry.Profiles()
	out := make([]agentProfileView, 0, len(profiles))
	for _, p := range profiles {
		tools := make([]string, 0, len(p.AllowedTools))
		for t := range p.AllowedTools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		out = append(out, agentProfileView{
			Kind:           p.Kind,
			Tools:          tools,
			PathRestricted: p.PathRestriction != nil,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func isNotFound(err error) bool {
	var notFound *store.ErrNotFound
	return errors.As(err, &notFound)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
