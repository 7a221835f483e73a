// Package models defines the shared domain types for the Loom control plane:
// agent kinds and profiles, session history, tool calls, approvals, policy
// rules, and the event payloads published on the in-process bus.
package models

import "time"

// ── Agent Kinds ──────────────────────────────────────────────

// AgentKind identifies one of the fixed LLM-backed agent roles.
type AgentKind string

const (
	KindOrchestrator AgentKind = "orchestrator"
	KindCoder        AgentKind = "coder"
	KindArchitect    AgentKind = "architect"
	KindDebugger     AgentKind = "debugger"
	KindAsker        AgentKind = "asker"
	KindUniversal    AgentKind = "universal"
)

// AllKinds returns every known agent kind. The set is a process-wide
// constant; registries are validated against it at startup.
func AllKinds() []AgentKind {
	return []AgentKind{
		KindOrchestrator,
		KindCoder,
		KindArchitect,
		KindDebugger,
		KindAsker,
		KindUniversal,
	}
}

// Valid reports whether k names a known agent kind.
func (k AgentKind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ── Sessions & Conversation History ──────────────────────────

// TurnRole tags who produced a conversation turn.
type TurnRole string

const (
	RoleSystem    TurnRole = "system"
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleTool      TurnRole = "tool"
)

// Turn is one role-tagged message in a session's ordered history.
// History is strictly append-only; turn order is the single source of
// truth for what the next LLM call sees.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus tracks the coarse lifecycle of a session.
type SessionStatus string

const (
	SessionActive           SessionStatus = "active"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionIdle             SessionStatus = "idle"
)

// Session is one IDE client's conversation with the agent pool.
// Mutated only while its session lock is held; never deleted by the
// control plane (retention is an operator concern).
type Session struct {
	ID          string        `json:"id" db:"id"`
	Turns       []Turn        `json:"turns,omitempty"`
	ActiveAgent AgentKind     `json:"active_agent" db:"active_agent"`
	SwitchCount int           `json:"switch_count" db:"switch_count"`
	Status      SessionStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// ── Tool Calls ───────────────────────────────────────────────

// ToolCallRequest is a structured request to perform a side-effecting
// action outside the LLM, identified by a call id unique among the
// session's in-flight calls.
type ToolCallRequest struct {
	CallID           string                 `json:"call_id"`
	SessionID        string                 `json:"session_id"`
	ToolName         string                 `json:"tool_name"`
	Arguments        map[string]interface{} `json:"arguments,omitempty"`
	RequiresApproval bool                   `json:"requires_approval"`
}

// ToolCallResult is the executor's answer to a ToolCallRequest,
// delivered back across the process boundary.
type ToolCallResult struct {
	CallID    string                 `json:"call_id"`
	SessionID string                 `json:"session_id"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ── Approvals ────────────────────────────────────────────────

// ApprovalStatus is the lifecycle state of an approval request.
// Transitions are monotonic and one-way: pending → approved | rejected
// | expired. There is no transition out of a terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether s is a final approval state.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalRequest captures a tool call waiting for human sign-off.
// Durable — kept for the audit trail even after it reaches a terminal
// state. The ID doubles as the tool call's correlation id.
type ApprovalRequest struct {
	ID         string                 `json:"id" db:"id"` // = call_id
	SessionID  string                 `json:"session_id" db:"session_id"`
	ToolName   string                 `json:"tool_name" db:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Reason     string                 `json:"reason" db:"reason"`
	Status     ApprovalStatus         `json:"status" db:"status"`
	DecidedBy  string                 `json:"decided_by,omitempty" db:"decided_by"`
	Feedback   string                 `json:"feedback,omitempty" db:"feedback"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ApprovalDecision is what the human approval channel delivers.
// "edit" is treated as an approve with substituted arguments.
type ApprovalDecision struct {
	Decision          string                 `json:"decision"` // approve, edit, reject
	DecidedBy         string                 `json:"decided_by,omitempty"`
	ModifiedArguments map[string]interface{} `json:"modified_arguments,omitempty"`
	Feedback          string                 `json:"feedback,omitempty"`
}

// ── Policy Rules ─────────────────────────────────────────────

// PolicyAction is the outcome of classifying a proposed tool call.
type PolicyAction string

const (
	ActionAllow           PolicyAction = "allow"
	ActionDeny            PolicyAction = "deny"
	ActionRequireApproval PolicyAction = "require_approval"
)

// PolicyRule matches a tool call by name pattern and optional argument
// condition. Rules are evaluated in descending priority order; the
// first match wins. The When condition is an expr-lang expression
// evaluated against {Tool, Args}.
type PolicyRule struct {
	Name     string       `json:"name"`
	Tool     string       `json:"tool"`           // glob pattern, e.g. "write_*" or "*"
	When     string       `json:"when,omitempty"` // optional expr condition over Tool/Args
	Action   PolicyAction `json:"action"`
	Priority int          `json:"priority"` // higher wins
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent is an immutable record of a control-plane state
// transition, appended for compliance tracking.
type AuditEvent struct {
	ID         string                 `json:"id" db:"id"`
	SessionID  string                 `json:"session_id" db:"session_id"`
	Action     string                 `json:"action" db:"action"` // e.g. "approval.approved"
	Resource   string                 `json:"resource" db:"resource"`
	ResourceID string                 `json:"resource_id,omitempty" db:"resource_id"`
	Actor      string                 `json:"actor,omitempty" db:"actor"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
}

// AuditFilter narrows audit queries. Zero-value fields match anything.
type AuditFilter struct {
	SessionID string
	Action    string
	Resource  string
	Actor     string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// PlanAuditLogEntry records a user decision on a multi-step plan,
// keeping the original task text and the modified subtasks if edited.
type PlanAuditLogEntry struct {
	ID               string    `json:"id" db:"id"`
	SessionID        string    `json:"session_id" db:"session_id"`
	Decision         string    `json:"decision" db:"decision"` // approve, edit, reject
	TaskText         string    `json:"task_text" db:"task_text"`
	Subtasks         []string  `json:"subtasks,omitempty"`
	ModifiedSubtasks []string  `json:"modified_subtasks,omitempty"`
	Feedback         string    `json:"feedback,omitempty" db:"feedback"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ── Bus Events ───────────────────────────────────────────────

// AgentSwitched is published when a session's active agent changes.
type AgentSwitched struct {
	SessionID string    `json:"session_id"`
	From      AgentKind `json:"from"`
	To        AgentKind `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallDispatched is published when an allowed tool call is handed
// to the external executor.
type ToolCallDispatched struct {
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	ToolName  string    `json:"tool_name"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalRequested is published when a tool call is classified as
// needing human sign-off.
type ApprovalRequested struct {
	ApprovalID string    `json:"approval_id"`
	SessionID  string    `json:"session_id"`
	ToolName   string    `json:"tool_name"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovalDecided is published on every terminal approval transition.
type ApprovalDecided struct {
	ApprovalID string         `json:"approval_id"`
	SessionID  string         `json:"session_id"`
	Status     ApprovalStatus `json:"status"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TurnFinished is published when a decision loop turn reaches a
// terminal state.
type TurnFinished struct {
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary,omitempty"`
	Steps     int       `json:"steps"`
	Failed    bool      `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}
