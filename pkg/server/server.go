// Package server provides the public entry point for initializing the
// Loom control plane server.
//
// This package exists in pkg/ (not internal/) so embedding services
// can import it and compose the full server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/internal/api"
	"github.com/loomhq/loom/control-plane/internal/api/handlers"
	"github.com/loomhq/loom/control-plane/internal/approval"
	"github.com/loomhq/loom/control-plane/internal/broker"
	"github.com/loomhq/loom/control-plane/internal/bus"
	"github.com/loomhq/loom/control-plane/internal/capability"
	"github.com/loomhq/loom/control-plane/internal/config"
	"github.com/loomhq/loom/control-plane/internal/executor"
	"github.com/loomhq/loom/control-plane/internal/llm"
	"github.com/loomhq/loom/control-plane/internal/loop"
	"github.com/loomhq/loom/control-plane/internal/sessionlock"
	"github.com/loomhq/loom/control-plane/internal/store"
	"github.com/loomhq/loom/control-plane/internal/telemetry"
	"github.com/loomhq/loom/control-plane/pkg/contracts"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// Server holds the initialized Loom control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (Postgres when DATABASE_URL is set,
	// in-memory otherwise). Exposed so embedding services can reuse it.
	Store store.Store

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// Options overrides the external collaborators, primarily for tests
// and embedding. Nil fields fall back to the HTTP clients configured
// through the environment.
type Options struct {
	Decider  contracts.Decider
	Executor contracts.ToolExecutor
}

// New initializes all control plane components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithOptions(ctx, config.Load(), Options{})
}

// NewWithOptions initializes the control plane with explicit
// configuration and optional collaborator overrides.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eventBus := bus.New()
	if err := eventBus.Subscribe(auditRecorder(dataStore)); err != nil {
		return nil, fmt.Errorf("subscribe audit recorder: %w", err)
	}

	registry, err := capability.DefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("build capability registry: %w", err)
	}
	log.Info().Int("profiles", len(registry.Profiles())).Msg("✅ Capability registry initialized")

	rules, err := approval.LoadRulesFile(cfg.Policy.RulesFile)
	if err != nil {
		return nil, err
	}
	policy, err := approval.NewEngine(rules)
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}
	log.Info().Int("rules", len(rules)).Msg("✅ Policy engine initialized")

	gate := approval.NewGate(dataStore, eventBus, cfg.Loop.ApprovalTimeout)
	brk := broker.New()
	locks := sessionlock.NewManager()

	decider := opts.Decider
	if decider == nil {
		decider = llm.NewHTTPDecider(cfg.Upstream.DeciderURL, cfg.Upstream.RequestTimeout)
	}
	toolExec := opts.Executor
	if toolExec == nil {
		toolExec = executor.NewHTTPExecutor(cfg.Upstream.ExecutorURL, cfg.Upstream.RequestTimeout)
	}

	switcher := loop.NewSwitchController(dataStore, locks, eventBus)
	orch := loop.NewOrchestrator(dataStore, registry, policy, gate, brk, locks, eventBus, decider, toolExec, switcher, loop.Config{
		StepBudget:      cfg.Loop.StepBudget,
		ToolCallTimeout: cfg.Loop.ToolCallTimeout,
	})
	log.Info().
		Int("step_budget", cfg.Loop.StepBudget).
		Dur("tool_call_timeout", cfg.Loop.ToolCallTimeout).
		Dur("approval_timeout", cfg.Loop.ApprovalTimeout).
		Msg("✅ Decision loop initialized")

	h := handlers.New(dataStore, orch, switcher, gate, brk, registry)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newStore selects Postgres when DATABASE_URL is set, in-memory otherwise.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("✅ Postgres store initialized")
	return pg, nil
}

// auditRecorder persists every control-plane transition announced on
// the bus. It runs inside Publish, so store failures are logged and
// swallowed; an audit hiccup must not fail the transition itself.
func auditRecorder(st store.AuditStore) bus.Handler {
	record := func(event *models.AuditEvent) {
		event.ID = uuid.New().String()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.CreateAuditEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("action", event.Action).Msg("Failed to persist audit event")
		}
	}

	return func(e bus.Event) {
		switch evt := e.(type) {
		case models.AgentSwitched:
			record(&models.AuditEvent{
				SessionID:  evt.SessionID,
				Action:     "agent.switched",
				Resource:   "session",
				ResourceID: evt.SessionID,
				Details: map[string]interface{}{
					"from":   evt.From,
					"to":     evt.To,
					"reason": evt.Reason,
				},
				Timestamp: evt.Timestamp,
			})
		case models.ToolCallDispatched:
			record(&models.AuditEvent{
				SessionID:  evt.SessionID,
				Action:     "tool.dispatched",
				Resource:   "tool_call",
				ResourceID: evt.CallID,
				Details:    map[string]interface{}{"tool": evt.ToolName},
				Timestamp:  evt.Timestamp,
			})
		case models.ApprovalRequested:
			record(&models.AuditEvent{
				SessionID:  evt.SessionID,
				Action:     "approval.requested",
				Resource:   "approval",
				ResourceID: evt.ApprovalID,
				Details: map[string]interface{}{
					"tool":   evt.ToolName,
					"reason": evt.Reason,
				},
				Timestamp: evt.Timestamp,
			})
		case models.ApprovalDecided:
			record(&models.AuditEvent{
				SessionID:  evt.SessionID,
				Action:     "approval." + string(evt.Status),
				Resource:   "approval",
				ResourceID: evt.ApprovalID,
				Actor:      evt.DecidedBy,
				Details:    map[string]interface{}{"reason": evt.Reason},
				Timestamp:  evt.Timestamp,
			})
		case models.TurnFinished:
			record(&models.AuditEvent{
				SessionID:  evt.SessionID,
				Action:     "turn.finished",
				Resource:   "session",
				ResourceID: evt.SessionID,
				Details: map[string]interface{}{
					"steps":  evt.Steps,
					"failed": evt.Failed,
				},
				Timestamp: evt.Timestamp,
			})
		}
	}
}
