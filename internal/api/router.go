package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loomhq/loom/control-plane/internal/api/handlers"
	"github.com/loomhq/loom/control-plane/internal/api/middleware"
	"github.com/loomhq/loom/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Sessions & the decision loop
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/messages", h.PostMessage)
				r.Post("/agent", h.SwitchAgent)
				r.Post("/cancel", h.CancelSession)
				r.Get("/audit", h.ListSessionAudit)

				// Plan review decisions
				r.Route("/plan-decisions", func(r chi.Router) {
					r.Get("/", h.ListPlanDecisions)
					r.Post("/", h.RecordPlanDecision)
				})
			})
		})

		// Tool executor callback
		r.Post("/tools/results", h.ToolResult)

		// Approvals
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Route("/{approvalID}", func(r chi.Router) {
				r.Get("/", h.GetApproval)
				r.Post("/decision", h.DecideApproval)
			})
		})

		// Audit trail
		r.Get("/audit", h.ListAuditEvents)

		// Agent capability catalog
		r.Get("/agents", h.ListAgents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "loom-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "loom-control-plane",
		})
	}
}
