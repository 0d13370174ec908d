package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wardenhq/warden/control-plane/internal/api/handlers"
	"github.com/wardenhq/warden/control-plane/internal/api/middleware"
	"github.com/wardenhq/warden/control-plane/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Pinger reports whether the backing store is reachable. store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
	Backend() string
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, db Pinger) http.Handler {
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
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler(cfg, db))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/skills", h.ListSkills)
		r.Post("/policy/evaluate", h.EvaluatePolicy)

		// Skill executions (the approval workflow)
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.ListExecutions)
			r.Post("/", h.CreateExecution)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", h.GetExecution)
				r.Post("/approve", h.ApproveExecution)
				r.Post("/reject", h.RejectExecution)
				r.Post("/execute", h.ExecuteExecution)
			})
		})

		// Audit chain
		r.Route("/audit", func(r chi.Router) {
			r.Get("/entries", h.ListAuditEntries)
			r.Get("/verify", h.VerifyAudit)
			r.Get("/summary", h.AuditSummary)
			r.Post("/export", h.ExportAudit)
		})

		// Worker queue
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.EnqueueTask)
			r.Post("/claim", h.ClaimTask)
			r.Get("/dead-letter", h.ListDeadLetters)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Post("/start", h.StartTask)
				r.Post("/result", h.SubmitResult)
				r.Post("/retry", h.RetryDeadLetter)
			})
		})

		// Site workers
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", h.ListWorkers)
			r.Post("/{workerID}/heartbeat", h.WorkerHeartbeat)
		})
	})

	return r
}

func healthHandler(cfg *config.Config, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{
			"status":  "healthy",
			"service": "warden-control-plane",
			"mode":    cfg.Mode,
		}
		status := http.StatusOK
		if db != nil {
			body["store"] = db.Backend()
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				body["status"] = "degraded"
				body["error"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "warden-control-plane",
		})
	}
}
