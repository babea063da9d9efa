package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/ledger"
	"github.com/echofinity/echofinity-backend/internal/usage"
)

const (
	defaultHistoryDays = usage.DefaultWindowDays
	maxHistoryDays     = 90
	healthCheckTimeout = 2 * time.Second
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORSMiddleware(cfg.CORSOrigins))
	}

	r.Get("/health", healthHandler(cfg))
	r.Get("/api/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Route("/api", func(r chi.Router) {
			r.Post("/projects", createProjectHandler(cfg))
			r.Get("/projects", listProjectsHandler(cfg))
			r.Get("/projects/{id}", getProjectHandler(cfg))

			r.Post("/videos/export", exportVideoHandler(cfg))
			r.Get("/export/{jobId}", exportStatusHandler(cfg))
			r.Get("/exports", listExportsHandler(cfg))

			r.Get("/tokens/balance", balanceHandler(cfg))
			r.Get("/tokens/history", historyHandler(cfg))
			r.Get("/tokens/usage", usageSummaryHandler(cfg))
		})
	})

	return r
}

// healthHandler answers 503 when any dependency check fails.
func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(cfg.Checks))
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				cfg.Logger.Warn("health check failed", "check", name, "error", err)
				checks[name] = "error"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		WriteJSON(w, status, HealthResponse{
			Status:  state,
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
			Checks:  checks,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := StatusResponse{Jobs: map[string]int{}}

		if cfg.Jobs != nil {
			counts, err := cfg.Jobs.CountExportJobsByStatus(ctx)
			if err != nil {
				cfg.Logger.Warn("failed to count export jobs", "error", err)
			}
			for status, n := range counts {
				resp.Jobs[string(status)] = n
			}
		}

		if cfg.Queue != nil {
			stats, err := cfg.Queue.Stats(ctx)
			if err != nil {
				cfg.Logger.Warn("failed to read queue stats", "error", err)
			} else {
				resp.Queue = &stats
			}
		}

		if cfg.Workers != nil {
			resp.Workers = &WorkersResponse{
				Running:     cfg.Workers.IsRunning(),
				Active:      cfg.Workers.Active(),
				Concurrency: cfg.Workers.Concurrency(),
			}
		}

		if cfg.Doctor != nil {
			health, err := cfg.Doctor.Get(ctx)
			if err == nil && health != nil {
				resp.AI = &AIStatusResponse{
					Healthy:     health.Healthy,
					Status:      health.Status,
					Detail:      health.Detail,
					LastProbeAt: health.ProbedAt.Format(time.RFC3339),
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func createProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		p, err := cfg.Projects.CreateProject(r.Context(), UserIDFrom(r.Context()), req.Title)
		if errors.Is(err, catalog.ErrInvalidTitle) {
			WriteError(w, http.StatusBadRequest, "title is required", "BAD_REQUEST")
			return
		}
		if err != nil {
			cfg.Logger.Error("failed to create project", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to create project", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusCreated, ProjectToResponse(p))
	}
}

func listProjectsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := cfg.Projects.ListProjects(r.Context(), UserIDFrom(r.Context()))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list projects", "INTERNAL_ERROR")
			return
		}

		resp := ProjectsResponse{Projects: make([]ProjectResponse, len(projects)), Count: len(projects)}
		for i, p := range projects {
			resp.Projects[i] = ProjectToResponse(p)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := cfg.Projects.GetProject(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id"))
		if errors.Is(err, catalog.ErrProjectNotFound) {
			WriteError(w, http.StatusNotFound, "project not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, ProjectToResponse(p))
	}
}

func balanceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := cfg.Tokens.User(r.Context(), UserIDFrom(r.Context()))
		if errors.Is(err, ledger.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "user not found", "USER_NOT_FOUND")
			return
		}
		if err != nil {
			cfg.Logger.Error("failed to read balance", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to read balance", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, BalanceToResponse(u))
	}
}

func historyHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, ok := queryInt(w, r, "days", defaultHistoryDays, maxHistoryDays)
		if !ok {
			return
		}

		records, err := cfg.Usage.History(r.Context(), UserIDFrom(r.Context()), days)
		if err != nil {
			cfg.Logger.Error("failed to read usage history", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to read usage history", "INTERNAL_ERROR")
			return
		}
		if records == nil {
			records = []usage.Record{}
		}
		WriteJSON(w, http.StatusOK, HistoryResponse{Days: days, Records: records, Count: len(records)})
	}
}

func usageSummaryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, ok := queryInt(w, r, "days", defaultHistoryDays, maxHistoryDays)
		if !ok {
			return
		}

		totals, err := cfg.Usage.Summary(r.Context(), UserIDFrom(r.Context()), days)
		if err != nil {
			cfg.Logger.Error("failed to summarize usage", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to summarize usage", "INTERNAL_ERROR")
			return
		}
		resp := UsageResponse{Days: days, Operations: totals}
		if resp.Operations == nil {
			resp.Operations = []usage.OperationTotal{}
		}
		for _, t := range totals {
			resp.Total += t.Tokens
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
