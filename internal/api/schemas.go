package api

import (
	"time"

	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/export"
	"github.com/echofinity/echofinity-backend/internal/ledger"
	"github.com/echofinity/echofinity-backend/internal/queue"
	"github.com/echofinity/echofinity-backend/internal/usage"
)

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	UptimeS int64             `json:"uptime_s"`
	Checks  map[string]string `json:"checks,omitempty"`
}

type StatusResponse struct {
	Queue   *queue.Stats      `json:"queue,omitempty"`
	Jobs    map[string]int    `json:"jobs"`
	Workers *WorkersResponse  `json:"workers,omitempty"`
	AI      *AIStatusResponse `json:"ai,omitempty"`
}

type WorkersResponse struct {
	Running     bool `json:"running"`
	Active      int  `json:"active"`
	Concurrency int  `json:"concurrency"`
}

type AIStatusResponse struct {
	Healthy     bool   `json:"healthy"`
	Status      string `json:"status,omitempty"`
	Detail      string `json:"detail,omitempty"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

type CreateProjectRequest struct {
	Title string `json:"title"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
}

type ProjectsResponse struct {
	Projects []ProjectResponse `json:"projects"`
	Count    int               `json:"count"`
}

type ExportsResponse struct {
	Exports []export.StatusView `json:"exports"`
	Count   int                 `json:"count"`
}

type BalanceResponse struct {
	Tier      ledger.Tier `json:"tier"`
	Balance   *int        `json:"balance"`
	Unlimited bool        `json:"unlimited"`
	Daily     *int        `json:"dailyAllocation,omitempty"`
}

type HistoryResponse struct {
	Days    int            `json:"days"`
	Records []usage.Record `json:"records"`
	Count   int            `json:"count"`
}

type UsageResponse struct {
	Days       int                    `json:"days"`
	Operations []usage.OperationTotal `json:"operations"`
	Total      int                    `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// InsufficientTokensResponse is the 402 body for a rejected export.
type InsufficientTokensResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Current  int    `json:"current"`
	Required int    `json:"required"`
}

func ProjectToResponse(p *catalog.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Title:     p.Title,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func BalanceToResponse(u *ledger.User) BalanceResponse {
	resp := BalanceResponse{Tier: u.Tier, Unlimited: u.Tier.Unlimited()}
	if n, ok := u.Balance().Tokens(); ok {
		resp.Balance = &n
		daily := ledger.DailyAllocation[u.Tier]
		resp.Daily = &daily
	}
	return resp
}
