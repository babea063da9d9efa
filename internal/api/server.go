package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/echofinity/echofinity-backend/internal/ai"
	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/export"
	"github.com/echofinity/echofinity-backend/internal/ledger"
	"github.com/echofinity/echofinity-backend/internal/queue"
	"github.com/echofinity/echofinity-backend/internal/usage"
)

type ExportService interface {
	Export(ctx context.Context, userID string, req export.Request) (*export.Response, error)
	Status(ctx context.Context, userID, jobID string) (*export.StatusView, error)
	List(ctx context.Context, userID string, limit int) ([]export.StatusView, error)
}

type TokenService interface {
	User(ctx context.Context, userID string) (*ledger.User, error)
}

type JobCounter interface {
	CountExportJobsByStatus(ctx context.Context) (map[catalog.JobStatus]int, error)
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type WorkerStatus interface {
	IsRunning() bool
	Active() int
	Concurrency() int
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port        int
	Exports     ExportService
	Projects    catalog.ProjectService
	Tokens      TokenService
	Usage       usage.Recorder
	Jobs        JobCounter
	Queue       QueueStats
	Workers     WorkerStatus
	Doctor      *ai.CachedDoctor
	Auth        *Authenticator
	Checks      map[string]HealthCheck
	CORSOrigins []string
	Logger      *slog.Logger
	StartTime   time.Time
	Version     string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
