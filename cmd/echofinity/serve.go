package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/echofinity/echofinity-backend/internal/ai"
	"github.com/echofinity/echofinity-backend/internal/api"
	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/config"
	"github.com/echofinity/echofinity-backend/internal/export"
	"github.com/echofinity/echofinity-backend/internal/pipeline"
	"github.com/echofinity/echofinity-backend/internal/pricing"
	"github.com/echofinity/echofinity-backend/internal/queue"
	"github.com/echofinity/echofinity-backend/internal/queue/redisq"
	"github.com/echofinity/echofinity-backend/internal/usage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the export workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

type jobQueue interface {
	queue.Queue
	Close() error
}

// aiClient is what the pipeline and the doctor need from one backend.
type aiClient interface {
	ai.Client
	ai.Prober
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	startTime := time.Now()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	logger.Info("starting echofinity",
		"version", config.Version,
		"commit", config.GitCommit,
		"port", cfg.Port(),
		"data_dir", cfg.DataDir(),
	)

	auth, err := a.authenticator()
	if err != nil {
		return err
	}

	calc, err := newCalculator(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	q, err := openQueue(ctx, cfg, logger, a.checks)
	if err != nil {
		return err
	}

	if n, err := a.database.UnfinishedJobs(ctx); err != nil {
		logger.Warn("failed to count unfinished export jobs", "error", err)
	} else if n > 0 && cfg.QueueDriver() == config.DriverMemory {
		logger.Warn("unfinished export jobs will not be redelivered by the memory queue", "jobs", n)
	} else if n > 0 {
		logger.Info("unfinished export jobs awaiting redelivery", "jobs", n)
	}

	client := newAIClient(cfg, logger)
	doctor := ai.NewCachedDoctor(client, logger)

	repo := catalog.NewRepository(a.database.Conn())
	usageStore := usage.NewStore(a.database.Conn())

	media := pipeline.NewSimulatedMedia(cfg.MediaDelay(), logger)
	proc := pipeline.NewProcessor(repo, client, media, logger, pipeline.Options{})
	pool := queue.NewPool(q, proc, queue.PoolConfig{
		Concurrency: cfg.WorkerConcurrency(),
		Logger:      logger,
	})

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool stopped", "error", err)
		}
	}()

	if interval := cfg.RefreshInterval(); interval > 0 {
		go a.ledger.RunRefresh(ctx, interval)
		logger.Info("token refresh scheduled", "interval", interval)
	}

	orch := export.NewOrchestrator(export.Config{
		Repo:     repo,
		Ledger:   a.ledger,
		Pricer:   calc,
		Usage:    usageStore,
		Producer: q,
		Logger:   logger,
	})

	server := api.NewServer(api.ServerConfig{
		Port:        cfg.Port(),
		Exports:     orch,
		Projects:    catalog.NewService(repo, logger),
		Tokens:      a.ledger,
		Usage:       usageStore,
		Jobs:        repo,
		Queue:       q,
		Workers:     pool,
		Doctor:      doctor,
		Auth:        auth,
		Checks:      a.checks,
		CORSOrigins: cfg.CORSOrigins(),
		Logger:      logger,
		StartTime:   startTime,
		Version:     config.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		runErr = fmt.Errorf("http server: %w", err)
	case <-parent.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before shutdown timeout", "active", pool.Active())
	}

	if err := q.Close(); err != nil {
		logger.Warn("failed to close queue", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func newCalculator(cfg config.Config) (*pricing.Calculator, error) {
	opts := []pricing.Option{pricing.WithStrict(cfg.PricingStrict())}
	if path := cfg.PricingFile(); path != "" {
		table, err := pricing.LoadTable(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing table: %w", err)
		}
		opts = append(opts, pricing.WithTable(table))
	}
	return pricing.NewCalculator(opts...), nil
}

func openQueue(ctx context.Context, cfg config.Config, logger *slog.Logger, checks map[string]api.HealthCheck) (jobQueue, error) {
	if cfg.QueueDriver() != config.DriverRedis {
		logger.Info("queue backend: memory")
		return queue.NewMemory(), nil
	}

	q, err := redisq.Dial(ctx, cfg.RedisURL(), redisq.Config{Stream: cfg.QueueStream()})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	checks["queue"] = q.Ping
	logger.Info("queue backend: redis", "stream", cfg.QueueStream(), "consumer", q.ConsumerName())
	return q, nil
}

func newAIClient(cfg config.Config, logger *slog.Logger) aiClient {
	if cfg.AIBaseURL() == "" {
		logger.Warn("no AI service configured, using stub client")
		return ai.NewStubClient(logger)
	}
	return ai.NewHTTPClient(ai.HTTPConfig{
		BaseURL:   cfg.AIBaseURL(),
		Timeout:   cfg.AITimeout(),
		RateLimit: cfg.AIRateLimit(),
		Burst:     cfg.AIBurst(),
	}, logger)
}
