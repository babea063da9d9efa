package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/echofinity/echofinity-backend/internal/api"
	"github.com/echofinity/echofinity-backend/internal/config"
	"github.com/echofinity/echofinity-backend/internal/db"
	"github.com/echofinity/echofinity-backend/internal/ledger"
	"github.com/echofinity/echofinity-backend/internal/ledger/postgres"
	ledgersqlite "github.com/echofinity/echofinity-backend/internal/ledger/sqlite"
	"github.com/echofinity/echofinity-backend/internal/logging"
)

const (
	pgMaxOpen      = 10
	pgMaxIdle      = 5
	pgLifetimeMin  = 30
	pgIdleTimeMins = 5
)

// app holds what every subcommand needs: config, logger, the local
// database and the ledger.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	database *db.DB
	store    ledger.Store
	ledger   *ledger.Ledger
	checks   map[string]api.HealthCheck
}

func newApp() (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		checks: map[string]api.HealthCheck{
			"db": database.Ping,
		},
	}

	switch cfg.LedgerDriver() {
	case config.DriverPostgres:
		pg, err := postgres.New(cfg.PostgresDSN(), pgMaxOpen, pgMaxIdle, pgLifetimeMin, pgIdleTimeMins)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		a.store = pg
		a.checks["ledger"] = pg.Ping
		logger.Info("ledger backend: postgres", "dsn", logging.SanitizeDSN(cfg.PostgresDSN()))
	default:
		a.store = ledgersqlite.New(database.Conn())
		logger.Info("ledger backend: sqlite", "path", cfg.DBPath())
	}
	a.ledger = ledger.New(a.store, logger)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close ledger store", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

func (a *app) authenticator() (*api.Authenticator, error) {
	auth, err := api.NewAuthenticator(a.cfg.JWTSecret(), a.cfg.TokenTTL())
	if err != nil {
		return nil, fmt.Errorf("%w (set %s_AUTH_JWT_SECRET)", err, config.EnvPrefix)
	}
	return auth, nil
}
