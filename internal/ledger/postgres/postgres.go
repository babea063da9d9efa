// Package postgres implements ledger.Store on PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/echofinity/echofinity-backend/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL DEFAULT 'free' CHECK (tier IN ('free','pro','premium','enterprise')),
	daily_tokens INTEGER NOT NULL DEFAULT 100 CHECK (daily_tokens >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_users_tier ON users(tier);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, email, tier, daily_tokens, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, string(u.Tier), u.DailyTokens, u.CreatedAt, u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, u.ID)
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	var u ledger.User
	var tier string
	err := s.db.QueryRowContext(ctx, `
SELECT id, email, tier, daily_tokens, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &tier, &u.DailyTokens, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	u.Tier = ledger.Tier(tier)
	return &u, nil
}

func (s *Store) SetTier(ctx context.Context, id string, tier ledger.Tier, dailyTokens int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET tier = $1,
	daily_tokens = CASE WHEN $1 IN ('free','pro') THEN $2 ELSE daily_tokens END,
	updated_at = NOW()
WHERE id = $3`, string(tier), dailyTokens, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	return nil
}

func (s *Store) DeductTokens(ctx context.Context, id string, amount int) (int, bool, error) {
	var remaining int
	err := s.db.QueryRowContext(ctx, `
UPDATE users SET daily_tokens = daily_tokens - $1, updated_at = NOW()
WHERE id = $2 AND tier IN ('free','pro') AND daily_tokens >= $1
RETURNING daily_tokens`, amount, id).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

func (s *Store) ResetAllocations(ctx context.Context, alloc map[ledger.Tier]int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for tier, tokens := range alloc {
		if tier.Unlimited() {
			continue
		}
		res, err := tx.ExecContext(ctx, `
UPDATE users SET daily_tokens = $1, updated_at = NOW() WHERE tier = $2`, tokens, string(tier))
		if err != nil {
			return 0, fmt.Errorf("reset %s allocation: %w", tier, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
