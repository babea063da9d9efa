// Package sqlite implements ledger.Store on the shared SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/echofinity/echofinity-backend/internal/db"
	"github.com/echofinity/echofinity-backend/internal/ledger"
)

// Store implements ledger.Store on the users table created by the db
// migrations. It does not own the connection.
type Store struct {
	db *sql.DB
}

func New(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Close is a no-op; the connection belongs to internal/db.
func (s *Store) Close() error { return nil }

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, tier, daily_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, string(u.Tier), u.DailyTokens, db.FormatTime(u.CreatedAt), db.FormatTime(u.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, u.ID)
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, tier, daily_tokens, created_at, updated_at FROM users WHERE id = ?
	`, id)

	var u ledger.User
	var tier, createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Email, &tier, &u.DailyTokens, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	u.Tier = ledger.Tier(tier)
	u.CreatedAt, _ = db.ParseTime(createdAt)
	u.UpdatedAt, _ = db.ParseTime(updatedAt)
	return &u, nil
}

func (s *Store) SetTier(ctx context.Context, id string, tier ledger.Tier, dailyTokens int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET tier = ?, daily_tokens = CASE WHEN ? IN ('free', 'pro') THEN ? ELSE daily_tokens END, updated_at = ?
		WHERE id = ?
	`, string(tier), string(tier), dailyTokens, db.FormatTime(time.Now()), id)
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
		UPDATE users SET daily_tokens = daily_tokens - ?, updated_at = ?
		WHERE id = ? AND tier IN ('free', 'pro') AND daily_tokens >= ?
		RETURNING daily_tokens
	`, amount, db.FormatTime(time.Now()), id, amount).Scan(&remaining)
	if err == sql.ErrNoRows {
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

	now := db.FormatTime(time.Now())
	var total int64
	for tier, tokens := range alloc {
		if tier.Unlimited() {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET daily_tokens = ?, updated_at = ? WHERE tier = ?
		`, tokens, now, string(tier))
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
