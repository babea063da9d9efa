// Package usage is the append-only audit log of token-consuming operations.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/echofinity/echofinity-backend/internal/db"
)

// DefaultWindowDays bounds History when no window is given.
const DefaultWindowDays = 7

var ErrInvalidArgument = errors.New("usage: invalid argument")

// Record is one charged operation. TokensUsed is zero for unlimited tiers.
type Record struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Operation  string          `json:"operation"`
	TokensUsed int             `json:"tokensUsed"`
	Parameters json.RawMessage `json:"parameters"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// OperationTotal aggregates usage for one operation tag.
type OperationTotal struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
	Tokens    int    `json:"tokens"`
}

type Recorder interface {
	Record(ctx context.Context, userID, operation string, tokens int, params any) (*Record, error)
	History(ctx context.Context, userID string, sinceDays int) ([]Record, error)
	Summary(ctx context.Context, userID string, sinceDays int) ([]OperationTotal, error)
}

// Store writes usage records to the token_usage table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// Record appends a usage entry in a single INSERT.
func (s *Store) Record(ctx context.Context, userID, operation string, tokens int, params any) (*Record, error) {
	if userID == "" || operation == "" {
		return nil, fmt.Errorf("%w: user id and operation are required", ErrInvalidArgument)
	}
	if tokens < 0 {
		return nil, fmt.Errorf("%w: tokens must be >= 0", ErrInvalidArgument)
	}

	raw := json.RawMessage("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode usage parameters: %w", err)
		}
		raw = b
	}

	rec := &Record{
		ID:         uuid.NewString(),
		UserID:     userID,
		Operation:  operation,
		TokensUsed: tokens,
		Parameters: raw,
		CreatedAt:  s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (id, user_id, operation, tokens_used, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Operation, rec.TokensUsed, string(rec.Parameters), db.FormatTime(rec.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}
	return rec, nil
}

// History returns the user's records from the last sinceDays days, newest
// first. sinceDays <= 0 means DefaultWindowDays.
func (s *Store) History(ctx context.Context, userID string, sinceDays int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, operation, tokens_used, parameters, created_at
		FROM token_usage
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	`, userID, s.since(sinceDays))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var params, createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Operation, &r.TokensUsed, &params, &createdAt); err != nil {
			return nil, err
		}
		r.Parameters = json.RawMessage(params)
		r.CreatedAt, _ = db.ParseTime(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary totals the user's usage per operation over the same window as
// History, largest spend first.
func (s *Store) Summary(ctx context.Context, userID string, sinceDays int) ([]OperationTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, COUNT(*), COALESCE(SUM(tokens_used), 0)
		FROM token_usage
		WHERE user_id = ? AND created_at >= ?
		GROUP BY operation
		ORDER BY 3 DESC, operation
	`, userID, s.since(sinceDays))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := []OperationTotal{}
	for rows.Next() {
		var t OperationTotal
		if err := rows.Scan(&t.Operation, &t.Count, &t.Tokens); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (s *Store) since(days int) string {
	if days <= 0 {
		days = DefaultWindowDays
	}
	return db.FormatTime(s.now().AddDate(0, 0, -days))
}
