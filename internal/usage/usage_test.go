package usage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echofinity/echofinity-backend/internal/db"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "usage.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database.Conn())
}

func TestRecord(t *testing.T) {
	s := newStore(t)
	rec, err := s.Record(context.Background(), "u1", "EXPORT_1080P", 10, map[string]string{"projectId": "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 10, rec.TokensUsed)

	var params map[string]string
	require.NoError(t, json.Unmarshal(rec.Parameters, &params))
	assert.Equal(t, "p1", params["projectId"])
}

func TestRecord_Validation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, "", "EXPORT_720P", 5, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Record(ctx, "u1", "", 5, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Record(ctx, "u1", "EXPORT_720P", -1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	history, err := s.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected records must not be written")
}

func TestRecord_ZeroTokens(t *testing.T) {
	s := newStore(t)
	rec, err := s.Record(context.Background(), "u1", "EXPORT_4K", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.TokensUsed)
	assert.JSONEq(t, `{}`, string(rec.Parameters))
}

func TestHistory_NewestFirstWithinWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

	at := func(d time.Duration) {
		s.now = func() time.Time { return base.Add(d) }
	}
	at(-10 * 24 * time.Hour)
	_, err := s.Record(ctx, "u1", "OLD", 1, nil)
	require.NoError(t, err)
	at(-2 * time.Hour)
	_, err = s.Record(ctx, "u1", "EXPORT_720P", 5, nil)
	require.NoError(t, err)
	at(-1 * time.Hour)
	_, err = s.Record(ctx, "u1", "EXPORT_4K", 20, nil)
	require.NoError(t, err)
	_, err = s.Record(ctx, "u2", "EXPORT_4K", 20, nil)
	require.NoError(t, err)
	at(0)

	history, err := s.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "EXPORT_4K", history[0].Operation)
	assert.Equal(t, "EXPORT_720P", history[1].Operation)

	history, err = s.History(ctx, "u1", 30)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	// Restartable: a second read returns the same sequence.
	again, err := s.History(ctx, "u1", 30)
	require.NoError(t, err)
	assert.Equal(t, history, again)
}

func TestSummary(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, op := range []struct {
		name   string
		tokens int
	}{{"EXPORT_1080P", 10}, {"EXPORT_1080P", 10}, {"EXPORT_720P", 5}} {
		_, err := s.Record(ctx, "u1", op.name, op.tokens, nil)
		require.NoError(t, err)
	}

	totals, err := s.Summary(ctx, "u1", 7)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, OperationTotal{Operation: "EXPORT_1080P", Count: 2, Tokens: 20}, totals[0])
	assert.Equal(t, OperationTotal{Operation: "EXPORT_720P", Count: 1, Tokens: 5}, totals[1])
}
