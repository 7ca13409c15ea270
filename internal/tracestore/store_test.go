package tracestore

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
)

var columns = []string{"turn_id", "session_id", "query", "outcome", "status", "error_message", "trace", "duration_ms", "created_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), Config{}, zaptest.NewLogger(t)), mock
}

func sampleTrace() *agent.Trace {
	return &agent.Trace{
		Query:   "Tell me about Keanu Reeves' early life",
		Plan:    []string{"Find the early life"},
		States:  []agent.TurnState{agent.StatePlanning, agent.StateTerminal},
		Outcome: &agent.Outcome{Kind: agent.OutcomeAnswered, Text: "He grew up in Toronto."},
	}
}

func TestNewRecord(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec, err := NewRecord("turn-1", "sess-1", sampleTrace(), nil, 1500*time.Millisecond, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "answered", rec.Outcome)
	assert.EqualValues(t, 1500, rec.DurationMs)

	back, err := rec.DecodeTrace()
	require.NoError(t, err)
	assert.Equal(t, sampleTrace(), back)

	failed, err := NewRecord("turn-2", "sess-1", &agent.Trace{Query: "q"}, errors.New("planning failed"), 0, now)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "planning failed", failed.ErrorMessage)
	assert.Empty(t, failed.Outcome)
}

func TestSaveUsesNamedUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	rec, err := NewRecord("turn-1", "sess-1", sampleTrace(), nil, time.Second, time.Now())
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO turn_traces")).
		WithArgs("turn-1", "sess-1", rec.Query, "answered", StatusCompleted, "", rec.Trace, int64(1000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequiresTurnID(t *testing.T) {
	store, _ := newMockStore(t)
	assert.Error(t, store.Save(context.Background(), &Record{}))
}

func TestGet(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM turn_traces WHERE turn_id = \$1`).
		WithArgs("turn-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("turn-1", "sess-1", "q", "answered", "completed", "", `{"query":"q"}`, 10, created))

	rec, err := store.Get(context.Background(), "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, created, rec.CreatedAt)

	mock.ExpectQuery(`SELECT .* FROM turn_traces WHERE turn_id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBySessionClampsLimit(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM turn_traces WHERE session_id = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("sess-1", 20).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("turn-2", "sess-1", "q2", "no_answer", "completed", "", `{}`, 5, time.Now()).
			AddRow("turn-1", "sess-1", "q1", "answered", "completed", "", `{}`, 7, time.Now()))

	recs, err := store.ListBySession(context.Background(), "sess-1", 1000)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "turn-2", recs[0].TurnID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRoundTrip(t *testing.T) {
	store, err := Open(Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "traces.db"), Workers: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec, err := NewRecord("turn-1", "sess-1", sampleTrace(), nil, time.Second, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, rec))

	// Upsert replaces the outcome.
	rec.Outcome = "no_answer"
	require.NoError(t, store.Save(ctx, rec))

	done := make(chan error, 1)
	async, err := NewRecord("turn-2", "sess-1", &agent.Trace{Query: "q2"}, nil, 0, time.Now().Add(time.Second))
	require.NoError(t, err)
	store.SaveAsync(async, func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("async write did not complete")
	}

	got, err := store.Get(ctx, "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "no_answer", got.Outcome)
	trace, err := got.DecodeTrace()
	require.NoError(t, err)
	assert.Equal(t, "Tell me about Keanu Reeves' early life", trace.Query)

	recs, err := store.ListBySession(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "turn-2", recs[0].TurnID)

	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Ping(ctx))
}
