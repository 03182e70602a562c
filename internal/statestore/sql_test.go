package statestore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSQLStore_SQLite(t *testing.T) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Skipf("sqlite3 unavailable: %v", err)
	}
	// One connection keeps every statement on the same in-memory database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		t.Skipf("sqlite3 unavailable: %v", err)
	}

	b := NewSQLBackendFromDB(db, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Migrate(context.Background()))
	// Migrations are idempotent.
	require.NoError(t, b.Migrate(context.Background()))

	runStoreSuite(t, b.Factory())
}

func TestSQLStore_SequenceResumesFromDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewSQLBackendFromDB(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	s, err := b.Store("sess-1")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(seq), 0) FROM research_step_log WHERE session_id = $1`)).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_step_log`)).
		WithArgs("sess-1", int64(5), sqlmock.AnyArg(), "plan", `{"query":"q"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_step_log`)).
		WithArgs("sess-1", int64(6), sqlmock.AnyArg(), "search", `null`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	e, err := s.Append(ctx, "plan", map[string]string{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.Seq)

	e, err = s.Append(ctx, "search", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), e.Seq)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpsertAndNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewSQLBackendFromDB(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	s, err := b.Store("sess-1")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_results (session_id, result_key, value, updated_at)`)).
		WithArgs("sess-1", "plan", `"p"`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM research_results WHERE session_id = $1 AND result_key = $2`)).
		WithArgs("sess-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "plan", "p"))
	_, err = s.GetLatest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendFailureRereadsSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := NewSQLBackendFromDB(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	s, err := b.Store("sess-1")
	require.NoError(t, err)

	maxQuery := regexp.QuoteMeta(`SELECT COALESCE(MAX(seq), 0)`)
	mock.ExpectQuery(maxQuery).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_step_log`)).WillReturnError(assert.AnError)
	mock.ExpectQuery(maxQuery).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_step_log`)).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	_, err = s.Append(ctx, "plan", nil)
	assert.Error(t, err)
	e, err := s.Append(ctx, "plan", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seq)

	assert.NoError(t, mock.ExpectationsWereMet())
}
