package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, wrapper.PingContext(ctx))

	// Placeholders are rebound to $N for postgres.
	mock.ExpectExec(`INSERT INTO test \(name\) VALUES \(\$1\)`).
		WithArgs("test").
		WillReturnResult(sqlmock.NewResult(1, 1))
	result, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "test")
	require.NoError(t, err)
	affected, _ := result.RowsAffected()
	assert.Equal(t, int64(1), affected)

	mock.ExpectQuery(`SELECT id, name FROM test WHERE name = \$1`).
		WithArgs("test").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "test").AddRow(2, "test"))
	var rows []struct {
		ID   int    `db:"id"`
		Name string `db:"name"`
	}
	require.NoError(t, wrapper.SelectContext(ctx, &rows, "SELECT id, name FROM test WHERE name = ?", "test"))
	assert.Len(t, rows, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT value FROM test").WillReturnRows(sqlmock.NewRows([]string{"value"}))
		var v string
		err := wrapper.GetContext(ctx, &v, "SELECT value FROM test")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	ctx := context.Background()

	threshold := int(FromEnv(EnvDB).FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectExec("INSERT INTO test").WillReturnError(errors.New("connection refused"))
		_, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "x")
		assert.Error(t, err)
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	_, err = wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "x")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}
