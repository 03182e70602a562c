package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "statestore"

// DatabaseWrapper wraps the sqlx operations used by the SQL state store with a circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := newBreaker("sql-"+db.DriverName(), databaseService, FromEnv(EnvDB), logger)
	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) execute(ctx context.Context, fn func() error) error {
	var callErr error
	cbErr := dw.cb.Execute(ctx, func() error {
		callErr = fn()
		// No rows is an answer, not an outage.
		if callErr == sql.ErrNoRows {
			return nil
		}
		return callErr
	})
	if cbErr != nil {
		return cbErr
	}
	return callErr
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext wraps database exec with circuit breaker. Placeholders are rebound for the driver.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.execute(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return result, err
}

// SelectContext wraps sqlx SelectContext with circuit breaker. Placeholders are rebound for the driver.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// GetContext wraps sqlx GetContext with circuit breaker. sql.ErrNoRows is returned as-is.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// Close closes the underlying pool
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetConnMaxLifetime sets the maximum lifetime of pooled connections
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
