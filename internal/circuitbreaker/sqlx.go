package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a sqlx handle with a breaker.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a wrapper whose breaker is named after the driver.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(db.DriverName(), DatabaseSettings(), logger)
	instrument(cb, "trace-store")
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// DB returns the wrapped handle.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// PingContext pings through the breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func() error { return dw.db.PingContext(ctx) })
	recordRequest(dw.cb, "trace-store", err)
	return err
}

// ExecContext runs a statement through the breaker.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		res, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	recordRequest(dw.cb, "trace-store", err)
	return res, err
}

// NamedExecContext runs a named statement through the breaker.
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		res, execErr = dw.db.NamedExecContext(ctx, query, arg)
		return execErr
	})
	recordRequest(dw.cb, "trace-store", err)
	return res, err
}

// GetContext scans a single row into dest. sql.ErrNoRows is not a breaker failure.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var getErr error
	err := dw.cb.Execute(ctx, func() error {
		getErr = dw.db.GetContext(ctx, dest, query, args...)
		if errors.Is(getErr, sql.ErrNoRows) {
			return nil
		}
		return getErr
	})
	recordRequest(dw.cb, "trace-store", err)
	if err != nil {
		return err
	}
	return getErr
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
	recordRequest(dw.cb, "trace-store", err)
	return err
}

// State reports the breaker state.
func (dw *DatabaseWrapper) State() State { return dw.cb.State() }
