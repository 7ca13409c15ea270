package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapperOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t))
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	mock.ExpectExec("INSERT INTO turns").WithArgs("a").WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := wrapper.ExecContext(ctx, "INSERT INTO turns (id) VALUES ($1)", "a")
	if err != nil {
		t.Fatalf("ExecContext failed: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("Expected 1 affected row, got %d", n)
	}

	mock.ExpectQuery("SELECT id FROM turns").WillReturnError(sql.ErrNoRows)
	var id string
	if err := wrapper.GetContext(ctx, &id, "SELECT id FROM turns WHERE id = $1", "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
	if wrapper.State() != StateClosed {
		t.Errorf("ErrNoRows must not count as failure")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
