// Package tracestore persists turn traces so they can be fetched and
// compared after the request that produced them has returned.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
)

// ErrNotFound is returned when no trace exists for a turn.
var ErrNotFound = errors.New("trace not found")

// Config holds database configuration.
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver string `mapstructure:"driver"`
	// DSN overrides the connection string built from the fields below.
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// Status of a stored turn.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one persisted turn.
type Record struct {
	TurnID       string    `db:"turn_id" json:"turn_id"`
	SessionID    string    `db:"session_id" json:"session_id"`
	Query        string    `db:"query" json:"query"`
	Outcome      string    `db:"outcome" json:"outcome"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage string    `db:"error_message" json:"error,omitempty"`
	Trace        string    `db:"trace" json:"-"`
	DurationMs   int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// DecodeTrace parses the stored trace JSON.
func (r *Record) DecodeTrace() (*agent.Trace, error) {
	var t agent.Trace
	if err := json.Unmarshal([]byte(r.Trace), &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", r.TurnID, err)
	}
	return &t, nil
}

// NewRecord builds a record from a finished or failed turn.
func NewRecord(turnID, sessionID string, trace *agent.Trace, turnErr error, duration time.Duration, now time.Time) (*Record, error) {
	body, err := json.Marshal(trace)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	rec := &Record{
		TurnID:     turnID,
		SessionID:  sessionID,
		Query:      trace.Query,
		Status:     StatusCompleted,
		Trace:      string(body),
		DurationMs: duration.Milliseconds(),
		CreatedAt:  now.UTC(),
	}
	if trace.Outcome != nil {
		rec.Outcome = string(trace.Outcome.Kind)
	}
	if turnErr != nil {
		rec.Status = StatusFailed
		rec.ErrorMessage = turnErr.Error()
	}
	return rec, nil
}

type writeRequest struct {
	rec      *Record
	callback func(error)
}

// Store reads and writes turn records. Writes can be queued and applied by
// a worker pool so request handlers do not wait on the database.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	writeQueue chan writeRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// Open connects, verifies the connection, and creates the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	dsn := cfg.DSN
	if dsn == "" {
		if cfg.Driver != "postgres" {
			return nil, fmt.Errorf("dsn is required for driver %s", cfg.Driver)
		}
		if cfg.SSLMode == "" {
			cfg.SSLMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	}

	raw, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxConnections)
	raw.SetMaxIdleConns(cfg.IdleConnections)
	raw.SetConnMaxLifetime(cfg.MaxLifetime)
	if cfg.Driver == "sqlite3" {
		raw.SetMaxOpenConns(1)
	}

	s := New(raw, cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	s.Start()

	logger.Info("Trace store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", s.workers),
	)
	return s, nil
}

// New wraps an open handle. Call Start to enable SaveAsync.
func New(db *sqlx.DB, cfg Config, logger *zap.Logger) *Store {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	return &Store{
		db:         circuitbreaker.NewDatabaseWrapper(db, logger),
		logger:     logger,
		writeQueue: make(chan writeRequest, queue),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS turn_traces (
	turn_id       TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	query         TEXT NOT NULL,
	outcome       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	trace         TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_traces_session ON turn_traces (session_id, created_at);
`

// Migrate creates the table and index when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate trace store: %w", err)
	}
	return nil
}

const upsertRecord = `
INSERT INTO turn_traces (turn_id, session_id, query, outcome, status, error_message, trace, duration_ms, created_at)
VALUES (:turn_id, :session_id, :query, :outcome, :status, :error_message, :trace, :duration_ms, :created_at)
ON CONFLICT (turn_id) DO UPDATE SET
	outcome = excluded.outcome,
	status = excluded.status,
	error_message = excluded.error_message,
	trace = excluded.trace,
	duration_ms = excluded.duration_ms`

// Save writes rec synchronously.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.TurnID == "" {
		return errors.New("turn_id is required")
	}
	if _, err := s.db.NamedExecContext(ctx, upsertRecord, rec); err != nil {
		metrics.TraceWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to save trace %s: %w", rec.TurnID, err)
	}
	metrics.TraceWrites.WithLabelValues("success").Inc()
	return nil
}

// SaveAsync queues rec. When the queue is full the record is dropped and
// callback receives an error.
func (s *Store) SaveAsync(rec *Record, callback func(error)) {
	select {
	case s.writeQueue <- writeRequest{rec: rec, callback: callback}:
	default:
		metrics.TraceWrites.WithLabelValues("dropped").Inc()
		s.logger.Warn("Trace write queue full, dropping record", zap.String("turn_id", rec.TurnID))
		if callback != nil {
			callback(errors.New("trace write queue full"))
		}
	}
}

const selectColumns = `turn_id, session_id, query, outcome, status, error_message, trace, duration_ms, created_at`

// Get loads the record of a turn.
func (s *Store) Get(ctx context.Context, turnID string) (*Record, error) {
	var rec Record
	q := s.db.DB().Rebind(`SELECT ` + selectColumns + ` FROM turn_traces WHERE turn_id = ?`)
	if err := s.db.GetContext(ctx, &rec, q, turnID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load trace %s: %w", turnID, err)
	}
	return &rec, nil
}

// ListBySession returns the session's turns, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var recs []Record
	q := s.db.DB().Rebind(`SELECT ` + selectColumns + ` FROM turn_traces WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &recs, q, sessionID, limit); err != nil {
		return nil, fmt.Errorf("failed to list traces for session %s: %w", sessionID, err)
	}
	return recs, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Start launches the write workers.
func (s *Store) Start() {
	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.writeWorker(i)
	}
}

func (s *Store) writeWorker(id int) {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			s.logger.Debug("Trace write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-s.writeQueue:
			s.processWrite(req)
		}
	}
}

func (s *Store) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Save(ctx, req.rec)
	if err != nil {
		s.logger.Error("Failed to persist trace", zap.String("turn_id", req.rec.TurnID), zap.Error(err))
	}
	if req.callback != nil {
		req.callback(err)
	}
}

func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		case <-timeout:
			s.logger.Warn("Timeout draining trace write queue")
			return
		default:
			return
		}
	}
}

// Close stops the workers after draining queued writes, then closes the
// database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.workerWg.Wait()
		err = s.db.DB().Close()
	})
	return err
}
