package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

const sqlBackend = "sql"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS research_step_log (
		session_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		id TEXT NOT NULL,
		step TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS research_results (
		session_id TEXT NOT NULL,
		result_key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, result_key)
	)`,
	`CREATE TABLE IF NOT EXISTS research_state (
		session_id TEXT NOT NULL,
		state_key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, state_key)
	)`,
}

// SQLBackend stores sessions in PostgreSQL or SQLite through sqlx.
type SQLBackend struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// NewSQLBackend opens driver/dsn ("postgres" or "sqlite3") and pings it.
func NewSQLBackend(driver, dsn string, logger *zap.Logger) (*SQLBackend, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	b := NewSQLBackendFromDB(db, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	logger.Info("Research state store connected to SQL database", zap.String("driver", driver))
	return b, nil
}

// NewSQLBackendFromDB wraps an existing handle.
func NewSQLBackendFromDB(db *sqlx.DB, logger *zap.Logger) *SQLBackend {
	return &SQLBackend{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		logger: logger,
	}
}

// Migrate creates the state store tables if they do not exist.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate research tables: %w", err)
		}
	}
	return nil
}

// Factory returns a Factory bound to this backend.
func (b *SQLBackend) Factory() Factory {
	return func(sessionID string) (Store, error) {
		return b.Store(sessionID)
	}
}

// Store returns the store for one session.
func (b *SQLBackend) Store(sessionID string) (*SQLStore, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	return &SQLStore{backend: b, sessionID: sessionID}, nil
}

// Ping checks the connection through the circuit breaker.
func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// BreakerOpen reports whether the database circuit breaker is open.
func (b *SQLBackend) BreakerOpen() bool {
	return b.db.IsCircuitBreakerOpen()
}

// Close closes the database handle
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// SQLStore is one session's view of the SQL tables.
type SQLStore struct {
	backend   *SQLBackend
	sessionID string

	mu      sync.Mutex
	seq     int64
	seqInit bool
}

type logRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Step      string    `db:"step"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

type kvRow struct {
	Key   string `db:"k"`
	Value string `db:"value"`
}

func (s *SQLStore) SessionID() string { return s.sessionID }

func (s *SQLStore) nextSeq(ctx context.Context) (int64, error) {
	if !s.seqInit {
		var max int64
		err := s.backend.db.GetContext(ctx, &max,
			`SELECT COALESCE(MAX(seq), 0) FROM research_step_log WHERE session_id = ?`, s.sessionID)
		if err != nil {
			return 0, fmt.Errorf("failed to read log sequence: %w", err)
		}
		s.seq = max
		s.seqInit = true
	}
	s.seq++
	return s.seq, nil
}

func (s *SQLStore) Append(ctx context.Context, step string, payload interface{}) (entry LogEntry, err error) {
	defer func() { metrics.RecordStoreOperation(sqlBackend, "append", err) }()

	raw, err := encode(payload)
	if err != nil {
		return LogEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return LogEntry{}, err
	}
	entry = newEntry(s.sessionID, seq, step, raw)
	_, err = s.backend.db.ExecContext(ctx,
		`INSERT INTO research_step_log (session_id, seq, id, step, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Seq, entry.ID.String(), entry.Step, string(entry.Payload), entry.Timestamp,
	)
	if err != nil {
		// Let the next append re-read the sequence.
		s.seqInit = false
		return LogEntry{}, fmt.Errorf("failed to append log entry: %w", err)
	}
	return entry, nil
}

func (s *SQLStore) Log(ctx context.Context) ([]LogEntry, error) {
	var rows []logRow
	err := s.backend.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, seq, step, payload, created_at
		 FROM research_step_log WHERE session_id = ? ORDER BY seq`, s.sessionID)
	metrics.RecordStoreOperation(sqlBackend, "log", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	out := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid log entry id %q: %w", r.ID, err)
		}
		out = append(out, LogEntry{
			ID:        id,
			SessionID: r.SessionID,
			Seq:       r.Seq,
			Step:      r.Step,
			Payload:   json.RawMessage(r.Payload),
			Timestamp: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) Save(ctx context.Context, key string, value interface{}) error {
	return s.upsert(ctx, "research_results", "result_key", "save", key, value)
}

func (s *SQLStore) GetLatest(ctx context.Context, key string) (json.RawMessage, error) {
	return s.get(ctx, "research_results", "result_key", "get_latest", key)
}

func (s *SQLStore) GetAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	var rows []kvRow
	err := s.backend.db.SelectContext(ctx, &rows,
		`SELECT result_key AS k, value FROM research_results WHERE session_id = ?`, s.sessionID)
	metrics.RecordStoreOperation(sqlBackend, "get_all", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	// Prefix filtering stays in Go so keys containing LIKE wildcards match literally.
	out := make(map[string]json.RawMessage)
	for _, r := range rows {
		if strings.HasPrefix(r.Key, prefix) {
			out[r.Key] = json.RawMessage(r.Value)
		}
	}
	return out, nil
}

func (s *SQLStore) SetState(ctx context.Context, key string, value interface{}) error {
	return s.upsert(ctx, "research_state", "state_key", "set_state", key, value)
}

func (s *SQLStore) GetState(ctx context.Context, key string) (json.RawMessage, error) {
	return s.get(ctx, "research_state", "state_key", "get_state", key)
}

func (s *SQLStore) upsert(ctx context.Context, table, keyCol, op, key string, value interface{}) (err error) {
	defer func() { metrics.RecordStoreOperation(sqlBackend, op, err) }()

	raw, err := encode(value)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (session_id, %[2]s, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, %[2]s) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		table, keyCol)
	if _, err = s.backend.db.ExecContext(ctx, query, s.sessionID, key, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) get(ctx context.Context, table, keyCol, op, key string) (json.RawMessage, error) {
	var value string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE session_id = ? AND %s = ?`, table, keyCol)
	err := s.backend.db.GetContext(ctx, &value, query, s.sessionID, key)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStoreOperation(sqlBackend, op, nil)
		return nil, ErrNotFound
	}
	metrics.RecordStoreOperation(sqlBackend, op, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}
