package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Manager owns the pooled connection to the relational store. All access
// goes through Execute, which runs a single statement inside an implicit
// transaction.
type Manager struct {
	db       *sql.DB
	connWait time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Config holds database manager configuration.
type Config struct {
	// DSN is the SQLite connection string. Pool and journal pragmas are
	// appended automatically.
	DSN string

	// MinConns and MaxConns bound the connection pool.
	MinConns int
	MaxConns int

	// ConnWaitTimeout bounds how long Execute waits for a pooled
	// connection before failing with ErrConnection.
	ConnWaitTimeout time.Duration

	Logger zerolog.Logger
}

const (
	defaultMaxConns = 10
	defaultConnWait = 5 * time.Second
)

// New creates a database manager and opens the connection pool.
func New(cfg Config) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.MinConns < 0 || cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("min conns must be between 0 and max conns")
	}
	if cfg.ConnWaitTimeout <= 0 {
		cfg.ConnWaitTimeout = defaultConnWait
	}

	// Cascade deletes depend on foreign key enforcement, and WAL gives
	// readers a consistent view while a run is writing.
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	m := &Manager{
		db:       db,
		connWait: cfg.ConnWaitTimeout,
		logger:   cfg.Logger,
	}

	m.logger.Info().
		Int("max_conns", cfg.MaxConns).
		Int("min_conns", cfg.MinConns).
		Msg("Database pool opened")

	return m, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		input_data TEXT,
		output_data TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_user_id
		ON agent_sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent_type
		ON agent_sessions(agent_type);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_created_at
		ON agent_sessions(created_at);

	CREATE TABLE IF NOT EXISTS agent_messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES agent_sessions(session_id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_messages_session_id
		ON agent_messages(session_id);

	CREATE TABLE IF NOT EXISTS agent_artifacts (
		artifact_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES agent_sessions(session_id) ON DELETE CASCADE,
		artifact_type TEXT NOT NULL,
		artifact_name TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_artifacts_session_id
		ON agent_artifacts(session_id);
	CREATE INDEX IF NOT EXISTS idx_agent_artifacts_artifact_type
		ON agent_artifacts(artifact_type);
`

// InitSchema idempotently creates the session, message and artifact tables
// and their indexes.
func (m *Manager) InitSchema(ctx context.Context) error {
	if _, err := m.Execute(ctx, schema, nil, false); err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	m.logger.Info().Msg("Database schema initialized")
	return nil
}

// Row is one result record, keyed by column name.
type Row map[string]interface{}

// Execute runs a single statement inside an implicit transaction that
// commits on success and rolls back on any execution error. When
// wantResults is true the result set is returned as a slice of rows.
func (m *Manager) Execute(ctx context.Context, statement string, args []interface{}, wantResults bool) ([]Row, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: manager is closed", ErrConnection)
	}

	// BeginTx checks a connection out of the pool; the deadline bounds
	// that wait so a saturated pool surfaces as an error, never a hang.
	waitCtx, cancel := context.WithTimeout(ctx, m.connWait)
	defer cancel()

	tx, err := m.db.BeginTx(waitCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	rows, err := m.runStatement(waitCtx, tx, statement, args, wantResults)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrQuery, err)
	}

	return rows, nil
}

func (m *Manager) runStatement(ctx context.Context, tx *sql.Tx, statement string, args []interface{}, wantResults bool) ([]Row, error) {
	if !wantResults {
		if _, err := tx.ExecContext(ctx, statement, args...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuery, err)
		}
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}

	var result []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuery, err)
		}

		record := make(Row, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
		}
		result = append(result, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}

	return result, nil
}

// Close releases all pooled connections. Idempotent; Execute calls made
// after Close fail with ErrConnection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	m.logger.Info().Msg("Database pool closed")
	return m.db.Close()
}
