package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "sanctuary/pkg/database"
	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// Write path tuning
const (
	DefaultRetryDelay = 5 * time.Second
	writeTimeout      = 30 * time.Second
)

// Manager errors
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite session directory and message store. Reads run
// concurrently on the pool; every write goes through one goroutine.
type Manager struct {
	db         *sql.DB
	config     *dbconfig.Config
	logger     *slog.Logger
	retryDelay time.Duration

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer. Migrations are the
// caller's job.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		retryDelay:   DefaultRetryDelay,
		writeChannel: make(chan writeOperation),
		shutdown:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// writeLoop runs writes one at a time; a failed write is retried once
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				m.logger.Warn("database write failed, retrying", "delay", m.retryDelay, "error", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
					if err != nil {
						m.logger.Error("database write failed after retry", "error", err)
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

// executeWrite hands a write to the writer goroutine and waits for it
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateSession inserts a directory record
func (m *Manager) CreateSession(ctx context.Context, record *types.SessionRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, name, owner_id, status, created_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			record.ID,
			record.Name,
			record.OwnerID,
			record.Status,
			record.CreatedAt.UTC(),
			nullTime(record.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession returns interfaces.ErrSessionNotFound for unknown IDs
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, status, created_at, ended_at
		FROM sessions
		WHERE id = ?
	`, sessionID)

	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return record, nil
}

// UpdateSession rewrites the mutable fields of a record
func (m *Manager) UpdateSession(ctx context.Context, record *types.SessionRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET name = ?, owner_id = ?, status = ?, ended_at = ?
			WHERE id = ?
		`,
			record.Name,
			record.OwnerID,
			record.Status,
			nullTime(record.EndedAt),
			record.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// ListActiveSessions returns live sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.SessionRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, owner_id, status, created_at, ended_at
		FROM sessions
		WHERE status = ?
		ORDER BY created_at DESC
	`, types.SessionStatusLive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return records, nil
}

// StoreHostGrant records a token hash; storing the same hash again
// refreshes its expiry
func (m *Manager) StoreHostGrant(ctx context.Context, grant *types.HostGrant) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO host_grants (session_id, token_hash, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (session_id, token_hash) DO UPDATE SET expires_at = excluded.expires_at
		`, grant.SessionID, grant.TokenHash, grant.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to store host grant: %w", err)
		}
		return nil
	})
}

// GetHostGrant returns interfaces.ErrGrantNotFound when absent. Expired
// grants are returned; expiry is the caller's decision.
func (m *Manager) GetHostGrant(ctx context.Context, sessionID, tokenHash string) (*types.HostGrant, error) {
	grant := &types.HostGrant{}
	err := m.db.QueryRowContext(ctx, `
		SELECT session_id, token_hash, expires_at
		FROM host_grants
		WHERE session_id = ? AND token_hash = ?
	`, sessionID, tokenHash).Scan(&grant.SessionID, &grant.TokenHash, &grant.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to query host grant: %w", err)
	}
	return grant, nil
}

// RevokeHostGrants drops every grant of a session
func (m *Manager) RevokeHostGrants(ctx context.Context, sessionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM host_grants WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to revoke host grants: %w", err)
		}
		return nil
	})
}

// PurgeExpiredGrants deletes grants that expired before now
func (m *Manager) PurgeExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM host_grants WHERE expires_at <= ?`, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to purge host grants: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

// StoreMessage appends a chat line to the session history
func (m *Manager) StoreMessage(ctx context.Context, message *types.ChatMessage) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, from_user, text, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`,
			message.ID,
			message.SessionID,
			message.FromUser,
			message.Text,
			message.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetSessionHistory returns the latest limit messages in chronological
// order; limit <= 0 returns everything
func (m *Manager) GetSessionHistory(ctx context.Context, sessionID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, from_user, text, timestamp FROM (
			SELECT id, session_id, from_user, text, timestamp, rowid AS seq
			FROM messages
			WHERE session_id = ?
			ORDER BY timestamp DESC, seq DESC
			LIMIT ?
		) ORDER BY timestamp ASC, seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.ChatMessage, 0)
	for rows.Next() {
		var message types.ChatMessage
		if err := rows.Scan(
			&message.ID,
			&message.SessionID,
			&message.FromUser,
			&message.Text,
			&message.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// retryable reports whether a second attempt could succeed. Constraint
// violations and missing rows fail the same way twice.
func retryable(err error) bool {
	if errors.Is(err, interfaces.ErrSessionNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return false
	}
	return true
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.SessionRecord, error) {
	var (
		record  types.SessionRecord
		endedAt sql.NullTime
	)
	if err := row.Scan(
		&record.ID,
		&record.Name,
		&record.OwnerID,
		&record.Status,
		&record.CreatedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		record.EndedAt = &t
	}
	return &record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// applySQLiteOptimizations sets the pragmas the DSN cannot carry
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
