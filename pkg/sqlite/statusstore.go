// Package sqlite provides the SQLite-backed status store.
// It uses a pure Go driver with no CGo dependencies and relies on single
// conditional statements for the two protocol-critical writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fiskal/cmdrelay/pkg/command"
	"github.com/fiskal/cmdrelay/pkg/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// StatusStore is a SQLite-based implementation of store.StatusStore.
type StatusStore struct {
	db *sql.DB
}

// statusStoreConfig holds internal configuration for the SQLite status store.
type statusStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

// defaultStatusStoreConfig returns sensible defaults.
func defaultStatusStoreConfig() statusStoreConfig {
	return statusStoreConfig{
		dsn:          "cmdrelay.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// Option is a function that configures a StatusStore.
type Option func(*statusStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *statusStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *statusStoreConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *statusStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *statusStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// Recommended for production use but not available for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *statusStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *statusStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewStatusStore creates a new SQLite status store with the given options.
//
// Example usage:
//
//	// Use defaults (cmdrelay.db, WAL mode, auto-migrate)
//	st, err := sqlite.NewStatusStore()
//
//	// In-memory database for testing
//	st, err := sqlite.NewStatusStore(
//	    sqlite.WithMemoryDatabase(),
//	    sqlite.WithWALMode(false),
//	)
func NewStatusStore(opts ...Option) (*StatusStore, error) {
	config := defaultStatusStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// For :memory: databases every connection gets its own isolated
	// database, so the pool must be pinned to a single connection.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &StatusStore{db: db}

	if config.walMode {
		if err := s.setWALMode(); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return s, nil
}

// setWALMode configures the database for WAL mode.
func (s *StatusStore) setWALMode() error {
	_, err := s.db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`)
	return err
}

// DB returns the underlying database connection.
func (s *StatusStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *StatusStore) Close() error {
	return s.db.Close()
}

// CreateIfAbsent writes the record only if no record exists for its request id.
// The insert is a single conditional statement, so concurrent creators for
// the same id resolve to exactly one Created and the rest Existing.
func (s *StatusStore) CreateIfAbsent(ctx context.Context, record *command.Record) (store.CreateResult, *command.Record, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO status_records
			(request_id, principal_id, operation, status, payload, result, error, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`,
		record.RequestID,
		record.PrincipalID,
		record.Operation,
		string(record.Status),
		[]byte(record.Payload),
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
		record.ExpiresAt.Unix(),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("insert record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("check rows affected: %w", err)
	}

	if affected == 1 {
		return store.Created, record, nil
	}

	existing, err := s.Get(ctx, record.RequestID)
	if err != nil {
		return 0, nil, err
	}
	return store.Existing, existing, nil
}

// Get returns the record for a request id.
func (s *StatusStore) Get(ctx context.Context, requestID string) (*command.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, principal_id, operation, status, payload, result, error,
		       created_at, updated_at, expires_at
		FROM status_records
		WHERE request_id = ?
	`, requestID)

	return scanRecord(row)
}

// Complete transitions a pending record to a terminal state with a single
// conditional update. A lost race returns command.ErrAlreadyFinalized.
func (s *StatusStore) Complete(ctx context.Context, requestID string, result *command.Result, domainErr *command.DomainError) error {
	if (result == nil) == (domainErr == nil) {
		return fmt.Errorf("%w: exactly one of result or error must be set", command.ErrInvalidCommand)
	}

	status := command.StatusCompleted
	var resultJSON, errorJSON sql.NullString

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	} else {
		status = command.StatusFailed
		data, err := json.Marshal(domainErr)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errorJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE status_records
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE request_id = ? AND status = 'pending'
	`,
		string(status),
		resultJSON,
		errorJSON,
		time.Now().Unix(),
		requestID,
	)
	if err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// The conditional update matched nothing: either the record is gone or
	// another writer finalized it first.
	if _, err := s.Get(ctx, requestID); err != nil {
		return err
	}
	return command.ErrAlreadyFinalized
}

// Delete removes a record unconditionally.
func (s *StatusStore) Delete(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM status_records WHERE request_id = ?", requestID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// CountStalePending counts pending records older than the given age.
func (s *StatusStore) CountStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM status_records
		WHERE status = 'pending' AND created_at < ?
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stale pending: %w", err)
	}
	return count, nil
}

// DeleteExpired removes records whose retention window has passed.
func (s *StatusStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM status_records WHERE expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return res.RowsAffected()
}

// scanRecord reads one record row.
func scanRecord(row *sql.Row) (*command.Record, error) {
	var (
		rec        command.Record
		status     string
		payload    []byte
		resultJSON sql.NullString
		errorJSON  sql.NullString
		createdAt  int64
		updatedAt  int64
		expiresAt  int64
	)

	err := row.Scan(
		&rec.RequestID,
		&rec.PrincipalID,
		&rec.Operation,
		&status,
		&payload,
		&resultJSON,
		&errorJSON,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, command.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.Status = command.Status(status)
	rec.Payload = payload
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	rec.ExpiresAt = time.Unix(expiresAt, 0)

	if resultJSON.Valid {
		var result command.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		rec.Result = &result
	}
	if errorJSON.Valid {
		var domainErr command.DomainError
		if err := json.Unmarshal([]byte(errorJSON.String), &domainErr); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
		rec.Error = &domainErr
	}

	return &rec, nil
}

// Ensure StatusStore implements store.StatusStore.
var _ store.StatusStore = (*StatusStore)(nil)
