// ABOUTME: SQLite implementation of the kv Store using a single entries table
// ABOUTME: Supports the pure-Go modernc driver ("sqlite") and the cgo mattn driver ("sqlite3")

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// SQLiteStore implements Store on top of SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database at path with the given driver and creates
// the schema if needed. An empty driver selects the pure-Go driver.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "kv")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCgo:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each :memory: connection is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite kv store initialized", "path", path, "driver", driver)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores value under key, replacing any previous entry and its TTL.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	var expiresAt sql.NullInt64
	if exp := expiry(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key. Expired rows are deleted and reported as
// ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}

	if expiresAt.Valid && expired(time.UnixMilli(expiresAt.Int64), s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ? AND expires_at = ?`, key, expiresAt.Int64); err != nil {
			s.logger.Warn("failed to delete expired entry", "key", key, "error", err)
		}
		return nil, ErrNotFound
	}

	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns every live key that starts with prefix, ordered by name.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, expires_at FROM entries
		WHERE key >= ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, prefix, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var name string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&name, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		// Keys are ordered, so the first non-matching key ends the range.
		if !strings.HasPrefix(name, prefix) {
			break
		}
		k := Key{Name: name}
		if expiresAt.Valid {
			k.ExpiresAt = time.UnixMilli(expiresAt.Int64)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys: %w", err)
	}
	return keys, nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept entries: %w", err)
	}
	return int(n), nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
