// Package localstore provides the durable on-device key-value store.
//
// Values are serialized records (JSON) kept in a single kv table inside an
// embedded SQLite database. The store is deliberately forgiving: any I/O
// failure after a successful Open is logged and surfaces to the caller as an
// absent value or a false result, never as an error. The rest of the core is
// built to degrade to "no cached value" rather than crash.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the embedded SQLite database holding local state.
type Store struct {
	conn *sql.DB
	path string
	log  *zap.Logger
}

// Open creates or opens the local store at the given path.
//
// The database runs in WAL mode with a busy timeout so concurrent readers
// do not trip over writes. The caller must Close() when done.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping local store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, log: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize local store schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	s.conn = nil
	return nil
}

// Get returns the value stored under key. The second result is false when the
// key is absent or the read failed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	var value []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.log.Error("local store read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return value, true
}

// Set stores value under key, replacing any prior value.
// Returns false when the write failed.
func (s *Store) Set(ctx context.Context, key string, value []byte) bool {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.log.Error("local store write failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Remove deletes the key. Removing an absent key succeeds.
func (s *Store) Remove(ctx context.Context, key string) bool {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		s.log.Error("local store delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// ListKeys returns every key starting with prefix, in lexical order.
// A failed read returns an empty list.
func (s *Store) ListKeys(ctx context.Context, prefix string) []string {
	pattern := escapeLike(prefix) + "%"
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`, pattern)
	if err != nil {
		s.log.Error("local store list failed", zap.String("prefix", prefix), zap.Error(err))
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			s.log.Error("local store list scan failed", zap.Error(err))
			return nil
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		s.log.Error("local store list iteration failed", zap.Error(err))
		return nil
	}
	return keys
}

// escapeLike escapes LIKE wildcards so key prefixes containing underscores
// match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
