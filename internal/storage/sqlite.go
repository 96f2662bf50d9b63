package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plugin_storage (
	plugin_id  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (plugin_id, key)
);
`

// SQLite is a Store backed by an SQLite database. It is suitable for
// single-node hosts that need plugin data to survive restarts.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn and applies the
// schema. Use ":memory:" for an in-memory database.
func NewSQLite(dsn string) (*SQLite, error) {
	// Append pragmas to the DSN so they apply to every connection in
	// the pool. DSN params are not supported for :memory:.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One open connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get returns the value for (pluginID, key), or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_storage WHERE plugin_id = ? AND key = ?`,
		pluginID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", pluginID, key, err)
	}
	return value, nil
}

// Set writes the value for (pluginID, key).
func (s *SQLite) Set(ctx context.Context, pluginID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_storage (plugin_id, key, value, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (plugin_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = datetime('now')
	`, pluginID, key, value)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", pluginID, key, err)
	}
	return nil
}

// Delete removes (pluginID, key).
func (s *SQLite) Delete(ctx context.Context, pluginID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_storage WHERE plugin_id = ? AND key = ?`,
		pluginID, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", pluginID, key, err)
	}
	return nil
}

// Keys lists all keys in the plugin's namespace, sorted.
func (s *SQLite) Keys(ctx context.Context, pluginID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM plugin_storage WHERE plugin_id = ? ORDER BY key`,
		pluginID)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pluginID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every entry in the plugin's namespace.
func (s *SQLite) Clear(ctx context.Context, pluginID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_storage WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", pluginID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
