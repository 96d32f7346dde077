package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "execd/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements core.IKVStore on a single sqlite database.
// Conditional updates go through version-checked statements; RowsAffected
// tells us whether the precondition held.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the store at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key = ?`, key).Scan(&value, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, apperrors.ErrKeyNotFound
		}
		return nil, 0, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, version, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	now := time.Now().UnixNano()

	if expectedVersion == 0 {
		// Insert-if-absent
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`,
			key, value, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert key %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, apperrors.ErrVersionConflict
		}
		return 1, nil
	}

	// Compare-and-swap
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, version = version + 1, updated_at = ? WHERE key = ? AND version = ?`,
		value, now, key, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to update key %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, apperrors.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND version = ?`, key, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	if expectedVersion != 0 {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.ErrVersionConflict
		}
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	// Range scan: prefix <= key < prefix+0xFF
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ?`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
