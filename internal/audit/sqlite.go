// Package audit implements the append-only audit sink. Every externally
// observable decision lands here before the engine acknowledges anything
// upstream; a failed append fails the dispatch.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"execd/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit (
	event_id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts                 INTEGER NOT NULL,
	kind               TEXT NOT NULL,
	signal_fingerprint TEXT,
	order_id           TEXT,
	exchange_order_id  TEXT,
	oco_group_id       TEXT,
	outcome            TEXT NOT NULL,
	reason             TEXT,
	payload            TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_fingerprint ON audit(signal_fingerprint);
CREATE INDEX IF NOT EXISTS idx_audit_order ON audit(order_id);
`

// SQLiteSink implements core.IAuditSink on sqlite. AUTOINCREMENT gives the
// monotonic event_id required by the audit schema.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Append(ctx context.Context, entry *core.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (ts, kind, signal_fingerprint, order_id, exchange_order_id, oco_group_id, outcome, reason, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixNano(), entry.Kind, entry.SignalFingerprint, entry.OrderID,
		entry.ExchangeOrderID, entry.OCOGroupID, entry.Outcome, entry.Reason, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit event id: %w", err)
	}
	entry.EventID = id
	return nil
}

// Entries returns all audit rows for a fingerprint in event order. Used by
// tests and the operator tooling, not by the hot path.
func (s *SQLiteSink) Entries(ctx context.Context, fingerprint string) ([]core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, ts, kind, signal_fingerprint, order_id, exchange_order_id, oco_group_id, outcome, reason, payload
		 FROM audit WHERE signal_fingerprint = ? ORDER BY event_id`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]core.AuditEntry, error) {
	var out []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&e.EventID, &ts, &e.Kind, &e.SignalFingerprint, &e.OrderID,
			&e.ExchangeOrderID, &e.OCOGroupID, &e.Outcome, &e.Reason, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
