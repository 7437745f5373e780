// Package journal keeps a SQLite record of worker invocations and outbox
// deliveries. Both the daemon and the chat front-end write to the same
// database file; WAL mode and a busy timeout let them share it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the default journal file name inside the workspace.
const FileName = "journal.db"

// Delivery statuses.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusDropped   = "dropped"
	StatusCorrupt   = "corrupt"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	mode           TEXT    NOT NULL,
	started_at     INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL,
	success        INTEGER NOT NULL,
	kind           TEXT    NOT NULL DEFAULT '',
	error          TEXT    NOT NULL DEFAULT '',
	pending_before INTEGER NOT NULL DEFAULT 0,
	pending_after  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at);

CREATE TABLE IF NOT EXISTS deliveries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id       TEXT    NOT NULL,
	source       TEXT    NOT NULL DEFAULT '',
	chat_id      TEXT    NOT NULL DEFAULT '',
	status       TEXT    NOT NULL,
	error        TEXT    NOT NULL DEFAULT '',
	delivered_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_at ON deliveries(delivered_at);
`

// Invocation is one worker run.
type Invocation struct {
	Mode          string
	StartedAt     time.Time
	Duration      time.Duration
	Success       bool
	Kind          string
	Error         string
	PendingBefore int
	PendingAfter  int
}

// Delivery is one outbox document handled by the front-end.
type Delivery struct {
	DocID       string
	Source      string
	ChatID      string
	Status      string
	Error       string
	DeliveredAt time.Time
}

// Summary aggregates the journal.
type Summary struct {
	Invocations       int
	FailedInvocations int
	Processed         int
	Deliveries        int
	FailedDeliveries  int
	LastInvocation    time.Time
	LastDelivery      time.Time
}

// Journal is a handle on the journal database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordInvocation appends a worker run.
func (j *Journal) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO invocations (mode, started_at, duration_ms, success, kind, error, pending_before, pending_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.Mode, inv.StartedAt.UnixMilli(), inv.Duration.Milliseconds(), boolInt(inv.Success),
		inv.Kind, inv.Error, inv.PendingBefore, inv.PendingAfter,
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// RecordDelivery appends a delivery attempt.
func (j *Journal) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO deliveries (doc_id, source, chat_id, status, error, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DocID, d.Source, d.ChatID, d.Status, d.Error, d.DeliveredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Summary returns aggregate counters over the whole journal.
func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	var lastInv, lastDel sql.NullInt64

	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN success = 1 AND pending_before > pending_after
		                         THEN pending_before - pending_after ELSE 0 END), 0),
		       MAX(started_at)
		FROM invocations`).Scan(&s.Invocations, &s.FailedInvocations, &s.Processed, &lastInv)
	if err != nil {
		return s, fmt.Errorf("summarize invocations: %w", err)
	}

	err = j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       MAX(delivered_at)
		FROM deliveries`, StatusFailed).Scan(&s.Deliveries, &s.FailedDeliveries, &lastDel)
	if err != nil {
		return s, fmt.Errorf("summarize deliveries: %w", err)
	}

	if lastInv.Valid {
		s.LastInvocation = time.UnixMilli(lastInv.Int64)
	}
	if lastDel.Valid {
		s.LastDelivery = time.UnixMilli(lastDel.Int64)
	}
	return s, nil
}

// RecentInvocations returns up to limit invocations, newest first.
func (j *Journal) RecentInvocations(ctx context.Context, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT mode, started_at, duration_ms, success, kind, error, pending_before, pending_after
		FROM invocations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var started, durMs int64
		var success int
		if err := rows.Scan(&inv.Mode, &started, &durMs, &success, &inv.Kind, &inv.Error,
			&inv.PendingBefore, &inv.PendingAfter); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.StartedAt = time.UnixMilli(started)
		inv.Duration = time.Duration(durMs) * time.Millisecond
		inv.Success = success != 0
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()
	var total int64
	for _, q := range []string{
		`DELETE FROM invocations WHERE started_at < ?`,
		`DELETE FROM deliveries WHERE delivered_at < ?`,
	} {
		res, err := j.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune journal: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
