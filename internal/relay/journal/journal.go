// Package journal implements the per-session append-only event log.
//
// Every event a session's agent emits (and every journaled client command)
// is stored as a row keyed by (session_id, seq), where seq is a contiguous
// per-session sequence starting at 1. Clients resume by presenting the
// last seq they saw; replay reads strictly greater rows in order.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/relay/store"
)

// Event is one journal row.
type Event struct {
	SessionID string
	Seq       uint64
	Type      string
	Payload   []byte // raw JSON as emitted by the agent or client
	CreatedAt time.Time
}

// Journal provides append and replay over the events table.
type Journal struct {
	db *sql.DB
}

// New creates a Journal over the given database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Append assigns the next sequence number for the session and inserts the
// event in the same transaction. Concurrent appends for one session observe
// distinct, consecutive seq values; SQLite's single-writer transaction
// serializes the MAX(seq)+1 allocation.
func (j *Journal) Append(ctx context.Context, sessionID, eventType string, payload []byte) (uint64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`,
		sessionID).Scan(&seq)
	if err != nil {
		metrics.JournalAppendFailures.Inc()
		return 0, fmt.Errorf("allocate seq: %w", err)
	}

	stored, compression := compress(payload)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, type, payload_json, compression, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, eventType, stored, compression, time.Now().UnixMilli())
	if err != nil {
		metrics.JournalAppendFailures.Inc()
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		metrics.JournalAppendFailures.Inc()
		return 0, fmt.Errorf("commit append: %w", err)
	}

	metrics.EventsJournaled.Inc()
	return seq, nil
}

// GetAfterSeq returns events with seq strictly greater than afterSeq,
// ordered ascending. limit <= 0 means no limit.
func (j *Journal) GetAfterSeq(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]Event, error) {
	query := `SELECT session_id, seq, type, payload_json, compression, created_at
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// GetRecent returns the last n events for the session, in ascending order.
func (j *Journal) GetRecent(ctx context.Context, sessionID string, n int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, seq, type, payload_json, compression, created_at FROM (
			SELECT * FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// GetMaxSeq returns the highest seq for the session, or 0 when empty.
func (j *Journal) GetMaxSeq(ctx context.Context, sessionID string) (uint64, error) {
	var max uint64
	err := j.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`,
		sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return max, nil
}

// DeleteForSession removes all events for the session.
func (j *Journal) DeleteForSession(ctx context.Context, sessionID string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// PruneOlderThan deletes events created before cutoff, but only for archived
// sessions. Active and idle sessions keep their full history so sleeping
// clients can still replay. Returns the number of rows deleted.
func (j *Journal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM events WHERE created_at < ?
		AND session_id IN (SELECT id FROM sessions WHERE status = ?)`,
		cutoff.UnixMilli(), store.StatusArchived)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var stored []byte
		var compression string
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Type, &stored, &compression, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		payload, err := decompress(stored, compression)
		if err != nil {
			return nil, err
		}
		e.Payload = payload
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
