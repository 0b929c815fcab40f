// Package store provides database access for session records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Session modes.
const (
	ModeChat = "chat"
	ModeCode = "code"
)

// Session statuses.
const (
	StatusCreating = "creating"
	StatusActive   = "active"
	StatusIdle     = "idle"
	StatusArchived = "archived"
	StatusError    = "error"
)

// Session is a row in the sessions table.
type Session struct {
	ID                string
	Mode              string
	Status            string
	SandboxProvider   string
	SandboxProviderID string
	EnvironmentID     string
	RepoID            string
	Name              string
	FirstUserMessage  string
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// Sessions provides queries over the sessions table.
type Sessions struct {
	db *sql.DB
}

// NewSessions creates a session store over the given database.
func NewSessions(db *sql.DB) *Sessions {
	return &Sessions{db: db}
}

const sessionColumns = `id, mode, status, sandbox_provider, sandbox_provider_id,
	environment_id, repo_id, name, first_user_message, created_at, last_activity_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var createdAt, lastActivity int64
	err := row.Scan(&s.ID, &s.Mode, &s.Status, &s.SandboxProvider, &s.SandboxProviderID,
		&s.EnvironmentID, &s.RepoID, &s.Name, &s.FirstUserMessage, &createdAt, &lastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.LastActivityAt = time.UnixMilli(lastActivity)
	return &s, nil
}

// Create inserts a new session record.
func (st *Sessions) Create(ctx context.Context, s *Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = now
	}
	if s.Mode == "" {
		s.Mode = ModeCode
	}
	if s.Status == "" {
		s.Status = StatusCreating
	}

	_, err := st.db.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, status, sandbox_provider, sandbox_provider_id,
			environment_id, repo_id, name, first_user_message, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Mode, s.Status, s.SandboxProvider, s.SandboxProviderID,
		s.EnvironmentID, s.RepoID, s.Name, s.FirstUserMessage,
		s.CreatedAt.UnixMilli(), s.LastActivityAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get looks up a session by id.
func (st *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListByStatus returns all sessions with the given status.
func (st *Sessions) ListByStatus(ctx context.Context, status string) ([]*Session, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetStatus updates a session's status unconditionally.
func (st *Sessions) SetStatus(ctx context.Context, id, status string) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(res)
}

// IdleIfActive flips a session from active to idle. Returns true if the
// transition happened. The compare-and-swap guards against a concurrent
// attach re-activating the session.
func (st *Sessions) IdleIfActive(ctx context.Context, id string) (bool, error) {
	res, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		StatusIdle, id, StatusActive)
	if err != nil {
		return false, fmt.Errorf("idle session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch bumps the session's last-activity timestamp.
func (st *Sessions) Touch(ctx context.Context, id string) error {
	_, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SetName updates the session's display name.
func (st *Sessions) SetName(ctx context.Context, id, name string) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("set name: %w", err)
	}
	return requireRow(res)
}

// SetFirstUserMessage records the first prompt text. First write wins;
// later prompts do not overwrite it.
func (st *Sessions) SetFirstUserMessage(ctx context.Context, id, msg string) error {
	_, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET first_user_message = ? WHERE id = ? AND first_user_message = ''`,
		msg, id)
	if err != nil {
		return fmt.Errorf("set first user message: %w", err)
	}
	return nil
}

// Delete removes a session and, via cascade, its journal rows.
func (st *Sessions) Delete(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res)
}

// FailStaleCreating flips sessions stuck in creating longer than maxAge
// to error. Returns the number of sessions updated. Run once at boot.
func (st *Sessions) FailStaleCreating(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := st.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ? AND created_at < ?`,
		StatusError, StatusCreating, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stale creating: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
