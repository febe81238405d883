package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		session.ID = id
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = nowUTC()
	}
	if session.Status == "" {
		session.Status = SessionRunning
	}
	command, err := encodeStringSlice(session.Command)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO sessions (id, command, status, created_at, closed_at)
VALUES (?, ?, ?, ?, ?)
`, session.ID, command, session.Status, formatTimestamp(session.CreatedAt), formatTimestampOrEmpty(session.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get returns nil, nil when no session has the given id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, command, status, created_at, closed_at
FROM sessions
WHERE id = ?
`, id)
	s, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

// List returns sessions newest first, optionally restricted to status.
func (r *SessionRepo) List(ctx context.Context, status string) ([]*Session, error) {
	query := `
SELECT id, command, status, created_at, closed_at
FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating sessions: %w", err)
	}
	return out, nil
}

// MarkClosed records the final status of a session.
func (r *SessionRepo) MarkClosed(ctx context.Context, id, status string, closedAt time.Time) error {
	if status == "" {
		status = SessionClosed
	}
	if closedAt.IsZero() {
		closedAt = nowUTC()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status = ?, closed_at = ?
WHERE id = ?
`, status, formatTimestamp(closedAt), id)
	if err != nil {
		return fmt.Errorf("failed to close session %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for session %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %q not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var commandRaw, createdAtRaw, closedAtRaw string
	if err := row.Scan(&s.ID, &commandRaw, &s.Status, &createdAtRaw, &closedAtRaw); err != nil {
		return nil, err
	}
	var err error
	if s.Command, err = decodeStringSlice(commandRaw); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if s.ClosedAt, err = parseOptionalTimestamp(closedAtRaw); err != nil {
		return nil, err
	}
	return &s, nil
}
