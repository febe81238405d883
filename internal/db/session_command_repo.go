package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type SessionCommandRepo struct {
	db *sql.DB
}

func NewSessionCommandRepo(db *sql.DB) *SessionCommandRepo {
	return &SessionCommandRepo{db: db}
}

func (r *SessionCommandRepo) Create(ctx context.Context, cmd *SessionCommand) error {
	if cmd == nil {
		return fmt.Errorf("session command is required")
	}
	if cmd.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		cmd.ID = id
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowUTC()
	}
	if strings.TrimSpace(cmd.Status) == "" {
		cmd.Status = CommandPending
	}
	if cmd.PayloadJSON == "" {
		cmd.PayloadJSON = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_commands (
	id, session_id, op, payload_json, status, result_json, error, created_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		cmd.ID,
		cmd.SessionID,
		cmd.Op,
		cmd.PayloadJSON,
		cmd.Status,
		cmd.ResultJSON,
		cmd.Error,
		formatTimestamp(cmd.CreatedAt),
		formatTimestampOrEmpty(cmd.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session command: %w", err)
	}
	return nil
}

// Get returns nil, nil when no command has the given id.
func (r *SessionCommandRepo) Get(ctx context.Context, id string) (*SessionCommand, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, session_id, op, payload_json, status, result_json, error, created_at, completed_at
FROM session_commands
WHERE id = ?
`, id)
	cmd, err := scanSessionCommand(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session command %q: %w", id, err)
	}
	return cmd, nil
}

// ListBySession returns the newest commands of a session first. limit is
// clamped to 1..500 and defaults to 50.
func (r *SessionCommandRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*SessionCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, op, payload_json, status, result_json, error, created_at, completed_at
FROM session_commands
WHERE session_id = ?
ORDER BY created_at DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session commands: %w", err)
	}
	defer rows.Close()

	out := make([]*SessionCommand, 0, limit)
	for rows.Next() {
		cmd, err := scanSessionCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session command: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating session commands: %w", err)
	}
	return out, nil
}

// Update stores the outcome fields of cmd.
func (r *SessionCommandRepo) Update(ctx context.Context, cmd *SessionCommand) error {
	if cmd == nil {
		return fmt.Errorf("session command is required")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE session_commands
SET status = ?, result_json = ?, error = ?, completed_at = ?
WHERE id = ?
`,
		cmd.Status,
		cmd.ResultJSON,
		cmd.Error,
		formatTimestampOrEmpty(cmd.CompletedAt),
		cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session command %q: %w", cmd.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for session command %q: %w", cmd.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("session command %q not found", cmd.ID)
	}
	return nil
}

func scanSessionCommand(row rowScanner) (*SessionCommand, error) {
	var cmd SessionCommand
	var createdAtRaw, completedAtRaw string
	if err := row.Scan(
		&cmd.ID,
		&cmd.SessionID,
		&cmd.Op,
		&cmd.PayloadJSON,
		&cmd.Status,
		&cmd.ResultJSON,
		&cmd.Error,
		&createdAtRaw,
		&completedAtRaw,
	); err != nil {
		return nil, err
	}
	var err error
	if cmd.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if cmd.CompletedAt, err = parseOptionalTimestamp(completedAtRaw); err != nil {
		return nil, err
	}
	return &cmd, nil
}
