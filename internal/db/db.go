// Package db is the SQLite journal of terminal sessions and the commands
// issued to them.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the journal at path and migrates it to the
// current schema. ":memory:" opens a private in-memory journal.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}

	// One connection: sqlite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := RunMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

func (d *DB) SQL() *sql.DB {
	return d.conn
}

func (d *DB) Sessions() *SessionRepo {
	return NewSessionRepo(d.conn)
}

func (d *DB) Commands() *SessionCommandRepo {
	return NewSessionCommandRepo(d.conn)
}

// RecoverInterrupted closes out rows a previous process left open: running
// sessions become failed and pending commands fail with "interrupted". It
// reports how many sessions were recovered.
func (d *DB) RecoverInterrupted(ctx context.Context, at time.Time) (int64, error) {
	stamp := formatTimestamp(at)
	var recovered int64
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET status = ?, closed_at = ?
WHERE status = ?
`, SessionFailed, stamp, SessionRunning)
		if err != nil {
			return fmt.Errorf("failed to recover sessions: %w", err)
		}
		if recovered, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE session_commands
SET status = ?, error = 'interrupted', completed_at = ?
WHERE status = ?
`, CommandFailed, stamp, CommandPending); err != nil {
			return fmt.Errorf("failed to recover commands: %w", err)
		}
		return nil
	})
	return recovered, err
}

// Prune deletes finished sessions closed before cutoff together with their
// commands. Running sessions are never pruned.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM sessions
WHERE status != ? AND closed_at != '' AND closed_at < ?
`, SessionRunning, formatTimestamp(cutoff))
		if err != nil {
			return fmt.Errorf("failed to prune sessions: %w", err)
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

func (d *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
