package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "sessions")
	assertTableExists(t, database.SQL(), "session_commands")
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") succeeded")
	}
}

func TestOpenInMemory(t *testing.T) {
	database, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	defer database.Close()
	assertTableExists(t, database.SQL(), "sessions")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != strconv.Itoa(SchemaVersion()) {
		t.Fatalf("schema version = %s, want %d", version, SchemaVersion())
	}
}

func TestMigrationsRejectNewerSchema(t *testing.T) {
	database, _ := openTestDB(t)
	if _, err := database.SQL().Exec(`UPDATE _meta SET value = '99' WHERE key = 'schema_version'`); err != nil {
		t.Fatalf("bump schema version: %v", err)
	}
	if err := RunMigrations(context.Background(), database.SQL()); err == nil {
		t.Fatal("RunMigrations() accepted a newer schema")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	session := &Session{Command: []string{"bash"}}
	if err := first.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	got, err := second.Sessions().Get(ctx, session.ID)
	if err != nil || got == nil {
		t.Fatalf("Get() after reopen = %#v, %v", got, err)
	}
}

func TestSessionRepoLifecycle(t *testing.T) {
	database, _ := openTestDB(t)
	repo := database.Sessions()
	ctx := context.Background()

	session := &Session{Command: []string{"sh", "-c", "top"}}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatal("Create() did not set session ID")
	}
	if session.Status != SessionRunning {
		t.Fatalf("Create() status = %q, want running", session.Status)
	}

	got, err := repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || len(got.Command) != 3 || got.Command[2] != "top" {
		t.Fatalf("Get() got = %#v", got)
	}
	if !got.ClosedAt.IsZero() {
		t.Fatalf("ClosedAt = %v, want zero", got.ClosedAt)
	}

	closedAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := repo.MarkClosed(ctx, session.ID, SessionClosed, closedAt); err != nil {
		t.Fatalf("MarkClosed() error = %v", err)
	}
	got, err = repo.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get() after close error = %v", err)
	}
	if got.Status != SessionClosed || !got.ClosedAt.Equal(closedAt) {
		t.Fatalf("after MarkClosed got = %#v", got)
	}

	if err := repo.MarkClosed(ctx, "missing", SessionClosed, time.Time{}); err == nil {
		t.Fatal("MarkClosed() on unknown session succeeded")
	}

	missing, err := repo.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("Get(missing) = %#v, %v; want nil, nil", missing, err)
	}
}

func TestSessionRepoListByStatus(t *testing.T) {
	database, _ := openTestDB(t)
	repo := database.Sessions()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []string{SessionRunning, SessionClosed, SessionRunning} {
		s := &Session{Command: []string{"bash"}, Status: status, CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	all, err := repo.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() len = %d, want 3", len(all))
	}
	if !all[0].CreatedAt.After(all[1].CreatedAt) {
		t.Errorf("List() not newest first: %v then %v", all[0].CreatedAt, all[1].CreatedAt)
	}

	running, err := repo.List(ctx, SessionRunning)
	if err != nil {
		t.Fatalf("List(running) error = %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("List(running) len = %d, want 2", len(running))
	}
}

func TestRecoverInterrupted(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()

	live := &Session{Command: []string{"bash"}}
	done := &Session{Command: []string{"bash"}}
	for _, s := range []*Session{live, done} {
		if err := database.Sessions().Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := database.Sessions().MarkClosed(ctx, done.ID, SessionClosed, time.Now().UTC()); err != nil {
		t.Fatalf("MarkClosed() error = %v", err)
	}
	cmd := &SessionCommand{SessionID: live.ID, Op: "take_snapshot", PayloadJSON: `{}`}
	if err := database.Commands().Create(ctx, cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	n, err := database.RecoverInterrupted(ctx, at)
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	got, _ := database.Sessions().Get(ctx, live.ID)
	if got.Status != SessionFailed || !got.ClosedAt.Equal(at) {
		t.Fatalf("live session after recovery = %#v", got)
	}
	other, _ := database.Sessions().Get(ctx, done.ID)
	if other.Status != SessionClosed {
		t.Fatalf("closed session status = %q", other.Status)
	}
	gotCmd, _ := database.Commands().Get(ctx, cmd.ID)
	if gotCmd.Status != CommandFailed || gotCmd.Error != "interrupted" || !gotCmd.CompletedAt.Equal(at) {
		t.Fatalf("command after recovery = %#v", gotCmd)
	}

	if n, err := database.RecoverInterrupted(ctx, at); err != nil || n != 0 {
		t.Fatalf("second RecoverInterrupted() = %d, %v; want 0, nil", n, err)
	}
}

func TestPruneRemovesOldFinishedSessions(t *testing.T) {
	database, _ := openTestDB(t)
	repo := database.Sessions()
	ctx := context.Background()
	now := time.Now().UTC()

	old := &Session{Command: []string{"bash"}}
	recent := &Session{Command: []string{"bash"}}
	running := &Session{Command: []string{"bash"}, CreatedAt: now.Add(-48 * time.Hour)}
	for _, s := range []*Session{old, recent, running} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := repo.MarkClosed(ctx, old.ID, SessionFailed, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("MarkClosed(old) error = %v", err)
	}
	if err := repo.MarkClosed(ctx, recent.ID, SessionClosed, now); err != nil {
		t.Fatalf("MarkClosed(recent) error = %v", err)
	}
	cmd := &SessionCommand{SessionID: old.ID, Op: "send_keys", PayloadJSON: `{}`}
	if err := database.Commands().Create(ctx, cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}

	n, err := database.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	if got, _ := repo.Get(ctx, old.ID); got != nil {
		t.Fatalf("old session still present: %#v", got)
	}
	if got, _ := database.Commands().Get(ctx, cmd.ID); got != nil {
		t.Fatalf("old command still present: %#v", got)
	}
	for _, id := range []string{recent.ID, running.ID} {
		if got, _ := repo.Get(ctx, id); got == nil {
			t.Fatalf("session %s was pruned", id)
		}
	}
}
