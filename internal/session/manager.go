// Package session keeps a registry of live terminal controllers keyed by
// generated IDs and journals every operation issued against them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memextech/headless-terminal-mcp/internal/controller"
	"github.com/memextech/headless-terminal-mcp/internal/db"
	"github.com/memextech/headless-terminal-mcp/internal/process"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrShuttingDown is returned by Create once CloseAll has started.
	ErrShuttingDown = errors.New("session manager shutting down")
)

// Terminal is the part of a controller the manager drives.
type Terminal interface {
	SendKeys(ctx context.Context, keys ...string) error
	TakeSnapshot(ctx context.Context, timeout time.Duration) (string, bool, error)
	WaitForOutput(ctx context.Context, timeout time.Duration) ([]string, error)
	ExecuteCommand(ctx context.Context, line string, settle, timeout time.Duration) (string, bool, error)
	Exited() <-chan struct{}
	Close() error
}

// Launcher starts a terminal hosting command. An empty command means the
// launcher's default.
type Launcher func(ctx context.Context, command []string) (Terminal, error)

// ControllerLauncher starts controllers from a template. Command overrides
// base.Command when non-empty.
func ControllerLauncher(base controller.Options) Launcher {
	return func(_ context.Context, command []string) (Terminal, error) {
		opts := base
		if len(command) > 0 {
			opts.Command = command
		}
		c, err := controller.Start(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Options struct {
	Launch Launcher
	// DefaultCommand is hosted when a create request names none.
	DefaultCommand []string
	// Journal records sessions and commands when set.
	Journal *db.DB
	// ProbePath is checked with "--version" before the first session is
	// created. Empty skips the check.
	ProbePath       string
	ProbeTimeout    time.Duration
	SnapshotTimeout time.Duration
	Settle          time.Duration
	Logger          *slog.Logger
}

type CreateRequest struct {
	Command []string `json:"command,omitempty"`
}

// Info describes a registered session.
type Info struct {
	ID        string    `json:"id"`
	Command   []string  `json:"command"`
	CreatedAt time.Time `json:"created_at"`
	Alive     bool      `json:"alive"`
}

type entry struct {
	id        string
	command   []string
	createdAt time.Time
	term      Terminal

	// ops serializes operations on one terminal. Snapshot replies carry no
	// request id, so two in-flight requests could swap answers.
	ops sync.Mutex
}

func (e *entry) info() Info {
	alive := true
	select {
	case <-e.term.Exited():
		alive = false
	default:
	}
	return Info{ID: e.id, Command: slices.Clone(e.command), CreatedAt: e.createdAt, Alive: alive}
}

type Manager struct {
	launch          Launcher
	defaultCommand  []string
	journal         *db.DB
	logger          *slog.Logger
	probePath       string
	probeTimeout    time.Duration
	snapshotTimeout time.Duration
	settle          time.Duration

	probeMu sync.Mutex
	probed  bool

	mu       sync.RWMutex
	sessions map[string]*entry
	closing  bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = controller.DefaultSnapshotTimeout
	}
	if opts.Settle <= 0 {
		opts.Settle = controller.DefaultSettle
	}
	return &Manager{
		launch:          opts.Launch,
		defaultCommand:  opts.DefaultCommand,
		journal:         opts.Journal,
		logger:          opts.Logger,
		probePath:       opts.ProbePath,
		probeTimeout:    opts.ProbeTimeout,
		snapshotTimeout: opts.SnapshotTimeout,
		settle:          opts.Settle,
		sessions:        make(map[string]*entry),
	}
}

// Create launches a terminal and registers it under a new ID.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Info, error) {
	if m.launch == nil {
		return Info{}, fmt.Errorf("session manager has no launcher")
	}
	if m.isClosing() {
		return Info{}, ErrShuttingDown
	}
	if err := m.probe(ctx); err != nil {
		return Info{}, err
	}

	command := req.Command
	if len(command) == 0 {
		command = m.defaultCommand
	}
	term, err := m.launch(ctx, command)
	if err != nil {
		return Info{}, fmt.Errorf("start terminal: %w", err)
	}

	e := &entry{
		id:        uuid.NewString(),
		command:   slices.Clone(command),
		createdAt: time.Now().UTC(),
		term:      term,
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if err := term.Close(); err != nil {
			m.logger.Warn("close terminal failed", "error", err)
		}
		return Info{}, ErrShuttingDown
	}
	m.sessions[e.id] = e
	m.mu.Unlock()

	if m.journal != nil {
		row := &db.Session{ID: e.id, Command: e.command, Status: db.SessionRunning, CreatedAt: e.createdAt}
		if err := m.journal.Sessions().Create(ctx, row); err != nil {
			m.logger.Warn("journal session failed", "session_id", e.id, "error", err)
		}
	}

	m.logger.Info("session created", "session_id", e.id, "command", strings.Join(e.command, " "))
	return e.info(), nil
}

// probe checks the collaborator binary once; a failure is retried on the
// next Create.
func (m *Manager) probe(ctx context.Context) error {
	if m.probePath == "" {
		return nil
	}
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probed {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	version, err := process.Probe(ctx, m.probePath)
	if err != nil {
		return err
	}
	m.probed = true
	m.logger.Info("collaborator available", "path", m.probePath, "version", version)
	return nil
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) Get(id string) (Info, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return e.info(), nil
}

// List returns every registered session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.info())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *Manager) SendKeys(ctx context.Context, id string, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys are required")
	}
	_, err := withEntry(ctx, m, id, "send_keys", map[string]any{"keys": keys}, func(e *entry) (map[string]any, error) {
		return map[string]any{"sent": true}, e.term.SendKeys(ctx, keys...)
	})
	return err
}

// Snapshot is the result of a snapshot request. Found is false when the
// terminal did not answer within the timeout.
type Snapshot struct {
	Text  string `json:"text"`
	Found bool   `json:"found"`
}

func (m *Manager) TakeSnapshot(ctx context.Context, id string, timeout time.Duration) (Snapshot, error) {
	if timeout <= 0 {
		timeout = m.snapshotTimeout
	}
	return withEntry(ctx, m, id, "take_snapshot", map[string]any{"timeout_ms": timeout.Milliseconds()}, func(e *entry) (Snapshot, error) {
		text, ok, err := e.term.TakeSnapshot(ctx, timeout)
		return Snapshot{Text: text, Found: ok}, err
	})
}

func (m *Manager) WaitForOutput(ctx context.Context, id string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = m.settle
	}
	return withEntry(ctx, m, id, "wait_for_output", map[string]any{"timeout_ms": timeout.Milliseconds()}, func(e *entry) ([]string, error) {
		out, err := e.term.WaitForOutput(ctx, timeout)
		if out == nil {
			out = []string{}
		}
		return out, err
	})
}

// ExecuteCommand types line, presses Enter and returns the screen after
// settle.
func (m *Manager) ExecuteCommand(ctx context.Context, id, line string, settle, timeout time.Duration) (Snapshot, error) {
	if settle <= 0 {
		settle = m.settle
	}
	if timeout <= 0 {
		timeout = m.snapshotTimeout
	}
	payload := map[string]any{"command": line, "settle_ms": settle.Milliseconds(), "timeout_ms": timeout.Milliseconds()}
	return withEntry(ctx, m, id, "execute_command", payload, func(e *entry) (Snapshot, error) {
		text, ok, err := e.term.ExecuteCommand(ctx, line, settle, timeout)
		return Snapshot{Text: text, Found: ok}, err
	})
}

// Close unregisters the session and terminates its terminal.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.closeEntry(ctx, e)
	return nil
}

// CloseAll terminates every registered session. Create fails with
// ErrShuttingDown from then on.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closing = true
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.closeEntry(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (m *Manager) closeEntry(ctx context.Context, e *entry) {
	if err := e.term.Close(); err != nil {
		m.logger.Warn("close terminal failed", "session_id", e.id, "error", err)
	}
	if m.journal != nil {
		if err := m.journal.Sessions().MarkClosed(context.WithoutCancel(ctx), e.id, db.SessionClosed, time.Now().UTC()); err != nil {
			m.logger.Warn("journal session close failed", "session_id", e.id, "error", err)
		}
	}
	m.logger.Info("session closed", "session_id", e.id)
}

// withEntry runs fn against the session's terminal with its operations
// serialized and records the call in the journal.
func withEntry[T any](ctx context.Context, m *Manager, id, op string, payload any, fn func(*entry) (T, error)) (T, error) {
	var zero T
	e, err := m.lookup(id)
	if err != nil {
		return zero, err
	}

	record := m.journalStart(ctx, id, op, payload)

	e.ops.Lock()
	result, err := fn(e)
	e.ops.Unlock()

	m.journalFinish(ctx, record, result, err)
	if errors.Is(err, controller.ErrClosed) {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return result, err
}

func (m *Manager) journalStart(ctx context.Context, sessionID, op string, payload any) *db.SessionCommand {
	if m.journal == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	cmd := &db.SessionCommand{SessionID: sessionID, Op: op, PayloadJSON: string(raw)}
	if err := m.journal.Commands().Create(ctx, cmd); err != nil {
		m.logger.Warn("journal command failed", "session_id", sessionID, "op", op, "error", err)
		return nil
	}
	return cmd
}

func (m *Manager) journalFinish(ctx context.Context, cmd *db.SessionCommand, result any, opErr error) {
	if cmd == nil {
		return
	}
	cmd.CompletedAt = time.Now().UTC()
	switch {
	case opErr != nil:
		cmd.Status = db.CommandFailed
		cmd.Error = opErr.Error()
	case isMiss(result):
		cmd.Status = db.CommandTimedOut
	default:
		cmd.Status = db.CommandCompleted
	}
	if opErr == nil {
		if raw, err := json.Marshal(result); err == nil {
			cmd.ResultJSON = string(raw)
		}
	}
	if err := m.journal.Commands().Update(context.WithoutCancel(ctx), cmd); err != nil {
		m.logger.Warn("journal command update failed", "command_id", cmd.ID, "error", err)
	}
}

func isMiss(result any) bool {
	snap, ok := result.(Snapshot)
	return ok && !snap.Found
}
