// Package controller drives one ht process: it sends line-delimited JSON
// commands to its stdin and consumes the events it prints on stdout.
//
// There is no request correlation in the protocol. A snapshot request is
// answered by the next snapshot event observed after it was sent, so callers
// must not issue overlapping TakeSnapshot calls.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memextech/headless-terminal-mcp/internal/events"
	"github.com/memextech/headless-terminal-mcp/internal/process"
	"github.com/memextech/headless-terminal-mcp/internal/protocol"
)

const (
	DefaultPath            = "ht"
	DefaultStartupDelay    = 800 * time.Millisecond
	DefaultReadyTimeout    = 5 * time.Second
	DefaultSnapshotTimeout = 2 * time.Second
	DefaultSettle          = time.Second
)

// ErrClosed is returned by every operation other than Close once the
// controller has been closed.
var ErrClosed = errors.New("controller is closed")

type State int

const (
	StateCreated State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures the collaborator launch.
type Options struct {
	// Path is the collaborator executable. Defaults to "ht".
	Path string
	// Command is the program hosted in the terminal. Defaults to bash.
	Command   []string
	Subscribe []protocol.Kind
	// Size is an optional COLSxROWS terminal size.
	Size string
	Dir  string
	Env  []string

	// StartupDelay is how long the first command waits after launch when
	// init events are not subscribed. Negative disables the wait.
	StartupDelay time.Duration
	// ReadyTimeout bounds the wait for the init event when it is subscribed.
	ReadyTimeout time.Duration
	GracePeriod  time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if len(o.Command) == 0 {
		o.Command = []string{"bash"}
	}
	if len(o.Subscribe) == 0 {
		o.Subscribe = protocol.DefaultSubscribe
	}
	if o.StartupDelay == 0 {
		o.StartupDelay = DefaultStartupDelay
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller is safe for use by one caller at a time; Close may be called
// from any goroutine.
type Controller struct {
	opts   Options
	logger *slog.Logger

	session *process.Session
	queue   *events.Queue
	reader  *events.Reader

	cancelReader context.CancelFunc
	launched     time.Time
	ready        atomic.Bool

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// Start launches the collaborator and its event reader. A *process.LaunchError
// is returned when the process cannot be started.
func Start(opts Options) (*Controller, error) {
	opts.applyDefaults()
	if opts.Size != "" {
		if _, _, err := protocol.ParseSize(opts.Size); err != nil {
			return nil, err
		}
	}

	c := &Controller{
		opts:   opts,
		logger: opts.Logger,
		queue:  events.NewQueue(),
		state:  StateCreated,
	}

	session, err := process.Start(process.Spec{
		Path:        opts.Path,
		Args:        protocol.LaunchArgs(opts.Subscribe, opts.Size, opts.Command),
		Dir:         opts.Dir,
		Env:         opts.Env,
		GracePeriod: opts.GracePeriod,
	}, c.logger)
	if err != nil {
		c.queue.Close()
		return nil, err
	}

	c.session = session
	c.launched = time.Now()
	c.logger = c.logger.With("pid", session.PID())
	c.reader = events.NewReader(c.queue, c.logger)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReader = cancel
	go c.reader.Run(ctx, session.OutputLines())

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("collaborator started", "path", opts.Path, "command", opts.Command, "subscribe", protocol.JoinKinds(opts.Subscribe))
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) closed() bool { return c.State() == StateClosed }

// Exited is closed when the collaborator process has exited.
func (c *Controller) Exited() <-chan struct{} { return c.session.Done() }

// Stats reports how many inbound lines were delivered and dropped.
func (c *Controller) Stats() events.Stats { return c.reader.Stats() }

// Diagnostics returns the tail of the collaborator's stderr.
func (c *Controller) Diagnostics() string { return c.session.StderrTail() }

// awaitReady holds back the first command until the collaborator can take
// it: the init event when subscribed, otherwise the startup delay.
func (c *Controller) awaitReady(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}

	var wait <-chan time.Time
	var signal <-chan struct{}
	if protocol.HasKind(c.opts.Subscribe, protocol.KindInit) {
		signal = c.reader.Ready()
		timer := time.NewTimer(c.opts.ReadyTimeout)
		defer timer.Stop()
		wait = timer.C
	} else if remaining := time.Until(c.launched.Add(c.opts.StartupDelay)); remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		wait = timer.C
	} else {
		c.ready.Store(true)
		return nil
	}

	select {
	case <-signal:
	case <-wait:
		if signal != nil {
			c.logger.Warn("no init event before ready timeout, sending anyway", "ready_timeout", c.opts.ReadyTimeout)
		}
	case <-c.reader.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	c.ready.Store(true)
	return nil
}

// Send encodes cmd and writes it as one line. It returns once the write has
// completed; any reply arrives asynchronously on the event queue.
func (c *Controller) Send(ctx context.Context, cmd protocol.Command) error {
	if c.closed() {
		return ErrClosed
	}
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	if c.closed() {
		return ErrClosed
	}

	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.session.WriteLine(line); err != nil {
		return err
	}
	c.logger.Debug("command sent", "type", cmd.CommandType())
	return nil
}

// SendKeys types each token in order. Key names are passed through to the
// collaborator unvalidated.
func (c *Controller) SendKeys(ctx context.Context, keys ...string) error {
	return c.Send(ctx, protocol.SendKeys{Keys: keys})
}

// Input writes payload to the terminal without key-name mapping.
func (c *Controller) Input(ctx context.Context, payload string) error {
	return c.Send(ctx, protocol.Input{Payload: payload})
}

func (c *Controller) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return c.Send(ctx, protocol.Resize{Cols: cols, Rows: rows})
}

// TakeSnapshot requests the rendered screen and waits up to timeout for the
// next snapshot event. Events popped while waiting are discarded. ok is
// false when no snapshot arrived in time, which is not an error. A timeout
// of zero or less means DefaultSnapshotTimeout.
//
// The first command sent on a controller waits for readiness (the init
// event, up to ReadyTimeout, or StartupDelay after launch) before the
// request goes out, and timeout only starts counting after that. The first
// TakeSnapshot can therefore take longer than timeout.
func (c *Controller) TakeSnapshot(ctx context.Context, timeout time.Duration) (text string, ok bool, err error) {
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}
	if err := c.Send(ctx, protocol.TakeSnapshot{}); err != nil {
		return "", false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		ev, popped := c.queue.Pop(waitCtx)
		if !popped {
			return "", false, c.waitErr(ctx)
		}
		snap, isSnap := ev.Snapshot()
		if !isSnap {
			continue
		}
		if snap.Text == "" && snap.Seq != "" {
			return snap.Seq, true, nil
		}
		return snap.Text, true, nil
	}
}

// WaitForOutput collects output fragments for the full timeout window, in
// arrival order. Other events are discarded. An empty result is normal. A
// timeout of zero or less means DefaultSettle.
func (c *Controller) WaitForOutput(ctx context.Context, timeout time.Duration) ([]string, error) {
	evs, err := c.WaitForEvents(ctx, timeout, func(ev protocol.Event) bool {
		return ev.Kind == protocol.KindOutput
	})
	fragments := make([]string, 0, len(evs))
	for _, ev := range evs {
		if out, ok := ev.Output(); ok {
			fragments = append(fragments, out.Seq)
		}
	}
	return fragments, err
}

// WaitForEvents drains the queue for the full timeout window and returns the
// events accepted by keep, in arrival order. A nil keep accepts everything.
// A timeout of zero or less means DefaultSettle.
func (c *Controller) WaitForEvents(ctx context.Context, timeout time.Duration, keep func(protocol.Event) bool) ([]protocol.Event, error) {
	if c.closed() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = DefaultSettle
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out []protocol.Event
	for {
		ev, ok := c.queue.Pop(waitCtx)
		if !ok {
			return out, c.waitErr(ctx)
		}
		if keep == nil || keep(ev) {
			out = append(out, ev)
		}
	}
}

// ExecuteCommand types line, presses Enter, lets output settle for settle
// and then takes a snapshot.
func (c *Controller) ExecuteCommand(ctx context.Context, line string, settle, timeout time.Duration) (string, bool, error) {
	if err := c.SendKeys(ctx, line); err != nil {
		return "", false, err
	}
	if err := c.SendKeys(ctx, "Enter"); err != nil {
		return "", false, err
	}
	if settle > 0 {
		if _, err := c.WaitForEvents(ctx, settle, func(protocol.Event) bool { return false }); err != nil {
			return "", false, err
		}
	}
	return c.TakeSnapshot(ctx, timeout)
}

// waitErr explains why a Pop gave up: the caller's context ended, the
// controller was closed, or the window simply elapsed (nil).
func (c *Controller) waitErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed() {
		return ErrClosed
	}
	return nil
}

// Close terminates the collaborator, stops the reader and discards queued
// events. It is idempotent and returns nil even if the process already
// exited.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.queue.Close()
		c.cancelReader()
		if err := c.session.Terminate(); err != nil {
			c.logger.Warn("terminate collaborator", "error", err)
		}
		<-c.reader.Done()

		stats := c.reader.Stats()
		c.logger.Info("collaborator closed", "delivered", stats.Delivered, "dropped", stats.Dropped)
	})
	return nil
}
