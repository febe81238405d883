// Package htstub is a stand-in for the ht headless terminal. It speaks the
// same line protocol on stdin/stdout and hosts the command in a real PTY,
// but renders snapshots from captured output instead of emulating a screen.
package htstub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/memextech/headless-terminal-mcp/internal/protocol"
	"github.com/memextech/headless-terminal-mcp/internal/pty"
)

const Version = "ht-stub 0.3.0"

const (
	settleQuiet = 100 * time.Millisecond
	settleMax   = time.Second
)

// Options is the parsed command line.
type Options struct {
	Subscribe []protocol.Kind
	Cols      uint16
	Rows      uint16
	Command   []string
	Version   bool
}

// ParseArgs parses the collaborator command line. Parsing stops at the first
// positional argument so the hosted command keeps its own flags.
func ParseArgs(args []string) (Options, error) {
	fs := pflag.NewFlagSet("ht-stub", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)

	subscribe := fs.String("subscribe", "", "comma separated event kinds to emit")
	size := fs.String("size", "", "terminal size as COLSxROWS")
	version := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	opts := Options{
		Subscribe: protocol.ParseKinds(*subscribe),
		Command:   fs.Args(),
		Version:   *version,
	}
	if *size != "" {
		cols, rows, err := protocol.ParseSize(*size)
		if err != nil {
			return Options{}, err
		}
		opts.Cols, opts.Rows = uint16(cols), uint16(rows)
	}
	if len(opts.Command) == 0 {
		opts.Command = []string{"bash"}
	}
	return opts, nil
}

// Main runs the stub against the process's own stdio and returns the exit
// code.
func Main(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ht-stub:", err)
		return 2
	}
	if opts.Version {
		fmt.Fprintln(os.Stdout, Version)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, opts, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("ht-stub failed", "error", err)
		return 1
	}
	return 0
}

// Run hosts opts.Command until it exits, stdin ends or ctx is cancelled.
func Run(ctx context.Context, opts Options, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	term, err := pty.Start(pty.Options{Argv: opts.Command, Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return fmt.Errorf("start %s: %w", opts.Command[0], err)
	}
	defer term.Close()

	st := &stub{
		term:      term,
		out:       stdout,
		subscribe: opts.Subscribe,
		logger:    logger.With("pid", term.PID()),
	}

	if st.subscribed(protocol.KindInit) {
		cols, rows := term.Size()
		st.emit(protocol.Init{Cols: int(cols), Rows: int(rows), PID: term.PID(), Text: term.Screen()})
	}

	exited := make(chan struct{})
	go st.forward(exited)

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		st.readCommands(stdin)
	}()

	select {
	case <-ctx.Done():
		st.logger.Debug("stopping on signal")
	case <-exited:
		st.logger.Debug("hosted command exited")
	case <-inputDone:
		st.logger.Debug("stdin closed")
	}
	return nil
}

type stub struct {
	term      *pty.Session
	subscribe []protocol.Kind
	logger    *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func (st *stub) subscribed(k protocol.Kind) bool {
	return protocol.HasKind(st.subscribe, k)
}

// emit writes one event line. Lines are written whole under the lock so
// output and snapshot events never interleave.
func (st *stub) emit(p protocol.Payload) {
	line, err := protocol.EncodeEvent(p)
	if err != nil {
		st.logger.Warn("encode event failed", "error", err)
		return
	}
	line = append(line, '\n')

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.out.Write(line); err != nil {
		st.logger.Debug("write event failed", "error", err)
	}
}

// forward turns PTY output into output events until the hosted command
// exits. The PTY channel is always drained so the read pump never stalls.
func (st *stub) forward(exited chan<- struct{}) {
	defer close(exited)
	for ev := range st.term.Events() {
		switch ev.Type {
		case pty.EventOutput:
			if st.subscribed(protocol.KindOutput) {
				st.emit(protocol.Output{Seq: ev.Data})
			}
		case pty.EventClosed:
			return
		}
	}
}

func (st *stub) readCommands(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			st.logger.Debug("ignoring command", "error", err)
			continue
		}
		if err := st.handle(cmd); err != nil {
			st.logger.Warn("command failed", "type", cmd.CommandType(), "error", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		st.logger.Warn("read commands failed", "error", err)
	}
}

func (st *stub) handle(cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.SendKeys:
		return st.term.SendKeys(c.Keys)
	case protocol.Input:
		_, err := st.term.Write([]byte(c.Payload))
		return err
	case protocol.TakeSnapshot:
		st.term.Settle(settleQuiet, settleMax)
		if st.subscribed(protocol.KindSnapshot) {
			cols, rows := st.term.Size()
			st.emit(protocol.Snapshot{Text: st.term.Screen(), Cols: int(cols), Rows: int(rows)})
		}
		return nil
	case protocol.Resize:
		if c.Cols <= 0 || c.Rows <= 0 {
			return fmt.Errorf("invalid size %dx%d", c.Cols, c.Rows)
		}
		if err := st.term.Resize(uint16(c.Cols), uint16(c.Rows)); err != nil {
			return err
		}
		if st.subscribed(protocol.KindResize) {
			st.emit(protocol.Resized{Cols: c.Cols, Rows: c.Rows})
		}
		return nil
	default:
		st.logger.Debug("ignoring command", "type", cmd.CommandType())
		return nil
	}
}
