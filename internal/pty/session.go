package pty

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

const (
	defaultCols = 120
	defaultRows = 30
)

var errClosed = errors.New("pty: session is closed")

// Session wraps a child process running inside a PTY.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	events  chan Event
	capture *capture

	lastActivity atomic.Int64

	mu        sync.Mutex
	cols      uint16
	rows      uint16
	closed    bool
	closeOnce sync.Once
}

// Start spawns opts.Argv inside a new PTY. The PTY defaults to 120 columns
// by 30 rows.
func Start(opts Options) (*Session, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		cmd:     cmd,
		ptmx:    ptmx,
		events:  make(chan Event, 1024),
		capture: newCapture(opts.CaptureSize),
		cols:    opts.Cols,
		rows:    opts.Rows,
	}
	s.lastActivity.Store(time.Now().UnixNano())

	exited := make(chan struct{})
	pumped := make(chan struct{})
	go s.readPump(pumped)
	go s.waitExit(exited)
	go func() {
		<-exited
		<-pumped
		s.events <- Event{Type: EventClosed}
		close(s.events)
	}()

	return s, nil
}

// readPump reads data from the PTY fd, records it and sends EventOutput
// events. It runs until the PTY is closed or any read error occurs.
func (s *Session) readPump(done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.capture.Write(buf[:n])
			s.lastActivity.Store(time.Now().UnixNano())
			s.events <- Event{
				Type: EventOutput,
				Data: string(buf[:n]),
			}
		}
		if err != nil {
			return
		}
	}
}

// waitExit waits for the child process to exit. The read pump ends on its
// own once the slave side is gone and buffered output has been read.
func (s *Session) waitExit(done chan<- struct{}) {
	_ = s.cmd.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	close(done)
}

// Events returns the read-only channel of session events. It is closed
// after EventClosed. Callers must keep receiving or the read pump stalls.
func (s *Session) Events() <-chan Event { return s.events }

// Write sends data to the PTY (and therefore to the child process's stdin).
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s.ptmx.Write(data)
}

// SendKeys writes each token after translating named keys.
func (s *Session) SendKeys(tokens []string) error {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(KeyBytes(tok))
	}
	_, err := s.Write([]byte(b.String()))
	return err
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	if err := creackpty.Setsize(s.ptmx, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	}); err != nil {
		return err
	}

	s.cols = cols
	s.rows = rows
	return nil
}

func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) PID() int { return s.cmd.Process.Pid }

// Screen returns the last rows lines of captured output with escape
// sequences removed. It approximates what a terminal would show; no cursor
// addressing is interpreted.
func (s *Session) Screen() string {
	_, rows := s.Size()
	text := StripANSI(string(s.capture.Bytes()))
	lines := strings.Split(text, "\n")
	if len(lines) > int(rows) {
		lines = lines[len(lines)-int(rows):]
	}
	return strings.Join(lines, "\n")
}

// Raw returns the captured output as received, escape sequences included.
func (s *Session) Raw() string { return string(s.capture.Bytes()) }

// Settle blocks until neither input nor output has happened for quiet, or
// until max has elapsed. Input counts so that a screen read right after a
// write waits for the echo.
func (s *Session) Settle(quiet, max time.Duration) {
	deadline := time.Now().Add(max)
	for {
		last := time.Unix(0, s.lastActivity.Load())
		idle := time.Since(last)
		if idle >= quiet {
			return
		}
		wait := quiet - idle
		if remaining := time.Until(deadline); remaining <= 0 {
			return
		} else if wait > remaining {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

// Close terminates the child process and closes the PTY fd. Interactive
// shells ignore SIGTERM, so SIGHUP follows it. It is safe to call Close
// multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
			_ = s.cmd.Process.Signal(syscall.SIGHUP)
		}

		err = s.ptmx.Close()
		if errors.Is(err, os.ErrClosed) {
			err = nil
		}
	})
	return err
}
