package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	DefaultGracePeriod = 2 * time.Second
	stderrTailSize     = 16 * 1024
)

// Spec describes the child process to launch.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-empty.
	Env []string
	// GracePeriod bounds how long Terminate waits after SIGTERM before
	// killing the process group. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
}

// Session owns one child process: a line-oriented stdin sink, the primary
// stdout stream and a concurrently drained stderr stream.
type Session struct {
	spec   Spec
	cmd    *exec.Cmd
	logger *slog.Logger

	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	writeMu sync.Mutex
	closed  atomic.Bool

	linesTaken atomic.Bool
	stderrTail *ringBuf
	stderrDone chan struct{}

	exited  chan struct{}
	exitErr error

	terminateOnce sync.Once
}

// Start launches the child. The returned session is already draining stderr.
func Start(spec Spec, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Path == "" {
		return nil, &LaunchError{Err: errors.New("empty executable path")}
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	// The read ends stay with the session so cmd.Wait never closes them
	// under a reader that is still draining buffered output.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &LaunchError{Path: spec.Path, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, &LaunchError{Path: spec.Path, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}
	closeAll(stdoutW, stderrW)

	s := &Session{
		spec:       spec,
		cmd:        cmd,
		logger:     logger.With("pid", cmd.Process.Pid),
		stdin:      stdin,
		stdout:     stdoutR,
		stderr:     stderrR,
		stderrTail: newRingBuf(stderrTailSize),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	go s.drainStderr()
	go s.waitExit()

	s.logger.Debug("process started", "path", spec.Path, "args", spec.Args)
	return s, nil
}

// drainStderr keeps the child's diagnostic pipe empty so it can never stall
// on a full buffer. Lines are logged and the tail is retained.
func (s *Session) drainStderr() {
	defer close(s.stderrDone)

	r := bufio.NewReaderSize(s.stderr, 4096)
	for {
		line, err := r.ReadSlice('\n')
		if len(line) > 0 {
			s.stderrTail.Write(line)
			s.logger.Debug("collaborator diagnostic", "stream", "stderr", "line", string(bytes.TrimRight(line, "\r\n")))
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return
		}
	}
}

func (s *Session) waitExit() {
	err := s.cmd.Wait()
	s.exitErr = err
	close(s.exited)
	s.logger.Debug("process exited", "error", err)
}

// WriteLine writes line followed by a newline as a single write. A line
// containing a newline is rejected since it would split the frame.
func (s *Session) WriteLine(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return &WriteError{Err: errors.New("line contains a newline")}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return &WriteError{Err: ErrClosed}
	}
	select {
	case <-s.exited:
		return &WriteError{Err: ErrExited}
	default:
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.stdin.Write(buf); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// OutputLines yields stdout one line at a time, without the line
// terminator. Each yielded slice is owned by the caller. The sequence can be
// traversed once; later calls yield nothing. A trailing line without a
// newline is yielded when the stream ends.
func (s *Session) OutputLines() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if !s.linesTaken.CompareAndSwap(false, true) {
			s.logger.Warn("output lines already consumed")
			return
		}

		r := bufio.NewReaderSize(s.stdout, 64*1024)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				if !yield(bytes.TrimRight(line, "\r\n")) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					s.logger.Warn("stdout read failed", "error", err)
				}
				return
			}
		}
	}
}

// Terminate closes stdin, sends SIGTERM and waits up to the grace period
// before killing the process group. It then releases the output pipes. It
// is safe to call more than once and returns nil for a process that has
// already exited.
func (s *Session) Terminate() error {
	s.terminateOnce.Do(func() {
		// Not under writeMu: a write blocked on a full pipe must not hold
		// up termination. Closing the pipe fails that write instead.
		s.closed.Store(true)
		_ = s.stdin.Close()

		select {
		case <-s.exited:
		default:
			if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Debug("sigterm failed", "error", err)
			}
			timer := time.NewTimer(s.spec.GracePeriod)
			select {
			case <-s.exited:
				timer.Stop()
			case <-timer.C:
				s.logger.Warn("process ignored sigterm, killing", "grace_period", s.spec.GracePeriod)
				s.kill()
				<-s.exited
			}
		}

		// A grandchild may still hold the write ends; closing the read ends
		// unblocks the reader and the stderr drain either way.
		_ = s.stdout.Close()
		_ = s.stderr.Close()
		<-s.stderrDone
	})
	return nil
}

func (s *Session) kill() {
	pid := s.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Done is closed when the child process has exited.
func (s *Session) Done() <-chan struct{} { return s.exited }

// ExitErr reports how the child exited. It is only meaningful after Done.
func (s *Session) ExitErr() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

func (s *Session) PID() int { return s.cmd.Process.Pid }

// StderrTail returns the most recent diagnostic output of the child.
func (s *Session) StderrTail() string { return string(s.stderrTail.Bytes()) }

// Probe runs "path --version" and returns its trimmed output. It is used to
// fail fast when the collaborator is missing before a session is created.
func Probe(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return "", &LaunchError{Path: path, Err: fmt.Errorf("%s binary not found: %w", path, err)}
		}
		if ctx.Err() != nil {
			return "", &LaunchError{Path: path, Err: fmt.Errorf("version check: %w", ctx.Err())}
		}
		return "", &LaunchError{Path: path, Err: fmt.Errorf("version check: %w", err)}
	}
	return string(bytes.TrimSpace(out)), nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
