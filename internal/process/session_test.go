package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSession(t *testing.T, spec Spec) *Session {
	t.Helper()
	s, err := Start(spec, quietLogger())
	if err != nil {
		t.Fatalf("Start(%s): %v", spec.Path, err)
	}
	t.Cleanup(func() { _ = s.Terminate() })
	return s
}

func shell(script string) Spec {
	return Spec{Path: "sh", Args: []string{"-c", script}, GracePeriod: 500 * time.Millisecond}
}

// collectLines reads every output line in the background and returns a
// channel that yields the full set once the stream ends.
func collectLines(s *Session) <-chan []string {
	ch := make(chan []string, 1)
	go func() {
		var lines []string
		for line := range s.OutputLines() {
			lines = append(lines, string(line))
		}
		ch <- lines
	}()
	return ch
}

func TestSessionWriteLineRoundTrip(t *testing.T) {
	s := startSession(t, Spec{Path: "cat"})

	lines := make(chan string, 4)
	go func() {
		for line := range s.OutputLines() {
			lines <- string(line)
		}
		close(lines)
	}()

	for _, want := range []string{`{"type":"takeSnapshot"}`, `{"type":"sendKeys","keys":["a"]}`} {
		if err := s.WriteLine([]byte(want)); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("echoed line = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSessionRejectsEmbeddedNewline(t *testing.T) {
	s := startSession(t, Spec{Path: "cat"})
	err := s.WriteLine([]byte("a\nb"))
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("WriteLine error = %v, want *WriteError", err)
	}
}

func TestSessionOutputLinesSingleTraversal(t *testing.T) {
	s := startSession(t, shell(`printf 'one\ntwo\nlast'`))

	got := <-collectLines(s)
	want := []string{"one", "two", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", got, want)
	}

	n := 0
	for range s.OutputLines() {
		n++
	}
	if n != 0 {
		t.Errorf("second traversal yielded %d lines, want 0", n)
	}
}

func TestSessionDrainsStderr(t *testing.T) {
	// 1 MiB of diagnostics would fill the pipe and block the child if
	// stderr were not drained concurrently.
	s := startSession(t, shell(`head -c 1048576 /dev/zero | tr '\0' 'e' >&2; echo ready`))

	select {
	case lines := <-collectLines(s):
		if len(lines) != 1 || lines[0] != "ready" {
			t.Fatalf("stdout lines = %q, want [ready]", lines)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("child stalled writing diagnostics")
	}

	tail := s.StderrTail()
	if len(tail) != stderrTailSize {
		t.Errorf("StderrTail() length = %d, want %d", len(tail), stderrTailSize)
	}
}

func TestSessionLaunchError(t *testing.T) {
	_, err := Start(Spec{Path: "/nonexistent/collaborator-binary"}, quietLogger())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Start error = %v, want *LaunchError", err)
	}
	if launchErr.Path != "/nonexistent/collaborator-binary" {
		t.Errorf("LaunchError.Path = %q", launchErr.Path)
	}

	if _, err := Start(Spec{}, quietLogger()); !errors.As(err, &launchErr) {
		t.Errorf("Start with empty path error = %v, want *LaunchError", err)
	}
}

func TestSessionWriteAfterTerminate(t *testing.T) {
	s := startSession(t, Spec{Path: "cat"})
	if err := s.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	err := s.WriteLine([]byte(`{"type":"takeSnapshot"}`))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteLine after Terminate = %v, want ErrClosed", err)
	}
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Errorf("error %T is not a *WriteError", err)
	}
}

func TestSessionWriteAfterExit(t *testing.T) {
	s := startSession(t, shell(`exit 0`))
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	err := s.WriteLine([]byte(`{"type":"takeSnapshot"}`))
	if !errors.Is(err, ErrExited) {
		t.Fatalf("WriteLine after exit = %v, want ErrExited", err)
	}
}

func TestSessionTerminateIdempotent(t *testing.T) {
	s := startSession(t, Spec{Path: "sleep", Args: []string{"30"}})

	start := time.Now()
	if err := s.Terminate(); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if err := s.Terminate(); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Terminate took %v", time.Since(start))
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("process still running after Terminate")
	}
}

func TestSessionTerminateEscalatesToKill(t *testing.T) {
	s := startSession(t, shell(`trap '' TERM; echo armed; while :; do sleep 1; done`))

	lines := collectLines(s)

	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := s.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 500*time.Millisecond {
		t.Errorf("Terminate returned after %v, before the grace period", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Terminate took %v, kill did not happen", elapsed)
	}

	select {
	case <-lines:
	case <-time.After(2 * time.Second):
		t.Error("output stream did not end after the process was killed")
	}
}

func TestSessionTerminateAfterExit(t *testing.T) {
	s := startSession(t, shell(`exit 3`))
	<-s.Done()
	if err := s.Terminate(); err != nil {
		t.Fatalf("Terminate on exited process: %v", err)
	}
	if s.ExitErr() == nil {
		t.Error("ExitErr() = nil for exit status 3")
	}
}

func TestProbe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Probe(ctx, "/nonexistent/ht")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Probe error = %v, want *LaunchError", err)
	}
}

func TestRingBuf(t *testing.T) {
	r := newRingBuf(8)
	r.Write([]byte("abc"))
	if got := string(r.Bytes()); got != "abc" {
		t.Errorf("Bytes() = %q, want abc", got)
	}
	r.Write([]byte("defgh"))
	if got := string(r.Bytes()); got != "abcdefgh" {
		t.Errorf("Bytes() = %q, want abcdefgh", got)
	}
	r.Write([]byte("ij"))
	if got := string(r.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes() = %q, want cdefghij", got)
	}
	r.Write([]byte("0123456789"))
	if got := string(r.Bytes()); got != "23456789" {
		t.Errorf("Bytes() = %q, want 23456789", got)
	}
}
