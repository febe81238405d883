package pty

// EventType distinguishes the kind of event produced by a Session.
type EventType int

const (
	// EventOutput indicates that new data was read from the PTY.
	EventOutput EventType = iota
	// EventClosed indicates that the child process has exited.
	EventClosed
)

// Event is a single notification emitted by a Session.
type Event struct {
	Type EventType
	Data string
}

// Options configures the command hosted by a Session.
type Options struct {
	Argv []string
	Dir  string
	Env  []string
	Cols uint16
	Rows uint16
	// CaptureSize bounds the raw output retained for Screen. Zero means 256 KiB.
	CaptureSize int
}
