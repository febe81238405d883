package process

import (
	"errors"
	"fmt"
)

var (
	ErrClosed = errors.New("process: input closed")
	ErrExited = errors.New("process: exited")
)

// LaunchError reports that the child process could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("launch: %v", e.Err)
	}
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// WriteError reports that a line could not be written to the child's stdin.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write command: %v", e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }
