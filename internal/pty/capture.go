package pty

import "sync"

const defaultCaptureSize = 256 * 1024

// capture is a fixed-size circular buffer holding the newest terminal output.
type capture struct {
	mu   sync.Mutex
	data []byte
	pos  int
	full bool
}

func newCapture(size int) *capture {
	if size <= 0 {
		size = defaultCaptureSize
	}
	return &capture{data: make([]byte, size)}
}

// Write appends p, overwriting the oldest data when full.
func (c *capture) Write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range p {
		c.data[c.pos] = b
		c.pos = (c.pos + 1) % len(c.data)
		if c.pos == 0 {
			c.full = true
		}
	}
}

// Bytes returns a copy of the buffered data in chronological order.
func (c *capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]byte(nil), c.data[:c.pos]...)
	}
	out := make([]byte, len(c.data))
	copy(out, c.data[c.pos:])
	copy(out[len(c.data)-c.pos:], c.data[:c.pos])
	return out
}
