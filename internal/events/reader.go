package events

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memextech/headless-terminal-mcp/internal/protocol"
)

const previewLen = 120

// Stats counts what the reader did with the lines it consumed.
type Stats struct {
	Delivered int64
	Dropped   int64
}

// Reader decodes protocol lines and publishes the resulting events to a
// Queue. Lines that do not decode are logged and dropped; they never stop
// the loop.
type Reader struct {
	queue  *Queue
	logger *slog.Logger
	now    func() time.Time

	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewReader(queue *Queue, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		queue:  queue,
		logger: logger,
		now:    time.Now,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run consumes lines until the sequence ends or ctx is cancelled. ctx is
// checked between lines; a pull that is blocked inside lines only returns
// when the underlying stream yields or ends. Run may be called once.
func (r *Reader) Run(ctx context.Context, lines iter.Seq[[]byte]) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("event reader already running")
		return
	}
	defer close(r.done)

	for line := range lines {
		if ctx.Err() != nil {
			r.logger.Debug("event reader cancelled")
			return
		}
		r.handleLine(line)
	}
	r.logger.Debug("event reader reached end of stream", "delivered", r.delivered.Load(), "dropped", r.dropped.Load())
}

func (r *Reader) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	ev, err := protocol.DecodeEvent(line, r.now())
	if err != nil {
		r.dropped.Add(1)
		r.logger.Debug("dropping undecodable line", "error", err, "line", preview(line))
		return
	}

	if ev.Kind == protocol.KindInit {
		r.readyOnce.Do(func() { close(r.ready) })
	}
	r.delivered.Add(1)
	r.queue.Push(ev)
}

// Ready is closed when the first init event has been read.
func (r *Reader) Ready() <-chan struct{} { return r.ready }

// Done is closed when Run returns.
func (r *Reader) Done() <-chan struct{} { return r.done }

func (r *Reader) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func preview(line []byte) string {
	if len(line) <= previewLen {
		return string(line)
	}
	return string(line[:previewLen]) + "..."
}
