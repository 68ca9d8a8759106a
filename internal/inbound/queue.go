// Package inbound buffers frames received on the network goroutine until the
// host's main thread is ready to handle them.
package inbound

import (
	"log/slog"
	"sync"
)

// DefaultHighWater is the depth at which a backlog warning is logged.
const DefaultHighWater = 256

// Queue is an unbounded FIFO of raw frames. Enqueue never blocks and never
// drops; a warning is logged each time the depth crosses the high-water mark.
type Queue struct {
	log       *slog.Logger
	highWater int

	mu     sync.Mutex
	frames [][]byte
}

// New returns an empty queue. highWater <= 0 selects DefaultHighWater.
func New(highWater int, log *slog.Logger) *Queue {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{log: log, highWater: highWater}
}

// Enqueue appends a frame. The slice is retained; callers must not reuse it.
func (q *Queue) Enqueue(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	depth := len(q.frames)
	q.mu.Unlock()

	if depth == q.highWater {
		q.log.Warn("inbound queue backlog", "depth", depth)
	}
}

// DrainOne removes and returns the oldest frame.
func (q *Queue) DrainOne() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	if len(q.frames) == 0 {
		// Let the backing array go once the backlog is gone.
		q.frames = nil
	}
	return f, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Clear discards every queued frame and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}
