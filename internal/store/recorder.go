package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRecorderBuffer is the number of frames a Recorder holds before it
// starts dropping.
const DefaultRecorderBuffer = 1024

// Recorder writes frames to a Journal on its own goroutine so the network
// goroutine never waits on disk. When the buffer is full frames are dropped
// and counted.
type Recorder struct {
	j   Journal
	log *slog.Logger

	ch      chan Frame
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex // guards sends against close(ch)
	closed  bool
	dropped atomic.Int64
}

// NewRecorder starts a Recorder. buffer <= 0 selects DefaultRecorderBuffer.
func NewRecorder(j Journal, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{j: j, log: log, ch: make(chan Frame, buffer), done: make(chan struct{})}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for f := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.j.Append(ctx, f); err != nil {
			r.log.Warn("journal append failed", "err", err)
		}
		cancel()
	}
}

// Record classifies payload and offers it. A nil Recorder returns before
// the payload is decoded, so callers with the journal disabled pay nothing.
func (r *Recorder) Record(dir Direction, connID string, payload []byte) bool {
	if r == nil {
		return false
	}
	return r.Offer(NewFrame(dir, connID, payload))
}

// Offer queues f without blocking. It reports false if f was dropped.
func (r *Recorder) Offer(f Frame) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- f:
		return true
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("journal buffer full, dropping frames")
		}
		return false
	}
}

// Dropped returns how many frames were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting frames and waits until the buffered ones are
// written. It does not close the underlying Journal.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		<-r.done
	})
}
