// Package pending tracks outbound requests that are waiting for a response.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codespacesh/dccbridge/internal/protocol"
)

// DefaultPoll is how often Await checks for a response.
const DefaultPoll = 100 * time.Millisecond

var (
	// ErrClosed is returned by Register between Abort and Reopen.
	ErrClosed = errors.New("pending registry closed")
	// ErrDuplicate is returned when an id is registered twice.
	ErrDuplicate = errors.New("request id already pending")
)

type entry struct {
	resp *protocol.Response
}

// Registry maps request ids to their (eventual) responses. Responses are
// filled in by the network goroutine and picked up by polling callers.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
	closed  bool
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, entries: make(map[int64]*entry)}
}

// Register reserves id. It must be called before the request is sent so a
// fast response cannot arrive for an unknown id.
func (r *Registry) Register(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	r.entries[id] = &entry{}
	return nil
}

// Resolve stores resp for id. Responses for ids that are not pending, or
// that already have a response, are logged and dropped.
func (r *Registry) Resolve(id int64, resp *protocol.Response) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.resp != nil {
		r.log.Warn("dropping response for unknown request", "id", id)
		return false
	}
	e.resp = resp
	return true
}

// Await blocks until id has a response, the registry is aborted, or ctx is
// done, checking every poll interval. The entry is removed on return.
// Cancellation yields a synthetic timeout response.
func (r *Registry) Await(ctx context.Context, id int64, poll time.Duration) *protocol.Response {
	if poll <= 0 {
		poll = DefaultPoll
	}
	if resp, done := r.take(id); done {
		return resp
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// A response may have landed in the same interval.
			if resp, done := r.take(id); done {
				return resp
			}
			r.Forget(id)
			return protocol.TimedOut(id)
		case <-ticker.C:
			if resp, done := r.take(id); done {
				return resp
			}
		}
	}
}

func (r *Registry) take(id int64) (*protocol.Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return protocol.NewError(&id, protocol.CodeInternalError, fmt.Sprintf("request %d is not pending", id)), true
	}
	if e.resp == nil {
		return nil, false
	}
	delete(r.entries, id)
	return e.resp, true
}

// Forget drops id without waking anyone. Used when the send itself failed.
func (r *Registry) Forget(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Abort fails every unresolved entry with a disconnect response and refuses
// new registrations until Reopen. It returns the number of entries failed.
func (r *Registry) Abort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	n := 0
	for id, e := range r.entries {
		if e.resp == nil {
			e.resp = protocol.Disconnected(id)
			n++
		}
	}
	return n
}

// Reopen accepts registrations again after Abort.
func (r *Registry) Reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
}

// Len returns the number of entries not yet collected by Await.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}
