// Package store keeps a journal of the frames exchanged over the bridge and
// a little host state. The default implementation uses SQLite (pure Go, no
// CGO).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/codespacesh/dccbridge/internal/protocol"
)

// Direction is the side a frame travelled to, seen from the journal owner.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Frame is one journaled WebSocket message.
type Frame struct {
	Seq       int64     `json:"seq"`
	ConnID    string    `json:"conn_id"`
	Direction Direction `json:"direction"`
	// Kind is the envelope kind ("request", "response", ...) or "invalid".
	Kind      string    `json:"kind"`
	Method    string    `json:"method,omitempty"`
	RequestID *int64    `json:"request_id,omitempty"`
	Payload   []byte    `json:"payload"`
	At        time.Time `json:"at"`
}

// NewFrame classifies payload so the journal can be queried by method and
// request id.
func NewFrame(dir Direction, connID string, payload []byte) Frame {
	f := Frame{
		ConnID:    connID,
		Direction: dir,
		Kind:      "invalid",
		Payload:   payload,
		At:        time.Now().UTC(),
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		var pe *protocol.ParseError
		if errors.As(err, &pe) {
			f.RequestID = pe.ID
		}
		return f
	}
	f.Kind = msg.Kind().String()
	switch m := msg.(type) {
	case *protocol.Request:
		f.Method = m.Method
		id := m.ID
		f.RequestID = &id
	case *protocol.Notification:
		f.Method = m.Method
	case *protocol.Response:
		f.RequestID = m.ID
	}
	return f
}

// Journal is the bridge's storage interface. All methods are safe for
// concurrent use.
type Journal interface {
	Append(ctx context.Context, f Frame) error
	// Recent returns up to limit frames, oldest first.
	Recent(ctx context.Context, limit int) ([]Frame, error)
	// Prune deletes frames recorded before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Small key-value state, e.g. the last menu the host applied.
	KVSet(ctx context.Context, key string, value []byte) error
	KVGet(ctx context.Context, key string) ([]byte, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
