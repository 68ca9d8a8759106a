package connection

import "context"

// Sender delivers one text frame to the peer.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// FrameFunc receives every inbound frame on the connection's read
// goroutine. It must return quickly: the next frame is not read until it does.
type FrameFunc func(payload []byte)

// CloseFunc is called once per connection after its read goroutine stops.
// err is nil when the connection was closed locally.
type CloseFunc func(err error)

// Status is the lifecycle state of a connection.
type Status int32

const (
	StatusConnecting Status = iota + 1
	StatusOpen
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusOpen:
		return "Open"
	case StatusFailed:
		return "Failed"
	case StatusClosed:
		return "Closed"
	default:
		return "None"
	}
}

// ConnectResult is the outcome of Transport.Connect.
type ConnectResult int

const (
	Connected ConnectResult = iota
	AlreadyConnected
	InitFailed
)

func (r ConnectResult) String() string {
	switch r {
	case Connected:
		return "connected"
	case AlreadyConnected:
		return "already connected"
	default:
		return "init failed"
	}
}
