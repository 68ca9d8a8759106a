package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/codespacesh/dccbridge/internal/protocol"
)

// ErrNotOpen is returned by Send when there is no open connection. Callers
// sending notifications treat it as a silent drop.
var ErrNotOpen = errors.New("connection not open")

// DefaultHandshakeTimeout bounds Connect.
const DefaultHandshakeTimeout = 10 * time.Second

// Options tunes a Transport. Zero values select defaults.
type Options struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
	Logger           *slog.Logger
}

// Transport owns a single WebSocket connection and the goroutine that
// reads from it. Text messages are handed to the FrameFunc as-is; binary
// messages are hex-encoded first.
//
// Send is safe for concurrent use, including from inside the FrameFunc.
type Transport struct {
	onFrame FrameFunc
	onClose CloseFunc
	opts    Options
	log     *slog.Logger

	// mu serializes Connect and Close. The read goroutine never takes it.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	conn    atomic.Pointer[websocket.Conn]
	id      atomic.Pointer[string]
	status  atomic.Int32
	closing atomic.Bool

	writeMu sync.Mutex
}

// New creates an idle Transport. onClose may be nil.
func New(onFrame FrameFunc, onClose CloseFunc, opts Options) *Transport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ReadLimit == 0 {
		opts.ReadLimit = protocol.MaxPayload
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{onFrame: onFrame, onClose: onClose, opts: opts, log: log}
}

// Status reports the current connection state. A Transport that never
// connected reports 0 ("None").
func (t *Transport) Status() Status { return Status(t.status.Load()) }

// IsOpen reports whether frames can currently be sent.
func (t *Transport) IsOpen() bool { return t.Status() == StatusOpen }

// ID returns the identifier of the current connection, or "".
func (t *Transport) ID() string {
	if p := t.id.Load(); p != nil {
		return *p
	}
	return ""
}

// Connect dials rawURL unless a connection is already open. A stale
// (failed or closed) connection is torn down and replaced. The handshake
// runs on the calling goroutine; reading happens on a new goroutine.
func (t *Transport) Connect(ctx context.Context, rawURL string) (ConnectResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.IsOpen() {
		return AlreadyConnected, nil
	}
	t.teardownLocked()

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		t.status.Store(int32(StatusFailed))
		return InitFailed, fmt.Errorf("invalid websocket url %q", rawURL)
	}

	t.status.Store(int32(StatusConnecting))
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, rawURL, &websocket.DialOptions{HTTPHeader: t.opts.Header})
	cancel()
	if err != nil {
		t.status.Store(int32(StatusFailed))
		return InitFailed, fmt.Errorf("connecting to %s: %w", rawURL, err)
	}

	t.start(conn)
	t.log.Info("websocket connected", "url", rawURL, "conn", t.ID())
	return Connected, nil
}

// Accept upgrades an HTTP request and returns a Transport that is already
// open. It is the server-side counterpart of Connect.
func Accept(w http.ResponseWriter, r *http.Request, onFrame FrameFunc, onClose CloseFunc, opts Options) (*Transport, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	t := New(onFrame, onClose, opts)
	t.mu.Lock()
	t.start(conn)
	t.mu.Unlock()
	return t, nil
}

// start must be called with mu held.
func (t *Transport) start(conn *websocket.Conn) {
	conn.SetReadLimit(t.opts.ReadLimit)
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.conn.Store(conn)
	t.id.Store(&id)
	t.cancel = cancel
	t.done = done
	t.closing.Store(false)
	t.status.Store(int32(StatusOpen))

	go t.readLoop(ctx, conn, done)
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed when the current connection's read goroutine exits. With
// no connection it returns an already closed channel.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return closedChan
	}
	return t.done
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			break
		}
		if typ == websocket.MessageBinary {
			data = []byte(hex.EncodeToString(data))
		}
		t.onFrame(data)
	}

	var reported error
	switch {
	case t.closing.Load():
		t.status.Store(int32(StatusClosed))
	case websocket.CloseStatus(readErr) != -1:
		t.status.Store(int32(StatusClosed))
		reported = readErr
		t.log.Info("websocket closed by peer", "conn", t.ID(), "status", websocket.CloseStatus(readErr))
	default:
		t.status.Store(int32(StatusFailed))
		reported = readErr
		t.log.Warn("websocket read failed", "conn", t.ID(), "err", readErr)
	}
	conn.CloseNow()

	if t.onClose != nil {
		t.onClose(reported)
	}
}

// Send writes one text frame. It returns ErrNotOpen without touching the
// network when the connection is not open.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if !t.IsOpen() {
		return ErrNotOpen
	}
	conn := t.conn.Load()
	if conn == nil {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close stops the read loop, sends a normal closure if the connection is
// open, and waits for the read goroutine to exit. No callback runs after
// Close returns. Closing an idle or already closed Transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.teardownLocked()
}

func (t *Transport) teardownLocked() error {
	if t.done == nil {
		return nil
	}

	t.closing.Store(true)
	if conn := t.conn.Load(); conn != nil && t.IsOpen() {
		t.status.Store(int32(StatusClosed))
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			// The peer may already be gone; the socket is released either way.
			t.log.Debug("websocket close handshake", "conn", t.ID(), "err", err)
		}
	}
	t.cancel()
	<-t.done

	t.done = nil
	t.cancel = nil
	t.conn.Store(nil)
	return nil
}
