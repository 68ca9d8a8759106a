// Package bridge is the host-side communicator: it owns the WebSocket to
// the pipeline process, turns outbound calls into blocking request/response
// pairs, and hands inbound calls to the host one per tick.
//
// Two goroutines matter. The network goroutine (owned by the transport)
// only classifies frames: responses resolve pending calls, everything else
// is queued. The host goroutine calls ProcessPendingRequests from its own
// tick and is the only place handlers run. CallMethod blocks its caller
// until the network goroutine delivers the response, so it must not be
// called from a context the network goroutine depends on; in this package
// nothing on the network path waits for the host.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/codespacesh/dccbridge/internal/config"
	"github.com/codespacesh/dccbridge/internal/connection"
	"github.com/codespacesh/dccbridge/internal/dispatch"
	"github.com/codespacesh/dccbridge/internal/inbound"
	"github.com/codespacesh/dccbridge/internal/pending"
	"github.com/codespacesh/dccbridge/internal/protocol"
	"github.com/codespacesh/dccbridge/internal/store"
)

// Option configures a Communicator.
type Option func(*Communicator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Communicator) { c.log = l }
}

// WithJournal records every frame sent or received.
func WithJournal(r *store.Recorder) Option {
	return func(c *Communicator) { c.journal = r }
}

// Communicator is safe for concurrent use. The zero value is not usable;
// create one with New.
type Communicator struct {
	cfg     config.Bridge
	d       *dispatch.Dispatcher
	log     *slog.Logger
	journal *store.Recorder

	transport *connection.Transport
	pending   *pending.Registry
	queue     *inbound.Queue

	usable atomic.Bool
	nextID atomic.Int64
}

// New builds a Communicator for cfg.URL. An empty URL yields a permanently
// unusable Communicator whose calls all return immediately. A nil
// dispatcher answers every inbound request with "method not found".
func New(cfg config.Bridge, d *dispatch.Dispatcher, opts ...Option) *Communicator {
	c := &Communicator{cfg: cfg, d: d}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.d == nil {
		c.d = dispatch.New(dispatch.WithLogger(c.log))
	}
	if c.cfg.PollInterval.Duration <= 0 {
		c.cfg.PollInterval.Duration = pending.DefaultPoll
	}

	c.pending = pending.New(c.log)
	c.queue = inbound.New(cfg.QueueHighWater, c.log)
	c.transport = connection.New(c.onFrame, c.onClose, connection.Options{
		HandshakeTimeout: cfg.HandshakeTimeout.Duration,
		Logger:           c.log,
	})
	c.usable.Store(cfg.URL != "")
	return c
}

// IsUsable is false when no endpoint is configured or the last Connect
// failed. An unusable Communicator never touches the network.
func (c *Communicator) IsUsable() bool { return c.usable.Load() }

// IsConnected reports whether the connection is open.
func (c *Communicator) IsConnected() bool { return c.transport.IsOpen() }

// Connect opens the connection. It does nothing when the Communicator is
// unusable or already connected. A failed attempt marks the Communicator
// unusable; there is no automatic retry.
func (c *Communicator) Connect(ctx context.Context) error {
	if !c.IsUsable() {
		return nil
	}
	res, err := c.transport.Connect(ctx, c.cfg.URL)
	switch res {
	case connection.AlreadyConnected:
		return nil
	case connection.InitFailed:
		c.usable.Store(false)
		c.log.Warn("bridge disabled: cannot connect", "url", c.cfg.URL, "err", err)
		return err
	}
	// Any previous connection has been torn down by now, so its abort
	// cannot race with this.
	c.pending.Reopen()
	return nil
}

// CallMethod sends a request and blocks until its response arrives, the
// connection drops (code -32001), or the call times out (code -32002).
// When the Communicator is unusable or disconnected it returns an empty
// Response immediately; check with IsEmpty.
func (c *Communicator) CallMethod(ctx context.Context, method string, params ...any) *protocol.Response {
	if !c.IsUsable() || !c.IsConnected() {
		return &protocol.Response{}
	}
	p, err := protocol.NewParams(params...)
	if err != nil {
		return protocol.NewError(nil, protocol.CodeInvalidParams, err.Error())
	}

	id := c.nextID.Add(1)
	if err := c.pending.Register(id); err != nil {
		return protocol.Disconnected(id)
	}
	if err := c.send(ctx, &protocol.Request{ID: id, Method: method, Params: p}); err != nil {
		c.pending.Forget(id)
		c.log.Warn("call not sent", "method", method, "id", id, "err", err)
		return protocol.Disconnected(id)
	}

	if t := c.cfg.CallTimeout.Duration; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	resp := c.pending.Await(ctx, id, c.cfg.PollInterval.Duration)
	if resp.IsError() {
		c.log.Debug("call failed", "method", method, "id", id, "code", resp.Error.Code, "message", resp.Error.Message)
	}
	return resp
}

// CallNotification sends a notification and returns. It is silently dropped
// when the Communicator is unusable or disconnected.
func (c *Communicator) CallNotification(ctx context.Context, method string, params ...any) {
	if !c.IsUsable() || !c.IsConnected() {
		return
	}
	p, err := protocol.NewParams(params...)
	if err != nil {
		c.log.Warn("notification not sent", "method", method, "err", err)
		return
	}
	if err := c.send(ctx, &protocol.Notification{Method: method, Params: p}); err != nil && !errors.Is(err, connection.ErrNotOpen) {
		c.log.Warn("notification not sent", "method", method, "err", err)
	}
}

// ProcessPendingRequests handles at most one queued inbound frame on the
// calling goroutine and sends its response, if any. It reports whether a
// frame was handled. Hosts call it once per tick.
func (c *Communicator) ProcessPendingRequests(ctx context.Context) bool {
	if !c.IsUsable() || !c.IsConnected() {
		return false
	}
	frame, ok := c.queue.DrainOne()
	if !ok {
		return false
	}
	resp := c.d.HandleFrame(ctx, frame)
	if resp == nil {
		return true
	}
	if err := c.send(ctx, resp); err != nil {
		c.log.Warn("response not sent", "id", resp.ID, "err", err)
	}
	return true
}

// Close shuts the connection down and fails every pending call. No frame is
// delivered after Close returns. Connect may be called again afterwards.
func (c *Communicator) Close() error {
	err := c.transport.Close()
	c.pending.Abort()
	if n := c.queue.Clear(); n > 0 {
		c.log.Info("discarded queued frames", "count", n)
	}
	return err
}

// Pending returns the number of calls awaiting a response.
func (c *Communicator) Pending() int { return c.pending.Len() }

// Queued returns the number of inbound frames not yet processed.
func (c *Communicator) Queued() int { return c.queue.Len() }

func (c *Communicator) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !c.transport.IsOpen() {
		return connection.ErrNotOpen
	}
	c.journal.Record(store.Outbound, c.transport.ID(), data)
	return c.transport.Send(ctx, data)
}

// onFrame runs on the network goroutine and must not block.
func (c *Communicator) onFrame(payload []byte) {
	c.journal.Record(store.Inbound, c.transport.ID(), payload)

	msg, err := protocol.Decode(payload)
	if err == nil {
		if resp, ok := msg.(*protocol.Response); ok {
			c.resolve(resp)
			return
		}
	}
	// Requests, notifications and undecodable frames are handled on the
	// host goroutine, which also owns the parse error policy.
	c.queue.Enqueue(payload)
}

func (c *Communicator) resolve(resp *protocol.Response) {
	if resp.ID == nil {
		msg := "<nil>"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		c.log.Warn("peer reported an uncorrelated error", "message", msg)
		return
	}
	c.pending.Resolve(*resp.ID, resp)
}

// onClose runs on the network goroutine once the connection is gone.
func (c *Communicator) onClose(err error) {
	n := c.pending.Abort()
	if n > 0 {
		c.log.Warn("connection lost with calls pending", "pending", n, "err", err)
	} else if err != nil {
		c.log.Info("connection lost", "err", err)
	}
	if dropped := c.queue.Clear(); dropped > 0 {
		c.log.Info("discarded queued frames", "count", dropped)
	}
}
