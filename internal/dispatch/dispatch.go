// Package dispatch routes inbound requests and notifications to the methods
// the host has registered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/codespacesh/dccbridge/internal/protocol"
)

var (
	ErrDuplicateMethod = errors.New("method already registered")
	ErrFrozen          = errors.New("dispatcher is frozen")
)

// Handler runs one method. A returned *protocol.Error is sent to the peer
// unchanged; any other error becomes a -32000 response.
type Handler func(ctx context.Context, params protocol.Params) (any, error)

// ParseErrorPolicy decides what happens to frames that fail to decode.
type ParseErrorPolicy int

const (
	// Reply sends an error response (id null when unknown).
	Reply ParseErrorPolicy = iota
	// Drop logs the frame and sends nothing.
	Drop
)

// ParsePolicy maps the config spelling ("reply", "drop") to a policy.
func ParsePolicy(s string) (ParseErrorPolicy, error) {
	switch s {
	case "", "reply":
		return Reply, nil
	case "drop":
		return Drop, nil
	default:
		return Reply, fmt.Errorf("unknown parse error policy %q", s)
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithParseErrorPolicy(p ParseErrorPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// Dispatcher is a method registry. Lookups are safe from any goroutine;
// handlers run on the goroutine that calls Dispatch.
type Dispatcher struct {
	log    *slog.Logger
	policy ParseErrorPolicy

	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Register installs h under name.
func (d *Dispatcher) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register %q: name and handler are required", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return fmt.Errorf("register %q: %w", name, ErrFrozen)
	}
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateMethod)
	}
	d.handlers[name] = h
	return nil
}

// MustRegister is Register for setup code; it panics on error.
func (d *Dispatcher) MustRegister(name string, h Handler) {
	if err := d.Register(name, h); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// Methods returns the registered names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(name string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[name]
}

// HandleFrame decodes one frame and dispatches it. It returns the response
// to send back, or nil when nothing should be sent.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame []byte) *protocol.Response {
	msg, err := protocol.Decode(frame)
	if err != nil {
		var pe *protocol.ParseError
		if errors.As(err, &pe) {
			return d.Reject(pe)
		}
		d.log.Warn("undecodable frame", "err", err)
		return nil
	}
	return d.Dispatch(ctx, msg)
}

// Reject applies the parse error policy.
func (d *Dispatcher) Reject(pe *protocol.ParseError) *protocol.Response {
	d.log.Warn("rejecting frame", "code", pe.Code, "detail", pe.Detail)
	if d.policy == Drop {
		return nil
	}
	return pe.Response()
}

// Dispatch runs the handler for a request or notification. Requests always
// get a response; notifications never do. Responses are not dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message) *protocol.Response {
	switch m := msg.(type) {
	case *protocol.Request:
		return d.call(ctx, m)
	case *protocol.Notification:
		d.notify(ctx, m)
		return nil
	default:
		d.log.Debug("ignoring message", "kind", msg.Kind())
		return nil
	}
}

func (d *Dispatcher) call(ctx context.Context, req *protocol.Request) *protocol.Response {
	h := d.lookup(req.Method)
	if h == nil {
		d.log.Warn("method not found", "method", req.Method, "id", req.ID)
		return protocol.MethodNotFound(req.ID, req.Method)
	}

	result, err := run(ctx, h, req.Params)
	if err != nil {
		d.logFailure(req.Method, err)
		return errorResponse(req.ID, err)
	}
	resp, err := protocol.NewResult(req.ID, result)
	if err != nil {
		return protocol.NewError(&req.ID, protocol.CodeInternalError, err.Error())
	}
	return resp
}

func (d *Dispatcher) notify(ctx context.Context, n *protocol.Notification) {
	h := d.lookup(n.Method)
	if h == nil {
		d.log.Warn("notification for unknown method", "method", n.Method)
		return
	}
	if _, err := run(ctx, h, n.Params); err != nil {
		d.logFailure(n.Method, err)
	}
}

func (d *Dispatcher) logFailure(method string, err error) {
	var pe *panicError
	if errors.As(err, &pe) {
		d.log.Error("handler panicked", "method", method, "panic", pe.value, "stack", string(pe.stack))
		return
	}
	d.log.Warn("handler failed", "method", method, "err", err)
}

// errNilRPCError replaces a typed-nil *protocol.Error returned by a handler,
// which is non-nil as an error but carries no code.
var errNilRPCError = errors.New("handler returned a nil *protocol.Error")

// panicError marks a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

func run(ctx context.Context, h Handler, params protocol.Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	result, err = h(ctx, params)
	if e, ok := err.(*protocol.Error); ok && e == nil {
		err = errNilRPCError
	}
	return result, err
}

func errorResponse(id int64, err error) *protocol.Response {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return &protocol.Response{ID: &id, Error: rpcErr}
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return protocol.NewError(&id, protocol.CodeInternalError, "Internal error: "+pe.Error())
	}
	return protocol.NewError(&id, protocol.CodeHandlerFailed, err.Error())
}
