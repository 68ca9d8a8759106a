// Package peer is the pipeline side of the bridge: a WebSocket server the
// host connects to, plus a call API for driving the host.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codespacesh/dccbridge/internal/connection"
	"github.com/codespacesh/dccbridge/internal/dispatch"
	"github.com/codespacesh/dccbridge/internal/menu"
	"github.com/codespacesh/dccbridge/internal/pending"
	"github.com/codespacesh/dccbridge/internal/protocol"
	"github.com/codespacesh/dccbridge/internal/store"
)

// ErrNoClient is returned when no host is connected.
var ErrNoClient = errors.New("no host connected")

// Options configures a Server. Zero values select defaults.
type Options struct {
	// Listen address; port 0 picks a free port. Default "127.0.0.1:0".
	Listen string
	// Upper bound on Call. Zero waits until a response or disconnect.
	CallTimeout  time.Duration
	PollInterval time.Duration
	// Menu is pushed to every host with define_menu right after it
	// connects. Nil sends nothing.
	Menu *menu.Menu
	// Dispatcher handles calls from the host. Nil answers every request
	// with "method not found".
	Dispatcher *dispatch.Dispatcher
	Journal    *store.Recorder
	Logger     *slog.Logger
}

// client is one connected host. Each has its own registry so replacing a
// client fails only the old client's calls.
type client struct {
	tr      *connection.Transport
	pending *pending.Registry
	ready   chan struct{} // closed once tr is set
}

// Server accepts a single host connection at a time. A newer connection
// replaces the current one.
type Server struct {
	opts Options
	log  *slog.Logger
	d    *dispatch.Dispatcher

	ln  net.Listener
	srv *http.Server

	mu        sync.Mutex
	current   *client
	connected chan struct{} // closed and replaced whenever a host connects
	handlers  sync.WaitGroup

	nextID atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = pending.DefaultPoll
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := opts.Dispatcher
	if d == nil {
		d = dispatch.New(dispatch.WithLogger(log))
	}
	return &Server{opts: opts, log: log, d: d, connected: make(chan struct{})}
}

// Start listens and serves in the background until ctx is cancelled or
// Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.srv = &http.Server{Handler: mux}

	s.log.Info("pipeline server listening", "url", s.URL())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("pipeline server error", "err", err)
		}
	}()

	// Shut down gracefully when ctx is cancelled.
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// URL is the endpoint hosts connect to.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	return "ws://" + s.ln.Addr().String()
}

// Env returns the environment entry a launched host needs.
func (s *Server) Env() string {
	return "WEBSOCKET_URL=" + s.URL()
}

// ExportEnv sets WEBSOCKET_URL in this process so child processes inherit
// it.
func (s *Server) ExportEnv() error {
	return os.Setenv("WEBSOCKET_URL", s.URL())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	cl := &client{pending: pending.New(s.log), ready: make(chan struct{})}
	tr, err := connection.Accept(w, r,
		func(p []byte) { s.onFrame(cl, p) },
		func(err error) { s.onClose(cl, err) },
		connection.Options{Logger: s.log},
	)
	if err != nil {
		s.log.Error("websocket accept error", "err", err)
		return
	}
	done := tr.Done()
	cl.tr = tr
	close(cl.ready)

	s.mu.Lock()
	old := s.current
	s.current = cl
	close(s.connected)
	s.connected = make(chan struct{})
	s.mu.Unlock()

	if old != nil {
		s.log.Info("host replaced", "old", old.tr.ID(), "new", tr.ID())
		old.tr.Close()
	}
	s.log.Info("host connected", "conn", tr.ID(), "remote", r.RemoteAddr)

	if s.opts.Menu != nil {
		go s.pushMenu(cl)
	}
	<-done
}

func (s *Server) pushMenu(cl *client) {
	ctx := context.Background()
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}
	if _, err := s.call(ctx, cl, "define_menu", s.opts.Menu); err != nil {
		s.log.Warn("define_menu failed", "conn", cl.tr.ID(), "err", err)
		return
	}
	s.log.Debug("menu pushed", "conn", cl.tr.ID(), "items", len(s.opts.Menu.Items))
}

// onFrame runs on the client's read goroutine.
func (s *Server) onFrame(cl *client, payload []byte) {
	<-cl.ready
	s.opts.Journal.Record(store.Inbound, cl.tr.ID(), payload)

	msg, err := protocol.Decode(payload)
	if err == nil {
		if resp, ok := msg.(*protocol.Response); ok {
			if resp.ID == nil {
				s.log.Warn("host reported an uncorrelated error", "err", resp.Error)
				return
			}
			cl.pending.Resolve(*resp.ID, resp)
			return
		}
	}

	// Host calls may block (menu callbacks open tools), so each runs on its
	// own goroutine.
	go func() {
		resp := s.d.HandleFrame(context.Background(), payload)
		if resp == nil {
			return
		}
		if err := s.send(context.Background(), cl, resp); err != nil {
			s.log.Warn("response not sent", "conn", cl.tr.ID(), "err", err)
		}
	}()
}

func (s *Server) onClose(cl *client, err error) {
	<-cl.ready
	if n := cl.pending.Abort(); n > 0 {
		s.log.Warn("host disconnected with calls pending", "conn", cl.tr.ID(), "pending", n)
	}
	s.mu.Lock()
	if s.current == cl {
		s.current = nil
	}
	s.mu.Unlock()
	s.log.Info("host disconnected", "conn", cl.tr.ID(), "err", err)
}

// Connected reports whether a host is currently attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.tr.IsOpen()
}

// WaitForClient blocks until a host is connected or ctx is done.
func (s *Server) WaitForClient(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.current != nil && s.current.tr.IsOpen() {
			s.mu.Unlock()
			return nil
		}
		ch := s.connected
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) client() (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.current.tr.IsOpen() {
		return nil, ErrNoClient
	}
	return s.current, nil
}

// Call invokes method on the host and waits for the result. An error
// response from the host is returned as *protocol.Error; a dropped
// connection yields one with code -32001.
func (s *Server) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	cl, err := s.client()
	if err != nil {
		return nil, err
	}
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}
	return s.call(ctx, cl, method, params...)
}

func (s *Server) call(ctx context.Context, cl *client, method string, params ...any) (json.RawMessage, error) {
	p, err := protocol.NewParams(params...)
	if err != nil {
		return nil, err
	}
	id := s.nextID.Add(1)
	if err := cl.pending.Register(id); err != nil {
		return nil, ErrNoClient
	}
	if err := s.send(ctx, cl, &protocol.Request{ID: id, Method: method, Params: p}); err != nil {
		cl.pending.Forget(id)
		return nil, err
	}
	resp := cl.pending.Await(ctx, id, s.opts.PollInterval)
	if resp.IsError() {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification to the host.
func (s *Server) Notify(ctx context.Context, method string, params ...any) error {
	cl, err := s.client()
	if err != nil {
		return err
	}
	p, err := protocol.NewParams(params...)
	if err != nil {
		return err
	}
	return s.send(ctx, cl, &protocol.Notification{Method: method, Params: p})
}

func (s *Server) send(ctx context.Context, cl *client, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !cl.tr.IsOpen() {
		return connection.ErrNotOpen
	}
	s.opts.Journal.Record(store.Outbound, cl.tr.ID(), data)
	return cl.tr.Send(ctx, data)
}

// Close disconnects the host and stops the listener. It is safe to call
// more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.closeErr = s.srv.Shutdown(ctx)
		}

		s.mu.Lock()
		cl := s.current
		s.current = nil
		s.mu.Unlock()
		if cl != nil {
			cl.tr.Close()
		}
		s.handlers.Wait()
	})
	return s.closeErr
}
