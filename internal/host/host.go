// Package host is a reference host runtime: it drives the bridge from a
// single tick goroutine the way an editor's main loop would, and provides
// the host-side methods the pipeline calls.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codespacesh/dccbridge/internal/dispatch"
	"github.com/codespacesh/dccbridge/internal/menu"
	"github.com/codespacesh/dccbridge/internal/protocol"
	"github.com/codespacesh/dccbridge/internal/store"
)

// DefaultTick is the interval between ProcessPendingRequests calls.
const DefaultTick = 50 * time.Millisecond

// menuKey is where the last applied menu is kept across restarts.
const menuKey = "host.menu"

// Bridge is the part of the communicator the host uses.
type Bridge interface {
	IsUsable() bool
	IsConnected() bool
	Connect(ctx context.Context) error
	CallMethod(ctx context.Context, method string, params ...any) *protocol.Response
	CallNotification(ctx context.Context, method string, params ...any)
	ProcessPendingRequests(ctx context.Context) bool
}

// Options configures a Host. Zero values select defaults.
type Options struct {
	Label  string
	Tick   time.Duration
	Runner ScriptRunner
	// State persists the last menu. Optional.
	State store.Journal
	// OnMenu is called on the tick goroutine whenever a new menu is
	// applied.
	OnMenu func(label string, m *menu.Menu)
	Logger *slog.Logger
}

type Host struct {
	b    Bridge
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	incoming *menu.Menu // set by define_menu, applied on the next tick
	current  *menu.Menu
}

// New registers the host methods (define_menu, execute_george) on d and
// freezes it. d must be the dispatcher b was built with.
func New(b Bridge, d *dispatch.Dispatcher, opts Options) (*Host, error) {
	if opts.Label == "" {
		opts.Label = "Avalon"
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Runner == nil {
		opts.Runner = EchoRunner{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Host{b: b, opts: opts, log: log}

	if err := d.Register("define_menu", h.defineMenu); err != nil {
		return nil, err
	}
	if err := d.Register("execute_george", h.executeGeorge); err != nil {
		return nil, err
	}
	d.Freeze()

	h.restoreMenu()
	return h, nil
}

// Run connects and ticks until ctx is cancelled. An unusable bridge is not
// an error: the host keeps running without pipeline tools.
func (h *Host) Run(ctx context.Context) error {
	if err := h.b.Connect(ctx); err != nil {
		h.log.Warn("running without pipeline", "label", h.opts.Label, "err", err)
	} else if !h.b.IsUsable() {
		h.log.Info("WEBSOCKET_URL not set, running without pipeline", "label", h.opts.Label)
	} else {
		h.log.Info("connected to pipeline", "label", h.opts.Label)
	}

	ticker := time.NewTicker(h.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick handles at most one inbound call and applies a newly defined menu.
func (h *Host) Tick(ctx context.Context) {
	h.b.ProcessPendingRequests(ctx)

	h.mu.Lock()
	m := h.incoming
	h.incoming = nil
	if m != nil {
		h.current = m
	}
	h.mu.Unlock()

	if m != nil {
		h.log.Info("menu updated", "title", m.Title, "items", len(m.Items))
		if h.opts.OnMenu != nil {
			h.opts.OnMenu(h.opts.Label, m)
		}
	}
}

// Menu returns the applied menu, or nil.
func (h *Host) Menu() *menu.Menu {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Click runs the callback of menu item index as a blocking call. It must
// not be called from the tick goroutine while another tick is expected to
// answer it.
func (h *Host) Click(ctx context.Context, index int) (*protocol.Response, error) {
	m := h.Menu()
	if m == nil {
		return nil, fmt.Errorf("no menu defined")
	}
	if index < 0 || index >= len(m.Items) {
		return nil, fmt.Errorf("menu item %d out of range (have %d)", index, len(m.Items))
	}
	item := m.Items[index]
	h.log.Debug("menu click", "callback", item.Callback)
	return h.b.CallMethod(ctx, item.Callback), nil
}

func (h *Host) defineMenu(ctx context.Context, p protocol.Params) (any, error) {
	var m menu.Menu
	if err := p.Decode(0, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "%v", err)
	}

	h.mu.Lock()
	h.incoming = &m
	h.mu.Unlock()

	if h.opts.State != nil {
		if data, err := json.Marshal(&m); err == nil {
			if err := h.opts.State.KVSet(ctx, menuKey, data); err != nil {
				h.log.Warn("saving menu", "err", err)
			}
		}
	}
	return "", nil
}

func (h *Host) executeGeorge(ctx context.Context, p protocol.Params) (any, error) {
	script, err := p.StringAt(0)
	if err != nil {
		return nil, err
	}
	out, err := h.opts.Runner.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("george script failed: %w", err)
	}
	return out, nil
}

// restoreMenu shows the last known menu until the pipeline defines one.
func (h *Host) restoreMenu() {
	if h.opts.State == nil {
		return
	}
	data, err := h.opts.State.KVGet(context.Background(), menuKey)
	if err != nil || data == nil {
		return
	}
	var m menu.Menu
	if err := json.Unmarshal(data, &m); err != nil {
		h.log.Warn("ignoring saved menu", "err", err)
		return
	}
	if err := m.Validate(); err != nil {
		h.log.Warn("ignoring saved menu", "err", err)
		return
	}
	h.incoming = &m
}
