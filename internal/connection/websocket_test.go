package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// peerServer accepts one WebSocket and hands it to fn.
func peerServer(t *testing.T, fn func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		fn(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echo writes back every text message it receives.
func echo(ctx context.Context, c *websocket.Conn) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if err := c.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

type recorder struct {
	frames chan string
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan string, 16), closed: make(chan error, 1)}
}

func (r *recorder) onFrame(p []byte)  { r.frames <- string(p) }
func (r *recorder) onClose(err error) { r.closed <- err }

func (r *recorder) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frame")
		return ""
	}
}

func TestConnectSendReceive(t *testing.T) {
	url := peerServer(t, echo)
	rec := newRecorder()
	tr := New(rec.onFrame, rec.onClose, Options{})
	t.Cleanup(func() { tr.Close() })

	res, err := tr.Connect(context.Background(), url)
	if err != nil || res != Connected {
		t.Fatalf("Connect = %v, %v", res, err)
	}
	if !tr.IsOpen() || tr.ID() == "" {
		t.Fatalf("status = %s, id = %q", tr.Status(), tr.ID())
	}

	if err := tr.Send(context.Background(), []byte(`{"hello":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := rec.nextFrame(t); got != `{"hello":1}` {
		t.Errorf("frame = %q", got)
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	url := peerServer(t, echo)
	tr := New(func([]byte) {}, nil, Options{})
	t.Cleanup(func() { tr.Close() })

	if _, err := tr.Connect(context.Background(), url); err != nil {
		t.Fatal(err)
	}
	id := tr.ID()
	res, err := tr.Connect(context.Background(), url)
	if err != nil || res != AlreadyConnected {
		t.Fatalf("second Connect = %v, %v", res, err)
	}
	if tr.ID() != id {
		t.Error("an open connection must not be replaced")
	}
}

func TestConnectInitFailed(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"not a url", "::::"},
		{"wrong scheme", "ftp://localhost:1"},
		{"no host", "ws://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(func([]byte) {}, nil, Options{})
			res, err := tr.Connect(context.Background(), tt.url)
			if res != InitFailed || err == nil {
				t.Fatalf("Connect = %v, %v; want InitFailed", res, err)
			}
			if tr.Status() != StatusFailed {
				t.Errorf("Status = %s, want Failed", tr.Status())
			}
		})
	}
}

func TestConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	tr := New(func([]byte) {}, nil, Options{HandshakeTimeout: time.Second})
	res, err := tr.Connect(context.Background(), url)
	if res != InitFailed || err == nil {
		t.Fatalf("Connect = %v, %v; want InitFailed", res, err)
	}
	if tr.Status() != StatusFailed {
		t.Errorf("Status = %s, want Failed", tr.Status())
	}
}

func TestSendNotOpen(t *testing.T) {
	tr := New(func([]byte) {}, nil, Options{})
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send = %v, want ErrNotOpen", err)
	}
}

func TestBinaryFramesAreHexEncoded(t *testing.T) {
	url := peerServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Write(ctx, websocket.MessageBinary, []byte{0xde, 0xad})
		c.Read(ctx)
	})
	rec := newRecorder()
	tr := New(rec.onFrame, nil, Options{})
	t.Cleanup(func() { tr.Close() })
	if _, err := tr.Connect(context.Background(), url); err != nil {
		t.Fatal(err)
	}
	if got := rec.nextFrame(t); got != "dead" {
		t.Errorf("frame = %q, want %q", got, "dead")
	}
}

func TestPeerCloseReportsError(t *testing.T) {
	url := peerServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Close(websocket.StatusGoingAway, "bye")
	})
	rec := newRecorder()
	tr := New(rec.onFrame, rec.onClose, Options{})
	t.Cleanup(func() { tr.Close() })
	if _, err := tr.Connect(context.Background(), url); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-rec.closed:
		if err == nil {
			t.Error("peer close should be reported with an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onClose not called")
	}
	if tr.Status() != StatusClosed {
		t.Errorf("Status = %s, want Closed", tr.Status())
	}
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after peer close = %v, want ErrNotOpen", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := peerServer(t, echo)
	rec := newRecorder()
	tr := New(rec.onFrame, rec.onClose, Options{})
	if _, err := tr.Connect(context.Background(), url); err != nil {
		t.Fatal(err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-rec.closed:
		if err != nil {
			t.Errorf("local close reported %v, want nil", err)
		}
	default:
		t.Fatal("onClose must have run before Close returned")
	}
	if tr.Status() != StatusClosed {
		t.Errorf("Status = %s, want Closed", tr.Status())
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestReconnectAfterClose(t *testing.T) {
	url := peerServer(t, echo)
	rec := newRecorder()
	tr := New(rec.onFrame, nil, Options{})
	t.Cleanup(func() { tr.Close() })

	if _, err := tr.Connect(context.Background(), url); err != nil {
		t.Fatal(err)
	}
	first := tr.ID()
	tr.Close()

	res, err := tr.Connect(context.Background(), url)
	if err != nil || res != Connected {
		t.Fatalf("reconnect = %v, %v", res, err)
	}
	if tr.ID() == first {
		t.Error("reconnect should create a new connection id")
	}
	tr.Send(context.Background(), []byte("again"))
	if got := rec.nextFrame(t); got != "again" {
		t.Errorf("frame = %q", got)
	}
}

func TestAcceptServerSide(t *testing.T) {
	accepted := make(chan *Transport, 1)
	rec := newRecorder()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(w, r, rec.onFrame, nil, Options{})
		if err != nil {
			return
		}
		done := tr.Done()
		accepted <- tr
		<-done
	}))
	t.Cleanup(srv.Close)

	client := New(func([]byte) {}, nil, Options{})
	t.Cleanup(func() { client.Close() })
	if _, err := client.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")); err != nil {
		t.Fatal(err)
	}

	var server *Transport
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted")
	}
	if !server.IsOpen() {
		t.Fatal("accepted transport should be open")
	}
	client.Send(context.Background(), []byte("ping"))
	if got := rec.nextFrame(t); got != "ping" {
		t.Errorf("server frame = %q", got)
	}
	server.Close()
}
