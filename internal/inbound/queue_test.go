package inbound

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestFIFO(t *testing.T) {
	q := New(0, nil)
	for _, s := range []string{"a", "b", "c"} {
		q.Enqueue([]byte(s))
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.DrainOne()
		if !ok || string(got) != want {
			t.Fatalf("DrainOne = %q, %v; want %q", got, ok, want)
		}
	}
	if _, ok := q.DrainOne(); ok {
		t.Error("DrainOne on empty queue should report false")
	}
}

func TestClear(t *testing.T) {
	q := New(0, nil)
	q.Enqueue([]byte("x"))
	q.Enqueue([]byte("y"))
	if n := q.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Clear = %d", q.Len())
	}
}

func TestHighWaterWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	q := New(3, log)
	for i := 0; i < 10; i++ {
		q.Enqueue([]byte{byte(i)})
	}
	if got := strings.Count(buf.String(), "inbound queue backlog"); got != 1 {
		t.Errorf("warnings = %d, want 1\n%s", got, buf.String())
	}
	if q.Len() != 10 {
		t.Errorf("Len = %d, want 10 (no eviction)", q.Len())
	}

	// Drain below the mark and refill: crossing again warns again.
	for q.Len() > 0 {
		q.DrainOne()
	}
	for i := 0; i < 3; i++ {
		q.Enqueue([]byte{byte(i)})
	}
	if got := strings.Count(buf.String(), "inbound queue backlog"); got != 2 {
		t.Errorf("warnings = %d, want 2", got)
	}
}

func TestConcurrentProducer(t *testing.T) {
	q := New(0, nil)
	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Enqueue([]byte(fmt.Sprint(i)))
		}
	}()

	// Consumer sees frames in production order.
	next := 0
	for next < n {
		f, ok := q.DrainOne()
		if !ok {
			continue
		}
		if string(f) != fmt.Sprint(next) {
			t.Fatalf("frame %d = %q", next, f)
		}
		next++
	}
	wg.Wait()
}
