package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trainjobs/pkg/cloudevent"
)

func testEvent(dest string) *Event {
	return &Event{
		Payload:     cloudevent.New(cloudevent.TypeFinished, "trainjobs/service", "proj-1", "evt-1", nil),
		Destination: dest,
	}
}

func waitForStats(t *testing.T, d *MemoryDispatcher, check func(Stats) bool) Stats {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		stats := d.Stats()
		if check(stats) {
			return stats
		}
		select {
		case <-deadline:
			t.Fatalf("condition never met, stats: %+v", stats)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatchDelivers(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewMemory(MemoryConfig{BufferSize: 8, Workers: 2, HTTPTimeout: time.Second}, nil)
	defer d.Close(context.Background())

	if err := d.Dispatch(testEvent(srv.URL)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	stats := waitForStats(t, d, func(s Stats) bool { return s.Delivered == 1 })
	if stats.Failed != 0 {
		t.Errorf("unexpected failures: %+v", stats)
	}
	if received.Load() != 1 {
		t.Errorf("server received %d requests, want 1", received.Load())
	}
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewMemory(MemoryConfig{BufferSize: 8, Workers: 1, HTTPTimeout: time.Second}, nil)
	defer d.Close(context.Background())

	if err := d.Dispatch(testEvent(srv.URL)); err != nil {
		t.Fatal(err)
	}

	stats := waitForStats(t, d, func(s Stats) bool { return s.Delivered == 1 })
	if stats.RetriesTotal != 2 {
		t.Errorf("RetriesTotal = %d, want 2", stats.RetriesTotal)
	}
}

func TestDispatchClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewMemory(MemoryConfig{BufferSize: 8, Workers: 1, HTTPTimeout: time.Second}, nil)
	defer d.Close(context.Background())

	if err := d.Dispatch(testEvent(srv.URL)); err != nil {
		t.Fatal(err)
	}

	waitForStats(t, d, func(s Stats) bool { return s.Failed == 1 })
	if calls.Load() != 1 {
		t.Errorf("server received %d requests, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestDispatchBufferFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	d := NewMemory(MemoryConfig{BufferSize: 1, Workers: 1, HTTPTimeout: 30 * time.Second}, nil)

	// First event occupies the worker, second fills the buffer.
	d.Dispatch(testEvent(srv.URL))
	waitForStats(t, d, func(s Stats) bool { return s.QueueDepth == 0 })
	d.Dispatch(testEvent(srv.URL))

	err := d.Dispatch(testEvent(srv.URL))
	if err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if stats := d.Stats(); stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Close(ctx)
}

func TestDispatchAfterClose(t *testing.T) {
	t.Parallel()
	d := NewMemory(MemoryConfig{BufferSize: 1, Workers: 1, HTTPTimeout: time.Second}, nil)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(testEvent("http://localhost:1")); err == nil {
		t.Error("expected error dispatching after close")
	}
}
