package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
)

type fakeWriter struct {
	mu     sync.Mutex
	events []domain.SessionEvent
	flushes int
}

func (f *fakeWriter) WriteEvent(ctx context.Context, e domain.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeWriter) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeWriter) SupportsBatching() bool { return true }
func (f *fakeWriter) Close() error           { return nil }

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{QueueSize: 100, BatchSize: 3, FlushEvery: time.Hour}, []ports.SessionWriter{w}, nil)
	defer r.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		r.Record(domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1"})
	}

	deadline := time.Now().Add(time.Second)
	for w.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := w.count(); got != 3 {
		t.Fatalf("expected 3 events written, got %d", got)
	}
}

func TestRecorderFlushesOnTimer(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{QueueSize: 100, BatchSize: 1000, FlushEvery: 20 * time.Millisecond}, []ports.SessionWriter{w}, nil)
	defer r.Shutdown(context.Background())

	r.Record(domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1"})

	deadline := time.Now().Add(time.Second)
	for w.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := w.count(); got != 1 {
		t.Fatalf("expected timer-triggered flush to deliver 1 event, got %d", got)
	}
}

func TestRecorderDropsInvalidSessionID(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{QueueSize: 100, BatchSize: 1, FlushEvery: time.Hour}, []ports.SessionWriter{w}, nil)
	defer r.Shutdown(context.Background())

	r.Record(domain.SessionEvent{Type: domain.EventStarted, SessionID: "has a space"})
	r.Record(domain.SessionEvent{Type: domain.EventStarted, SessionID: "valid-id"})

	deadline := time.Now().Add(time.Second)
	for w.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := w.count(); got != 1 {
		t.Fatalf("expected only the valid event to be written, got %d", got)
	}
}

func TestRecorderShutdownDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	r := New(Config{QueueSize: 100, BatchSize: 1000, FlushEvery: time.Hour}, []ports.SessionWriter{w}, nil)

	for i := 0; i < 10; i++ {
		r.Record(domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
	if got := w.count(); got != 10 {
		t.Fatalf("expected all 10 queued events flushed on shutdown, got %d", got)
	}
}

func TestRecorderRecordNeverBlocksWhenQueueFull(t *testing.T) {
	w := &fakeWriter{}
	// FlushEvery is huge and BatchSize is huge, so nothing drains the queue
	// until Shutdown; Record must still return immediately once full.
	r := New(Config{QueueSize: 2, BatchSize: 1000, FlushEvery: time.Hour}, []ports.SessionWriter{w}, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Record(domain.SessionEvent{Type: domain.EventStarted, SessionID: "sess-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked instead of dropping excess events")
	}

	_ = r.Shutdown(context.Background())
}
