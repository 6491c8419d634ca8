package wasession

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// recordingSink collects delivered notifications for assertions.
type recordingSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *recordingSink) Deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notes))
	copy(out, s.notes)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEventRouterPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	router := NewEventRouter(sink, 16)
	defer router.Close()

	for i := 0; i < 5; i++ {
		router.Publish("tenant-a", NotifyMessage, map[string]interface{}{
			"seq": strconv.Itoa(i),
		})
	}

	waitFor(t, "all notifications delivered", func() bool {
		return len(sink.snapshot()) == 5
	})

	for i, n := range sink.snapshot() {
		if n.Profile != "tenant-a" {
			t.Fatalf("notification %d: profile %q", i, n.Profile)
		}
		if n.Data["seq"] != strconv.Itoa(i) {
			t.Fatalf("notification %d: out of order, got seq %v", i, n.Data["seq"])
		}
	}
}

func TestEventRouterCloseDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	router := NewEventRouter(sink, 64)

	for i := 0; i < 10; i++ {
		router.Publish("tenant-a", NotifyMessage, nil)
	}
	router.Close()

	if got := len(sink.snapshot()); got != 10 {
		t.Fatalf("after Close: delivered %d notifications, want 10", got)
	}
}

func TestEventRouterDropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	slow := SinkFunc(func(ctx context.Context, n Notification) {
		<-block
	})
	router := NewEventRouter(slow, 1)
	defer func() {
		close(block)
		router.Close()
	}()

	// Flood well past the queue size; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			router.Publish("tenant-a", NotifyMessage, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full queue")
	}
}
