package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	typ  string
	data map[string]any
}

func (c *captureEmitter) Emit(eventType string, data map[string]any) {
	c.mu.Lock()
	c.events = append(c.events, capturedEvent{typ: eventType, data: data})
	c.mu.Unlock()
}

func (c *captureEmitter) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.typ == eventType {
			n++
		}
	}
	return n
}

func TestQueue_OrderPreserved(t *testing.T) {
	t.Parallel()

	q := pipeline.NewPartialTextQueue()
	ctx := context.Background()
	for _, s := range []string{"one", "two", "three"} {
		if err := q.Put(ctx, s, nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	q.Close()

	var got []string
	for {
		s, ok := q.Get(ctx)
		if !ok {
			break
		}
		got = append(got, s)
	}
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Errorf("drained %v", got)
	}
}

func TestQueue_BackpressureWarnsOnceThenDelivers(t *testing.T) {
	t.Parallel()

	q := pipeline.NewPartialTextQueue(
		pipeline.WithQueueCapacity(1),
		pipeline.WithPutTimeout(10*time.Millisecond),
	)
	ctx := context.Background()
	em := &captureEmitter{}

	if err := q.Put(ctx, "fills the buffer", em); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, "waits for the consumer", em)
	}()

	// Let the put exceed its warning threshold before the consumer drains.
	time.Sleep(50 * time.Millisecond)
	if _, ok := q.Get(ctx); !ok {
		t.Fatal("Get returned closed")
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked Put: %v", err)
	}

	if got := em.count("pipeline.backpressure"); got != 1 {
		t.Errorf("backpressure events = %d, want 1", got)
	}
	if s, ok := q.Get(ctx); !ok || s != "waits for the consumer" {
		t.Errorf("Get = %q, %v", s, ok)
	}
}

func TestQueue_PutRespectsContext(t *testing.T) {
	t.Parallel()

	q := pipeline.NewPartialTextQueue(
		pipeline.WithQueueCapacity(1),
		pipeline.WithPutTimeout(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Put(ctx, "fills", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, "stuck", nil) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Put returned nil after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock on cancel")
	}
}

func TestQueue_GetAfterCloseDrains(t *testing.T) {
	t.Parallel()

	q := pipeline.NewPartialTextQueue()
	ctx := context.Background()
	if err := q.Put(ctx, "last words", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	q.Close()

	if s, ok := q.Get(ctx); !ok || s != "last words" {
		t.Errorf("Get = %q, %v", s, ok)
	}
	if _, ok := q.Get(ctx); ok {
		t.Error("Get reported open after drain")
	}
}
