package pipeline

import (
	"context"
	"time"
)

const (
	defaultQueueCapacity   = 100
	defaultQueuePutTimeout = 5 * time.Second
)

// PartialTextQueue is the bounded LLM to TTS hand-off. The producer blocks
// when the consumer lags, which naturally throttles token emission to what
// synthesis can absorb. A put that waits longer than the timeout emits a
// back-pressure warning event but never drops text.
type PartialTextQueue struct {
	ch         chan string
	putTimeout time.Duration
}

// QueueOption configures a [PartialTextQueue].
type QueueOption func(*PartialTextQueue)

// WithQueueCapacity overrides the default capacity of 100.
func WithQueueCapacity(n int) QueueOption {
	return func(q *PartialTextQueue) { q.ch = make(chan string, n) }
}

// WithPutTimeout overrides the back-pressure warning threshold.
func WithPutTimeout(d time.Duration) QueueOption {
	return func(q *PartialTextQueue) { q.putTimeout = d }
}

// NewPartialTextQueue creates the queue.
func NewPartialTextQueue(opts ...QueueOption) *PartialTextQueue {
	q := &PartialTextQueue{
		ch:         make(chan string, defaultQueueCapacity),
		putTimeout: defaultQueuePutTimeout,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Put enqueues text, blocking until the consumer makes room or ctx is done.
// When the wait exceeds the configured timeout a single warning event is
// emitted on em and the put keeps waiting.
func (q *PartialTextQueue) Put(ctx context.Context, text string, em EventEmitter) error {
	select {
	case q.ch <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(q.putTimeout):
	}

	if em != nil {
		em.Emit("pipeline.backpressure", map[string]any{
			"queue":     "partial_text",
			"waited_ms": q.putTimeout.Milliseconds(),
		})
	}
	select {
	case q.ch <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next text fragment. ok is false when the queue is closed
// and drained, or ctx is done.
func (q *PartialTextQueue) Get(ctx context.Context) (string, bool) {
	select {
	case text, open := <-q.ch:
		return text, open
	case <-ctx.Done():
		return "", false
	}
}

// Close signals the consumer that no more text is coming. Only the producer
// may call Close, exactly once.
func (q *PartialTextQueue) Close() { close(q.ch) }
