// Package events provides durable observability for pipeline runs: the
// buffered event sink feeding pipeline_events, the provider call logger, and
// the pipeline run logger.
//
// The hot path never blocks on database latency. Events are handed to
// [DbPipelineEventSink.TryEmit] which enqueues onto a bounded buffer and
// returns immediately; a background writer batches them into the store.
// Delivery is at-least-once; duplicates are tolerated because the event
// stream is append-only.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/internal/store"
)

// EventWriter is the slice of the store the sink needs.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []store.PipelineEvent) error
}

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 250 * time.Millisecond
)

// DbPipelineEventSink buffers pipeline events and writes them to the store in
// batches from a background goroutine.
type DbPipelineEventSink struct {
	writer  EventWriter
	metrics *observe.Metrics

	ch   chan store.PipelineEvent
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// SinkOption configures a DbPipelineEventSink.
type SinkOption func(*sinkOptions)

type sinkOptions struct {
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	metrics       *observe.Metrics
}

// WithBufferSize sets the bounded buffer capacity. Default: 1024.
func WithBufferSize(n int) SinkOption {
	return func(o *sinkOptions) { o.bufferSize = n }
}

// WithBatchSize sets the maximum events per store write. Default: 64.
func WithBatchSize(n int) SinkOption {
	return func(o *sinkOptions) { o.batchSize = n }
}

// WithFlushInterval sets the idle flush interval. Default: 250ms.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(o *sinkOptions) { o.flushInterval = d }
}

// WithSinkMetrics sets the metrics instance used for the dropped-event
// counter. Default: [observe.DefaultMetrics].
func WithSinkMetrics(m *observe.Metrics) SinkOption {
	return func(o *sinkOptions) { o.metrics = m }
}

// NewDbPipelineEventSink creates a sink writing to w and starts its
// background writer. Call [DbPipelineEventSink.Close] to flush and stop.
func NewDbPipelineEventSink(w EventWriter, opts ...SinkOption) *DbPipelineEventSink {
	o := sinkOptions{
		bufferSize:    defaultBufferSize,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	s := &DbPipelineEventSink{
		writer:  w,
		metrics: o.metrics,
		ch:      make(chan store.PipelineEvent, o.bufferSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(o.batchSize, o.flushInterval)
	return s
}

// TryEmit enqueues an event without blocking. Returns false when the buffer
// is saturated and the event was dropped; the drop is counted and logged but
// the caller proceeds regardless.
func (s *DbPipelineEventSink) TryEmit(ev store.PipelineEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.metrics.EventsDropped.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("event_type", ev.Type)))
		slog.Warn("pipeline event dropped, sink buffer full",
			"type", ev.Type,
			"pipeline_run_id", ev.PipelineRunID,
		)
		return false
	}
}

// Close stops the background writer after draining all buffered events.
// The context bounds the final flush.
func (s *DbPipelineEventSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the background writer loop. It accumulates events into a batch and
// flushes on batch-full, tick, or shutdown.
func (s *DbPipelineEventSink) run(batchSize int, flushInterval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.PipelineEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.writer.InsertEvents(ctx, batch); err != nil {
			slog.Error("pipeline event batch write failed",
				"count", len(batch),
				"error", err,
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still buffered, then do a final flush.
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
