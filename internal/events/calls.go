package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// CallWriter is the slice of the store the call logger needs.
type CallWriter interface {
	InsertProviderCall(ctx context.Context, call store.ProviderCall) error
	UpdateProviderCall(ctx context.Context, id string, output string, tokensIn, tokensOut int, cost float64) error
	BackfillCallInteraction(ctx context.Context, pipelineRunID, interactionID string) (int64, error)
}

// ProviderCallLogger records one provider_calls row per provider invocation
// as a scoped acquisition: [ProviderCallLogger.Begin] timestamps, the
// returned [CallScope.End] records latency and outcome.
type ProviderCallLogger struct {
	writer  CallWriter
	metrics *observe.Metrics
}

// NewProviderCallLogger creates a call logger writing to w. metrics may be
// nil, in which case [observe.DefaultMetrics] is used.
func NewProviderCallLogger(w CallWriter, metrics *observe.Metrics) *ProviderCallLogger {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &ProviderCallLogger{writer: w, metrics: metrics}
}

// CallScope is one in-flight provider call. Obtain via
// [ProviderCallLogger.Begin] and finish with [CallScope.End].
type CallScope struct {
	logger *ProviderCallLogger
	call   store.ProviderCall
	start  time.Time
}

// Begin opens a call scope for the given operation. prompt is marshalled into
// the row's structured prompt column; pass nil for calls without one.
func (l *ProviderCallLogger) Begin(op types.Operation, provider, model string, prompt any, id types.Identity) *CallScope {
	var raw json.RawMessage
	if prompt != nil {
		b, err := json.Marshal(prompt)
		if err != nil {
			slog.Warn("provider call prompt not serialisable",
				"operation", string(op),
				"provider", provider,
				"error", err,
			)
		} else {
			raw = b
		}
	}

	return &CallScope{
		logger: l,
		start:  time.Now(),
		call: store.ProviderCall{
			ID:            uuid.NewString(),
			Service:       id.Service,
			Operation:     string(op),
			Provider:      provider,
			Model:         model,
			Prompt:        raw,
			SessionID:     id.SessionID,
			UserID:        id.UserID,
			OrgID:         id.OrgID,
			RequestID:     id.RequestID,
			PipelineRunID: id.PipelineRunID,
		},
	}
}

// CallResult carries the measurable outcome of a provider call.
type CallResult struct {
	Output          string
	TokensIn        int
	TokensOut       int
	AudioDurationMs int64
	Cost            float64
	Err             error
}

// End closes the scope: it records latency and outcome and writes the row.
// A failed write is logged but never propagated; accounting must not break
// the pipeline. Returns the call row ID for later augmentation.
func (c *CallScope) End(ctx context.Context, res CallResult) string {
	c.call.LatencyMs = time.Since(c.start).Milliseconds()
	c.call.Output = res.Output
	c.call.TokensIn = res.TokensIn
	c.call.TokensOut = res.TokensOut
	c.call.AudioDurationMs = res.AudioDurationMs
	c.call.Cost = res.Cost
	c.call.Success = res.Err == nil
	if res.Err != nil {
		c.call.Error = res.Err.Error()
	}

	status := "ok"
	if res.Err != nil {
		status = "error"
		c.logger.metrics.RecordProviderError(ctx, c.call.Provider, c.call.Operation)
	}
	c.logger.metrics.RecordProviderRequest(ctx, c.call.Provider, c.call.Operation, status)

	if err := c.logger.writer.InsertProviderCall(ctx, c.call); err != nil {
		slog.Error("provider call row write failed",
			"operation", c.call.Operation,
			"provider", c.call.Provider,
			"pipeline_run_id", c.call.PipelineRunID,
			"error", err,
		)
	}
	return c.call.ID
}

// Update augments a previously written call row with parsed output, token
// counts, and cost computed after the call finished.
func (l *ProviderCallLogger) Update(ctx context.Context, callID, output string, tokensIn, tokensOut int, cost float64) {
	if err := l.writer.UpdateProviderCall(ctx, callID, output, tokensIn, tokensOut, cost); err != nil {
		slog.Error("provider call row update failed", "call_id", callID, "error", err)
	}
}

// Backfill attaches the committed interaction to all of a run's call rows
// logged before persistence.
func (l *ProviderCallLogger) Backfill(ctx context.Context, pipelineRunID, interactionID string) {
	n, err := l.writer.BackfillCallInteraction(ctx, pipelineRunID, interactionID)
	if err != nil {
		slog.Error("provider call backfill failed",
			"pipeline_run_id", pipelineRunID,
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Debug("provider calls backfilled",
			"pipeline_run_id", pipelineRunID,
			"interaction_id", interactionID,
			"rows", n,
		)
	}
}
