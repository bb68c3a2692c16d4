package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/internal/store"
)

// RunResult summarises one pipeline run for the transport layer.
type RunResult struct {
	// Success is true for completed and gracefully cancelled runs.
	Success bool

	// Cancelled is true when the run terminated via cooperative cancel.
	Cancelled bool

	// CancelReason is set for cancelled runs (e.g. "no_speech_detected").
	CancelReason string

	// Degraded is true when a breaker denial degraded the run.
	Degraded bool

	// FailedStage names the stage whose error failed the run.
	FailedStage string

	// Err is the failing stage's error.
	Err error

	// InteractionID is the persisted assistant interaction, when one exists.
	InteractionID string

	// Outputs is the full stage output map.
	Outputs map[string]StageOutput

	// LatencyMs is the wall time of the whole run.
	LatencyMs int64
}

// Orchestrator is the single entry point for running any topology. It owns
// run-row lifecycle, event emission, and terminal-state reporting: every run
// emits exactly one pipeline.created, one pipeline.started, and exactly one
// terminal pipeline.{completed|failed|degraded} event on every exit path.
type Orchestrator struct {
	runs    *events.PipelineRunLogger
	sink    *events.DbPipelineEventSink
	metrics *observe.Metrics
}

// NewOrchestrator wires the orchestrator's observability collaborators.
// metrics may be nil, in which case [observe.DefaultMetrics] is used.
func NewOrchestrator(runs *events.PipelineRunLogger, sink *events.DbPipelineEventSink, metrics *observe.Metrics) *Orchestrator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{runs: runs, sink: sink, metrics: metrics}
}

// EmitterFor returns the event logger scoped to the run's identity. The
// socket layer uses it for events that bracket the run (frame-level errors).
func (o *Orchestrator) EmitterFor(pctx *PipelineContext) *events.PipelineEventLogger {
	return events.NewPipelineEventLogger(o.sink, pctx.Identity())
}

// Run executes graph under pctx and returns the run summary. It never
// returns an error: failures are reported in the result and through the
// terminal event.
func (o *Orchestrator) Run(ctx context.Context, graph *Graph, pctx *PipelineContext, ports *Ports) *RunResult {
	id := pctx.Identity()
	emitter := events.NewPipelineEventLogger(o.sink, id)
	if ports == nil {
		ports = &Ports{}
	}
	if ports.Events == nil {
		ports.Events = emitter
	}

	start := time.Now()
	pctx.Put(KeyStartedAt, start)
	o.runs.CreateRun(ctx, id, pctx.Topology(), string(pctx.Behavior()))
	emitter.Emit("pipeline.created", map[string]any{"topology": pctx.Topology()})
	emitter.Emit("pipeline.started", nil)

	o.metrics.ActivePipelines.Add(ctx, 1)
	defer o.metrics.ActivePipelines.Add(ctx, -1)

	observeStage := func(name string, out StageOutput, duration time.Duration) {
		o.metrics.RecordStageDuration(ctx, name, string(out.Status), duration)
		m := store.StageMetrics{
			Status:    string(out.Status),
			LatencyMs: duration.Milliseconds(),
		}
		if out.Err != nil {
			m.Error = out.Err.Error()
		}
		o.runs.RecordStage(ctx, id.PipelineRunID, name, m)
	}

	outputs := graph.Run(ctx, pctx, ports, observeStage)

	res := summarize(pctx, outputs)
	res.LatencyMs = time.Since(start).Milliseconds()
	res.InteractionID = pctx.String(KeyInteractionID)

	timings := store.RunTimings{
		TTFTMs:    pctx.Int64(KeyTTFTMs),
		TTFAMs:    pctx.Int64(KeyTTFAMs),
		TTFCMs:    pctx.Int64(KeyTTFCMs),
		LatencyMs: res.LatencyMs,
	}
	costs := store.RunCosts{
		STT: pctx.Float64(KeySTTCost),
		LLM: pctx.Float64(KeyLLMCost),
		TTS: pctx.Float64(KeyTTSCost),
	}
	var interactionID *string
	if res.InteractionID != "" {
		interactionID = &res.InteractionID
	}

	terminal := map[string]any{
		"latency_ms": res.LatencyMs,
		"ttft_ms":    timings.TTFTMs,
		"ttfa_ms":    timings.TTFAMs,
		"ttfc_ms":    timings.TTFCMs,
	}
	var (
		event   string
		outcome string
		runErr  string
	)
	switch {
	case res.Cancelled:
		event, outcome = "pipeline.completed", "cancelled"
		terminal["cancelled"] = true
		if res.CancelReason != "" {
			terminal["cancelled_reason"] = res.CancelReason
		}
	case res.Degraded:
		event, outcome = "pipeline.degraded", "degraded"
		terminal["stage"] = res.FailedStage
		if res.Err != nil {
			runErr = res.Err.Error()
			terminal["error"] = runErr
		}
	case res.Err != nil:
		event, outcome = "pipeline.failed", "failed"
		terminal["stage"] = res.FailedStage
		runErr = res.Err.Error()
		terminal["error"] = runErr
	default:
		event, outcome = "pipeline.completed", "completed"
	}
	emitter.Emit(event, terminal)

	o.runs.Finalize(ctx, id.PipelineRunID, res.Success, runErr, interactionID, timings, costs)
	o.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			observe.Attr("topology", pctx.Topology()),
			observe.Attr("outcome", outcome),
		))

	slog.Info("pipeline run finished",
		"pipeline_run_id", id.PipelineRunID,
		"session_id", id.SessionID,
		"topology", pctx.Topology(),
		"outcome", outcome,
		"latency_ms", res.LatencyMs,
	)
	return res
}

// summarize folds the stage output map into the run outcome. Cancellation
// wins over errors (barge-in mid-stream is not a failure); a degraded stage
// error is reported as degraded rather than failed.
func summarize(pctx *PipelineContext, outputs map[string]StageOutput) *RunResult {
	res := &RunResult{Outputs: outputs}

	for name, out := range outputs {
		switch out.Status {
		case StatusError:
			if res.Err == nil || out.Degraded {
				res.FailedStage = name
				res.Err = out.Err
				res.Degraded = out.Degraded
			}
		case StatusCanceled:
			res.Cancelled = true
		}
	}
	if pctx.Canceled() {
		res.Cancelled = true
	}

	if res.Cancelled {
		res.Success = true
		res.CancelReason = pctx.String(KeyCancelReason)
		res.Err = nil
		res.FailedStage = ""
		res.Degraded = false
		return res
	}
	res.Success = res.Err == nil
	return res
}
