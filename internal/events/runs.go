package events

import (
	"context"
	"log/slog"

	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// RunWriter is the slice of the store the run logger needs.
type RunWriter interface {
	CreateRun(ctx context.Context, run store.PipelineRun) error
	PatchRunStages(ctx context.Context, pipelineRunID string, stages map[string]store.StageMetrics) error
	FinalizeRun(ctx context.Context, pipelineRunID string, success bool, runErr string, interactionID *string, timings store.RunTimings, costs store.RunCosts) error
}

// PipelineRunLogger maintains the pipeline_runs row across a run's lifetime:
// create at entry, patch per-stage metrics as stages finish, finalize at the
// terminal event. Write failures are logged, never propagated; observability
// must not break the run.
type PipelineRunLogger struct {
	writer RunWriter
}

// NewPipelineRunLogger creates a run logger writing to w.
func NewPipelineRunLogger(w RunWriter) *PipelineRunLogger {
	return &PipelineRunLogger{writer: w}
}

// CreateRun inserts the run row at orchestrator entry.
func (l *PipelineRunLogger) CreateRun(ctx context.Context, id types.Identity, topology, behavior string) {
	err := l.writer.CreateRun(ctx, store.PipelineRun{
		PipelineRunID: id.PipelineRunID,
		Service:       id.Service,
		Topology:      topology,
		Behavior:      behavior,
		SessionID:     id.SessionID,
		UserID:        id.UserID,
		OrgID:         id.OrgID,
		RequestID:     id.RequestID,
	})
	if err != nil {
		slog.Error("pipeline run row create failed",
			"pipeline_run_id", id.PipelineRunID,
			"error", err,
		)
	}
}

// RecordStage patches one stage's metrics into the run row.
func (l *PipelineRunLogger) RecordStage(ctx context.Context, pipelineRunID, stage string, m store.StageMetrics) {
	err := l.writer.PatchRunStages(ctx, pipelineRunID, map[string]store.StageMetrics{stage: m})
	if err != nil {
		slog.Error("pipeline run stage patch failed",
			"pipeline_run_id", pipelineRunID,
			"stage", stage,
			"error", err,
		)
	}
}

// Finalize records the run outcome, timings, and costs.
func (l *PipelineRunLogger) Finalize(ctx context.Context, pipelineRunID string, success bool, runErr string, interactionID *string, timings store.RunTimings, costs store.RunCosts) {
	err := l.writer.FinalizeRun(ctx, pipelineRunID, success, runErr, interactionID, timings, costs)
	if err != nil {
		slog.Error("pipeline run finalize failed",
			"pipeline_run_id", pipelineRunID,
			"error", err,
		)
	}
}
