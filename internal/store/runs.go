package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateRun inserts the pipeline_runs row at orchestrator entry. Only the
// identifying columns are populated; stage metrics and outcome are patched in
// later via [Store.PatchRunStages] and [Store.FinalizeRun].
func (s *Store) CreateRun(ctx context.Context, run PipelineRun) error {
	const q = `
		INSERT INTO pipeline_runs
		    (pipeline_run_id, service, topology, behavior,
		     session_id, user_id, org_id, request_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`

	_, err := s.pool.Exec(ctx, q,
		run.PipelineRunID, run.Service, run.Topology, run.Behavior,
		run.SessionID, run.UserID, run.OrgID, run.RequestID,
	)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

// PatchRunStages merges stage metrics into the run's stages map. Existing
// entries for other stages are preserved; entries for the same stage are
// replaced.
func (s *Store) PatchRunStages(ctx context.Context, pipelineRunID string, stages map[string]StageMetrics) error {
	patch, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("store: marshal stage metrics: %w", err)
	}

	const q = `UPDATE pipeline_runs SET stages = stages || $2::jsonb WHERE pipeline_run_id = $1`
	if _, err := s.pool.Exec(ctx, q, pipelineRunID, patch); err != nil {
		return fmt.Errorf("store: patch run stages: %w", err)
	}
	return nil
}

// RunTimings carries the latency milestones recorded at finalization.
type RunTimings struct {
	TTFTMs    int64
	TTFAMs    int64
	TTFCMs    int64
	LatencyMs int64
}

// RunCosts carries the per-modality cost totals recorded at finalization.
type RunCosts struct {
	STT float64
	LLM float64
	TTS float64
}

// FinalizeRun records the run outcome, timings, and costs, and stamps
// finished_at. runErr may be empty for successful runs.
func (s *Store) FinalizeRun(ctx context.Context, pipelineRunID string, success bool, runErr string, interactionID *string, timings RunTimings, costs RunCosts) error {
	const q = `
		UPDATE pipeline_runs
		SET    success = $2, error = $3, interaction_id = $4,
		       ttft_ms = $5, ttfa_ms = $6, ttfc_ms = $7, latency_ms = $8,
		       stt_cost = $9, llm_cost = $10, tts_cost = $11,
		       finished_at = now()
		WHERE  pipeline_run_id = $1`

	_, err := s.pool.Exec(ctx, q,
		pipelineRunID, success, runErr, interactionID,
		timings.TTFTMs, timings.TTFAMs, timings.TTFCMs, timings.LatencyMs,
		costs.STT, costs.LLM, costs.TTS,
	)
	if err != nil {
		return fmt.Errorf("store: finalize run: %w", err)
	}
	return nil
}

// GetRun returns the pipeline run with the given ID, or (nil, nil) when no
// such run exists.
func (s *Store) GetRun(ctx context.Context, pipelineRunID string) (*PipelineRun, error) {
	const q = `
		SELECT pipeline_run_id, service, topology, behavior,
		       session_id, user_id, org_id, request_id, interaction_id,
		       success, error, stages,
		       ttft_ms, ttfa_ms, ttfc_ms,
		       stt_cost, llm_cost, tts_cost,
		       latency_ms, started_at, finished_at
		FROM   pipeline_runs
		WHERE  pipeline_run_id = $1`

	var (
		run       PipelineRun
		stagesRaw []byte
	)
	err := s.pool.QueryRow(ctx, q, pipelineRunID).Scan(
		&run.PipelineRunID, &run.Service, &run.Topology, &run.Behavior,
		&run.SessionID, &run.UserID, &run.OrgID, &run.RequestID, &run.InteractionID,
		&run.Success, &run.Error, &stagesRaw,
		&run.TTFTMs, &run.TTFAMs, &run.TTFCMs,
		&run.STTCost, &run.LLMCost, &run.TTSCost,
		&run.LatencyMs, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	if err := json.Unmarshal(stagesRaw, &run.Stages); err != nil {
		return nil, fmt.Errorf("store: decode run stages: %w", err)
	}
	return &run, nil
}

// InsertEvents appends a batch of pipeline events. Batches come from the
// buffered event sink; events are append-only so duplicate delivery is
// harmless.
func (s *Store) InsertEvents(ctx context.Context, events []PipelineEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, len(events))
	for i, ev := range events {
		data := ev.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		rows[i] = []any{ev.PipelineRunID, ev.Type, []byte(data), ev.Timestamp}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"pipeline_events"},
		[]string{"pipeline_run_id", "type", "data", "timestamp"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("store: insert events: %w", err)
	}
	return nil
}

// ListEvents returns all events for a run ordered by timestamp.
func (s *Store) ListEvents(ctx context.Context, pipelineRunID string) ([]PipelineEvent, error) {
	const q = `
		SELECT id, pipeline_run_id, type, data, timestamp
		FROM   pipeline_events
		WHERE  pipeline_run_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, pipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineEvent, error) {
		var (
			ev  PipelineEvent
			raw []byte
		)
		if err := row.Scan(&ev.ID, &ev.PipelineRunID, &ev.Type, &raw, &ev.Timestamp); err != nil {
			return PipelineEvent{}, err
		}
		ev.Data = json.RawMessage(raw)
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan events: %w", err)
	}
	if out == nil {
		out = []PipelineEvent{}
	}
	return out, nil
}
