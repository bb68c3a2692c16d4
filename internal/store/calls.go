package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertProviderCall records one provider invocation.
func (s *Store) InsertProviderCall(ctx context.Context, call ProviderCall) error {
	prompt := call.Prompt
	if prompt == nil {
		prompt = json.RawMessage("{}")
	}

	const q = `
		INSERT INTO provider_calls
		    (id, service, operation, provider, model, prompt, output,
		     latency_ms, tokens_in, tokens_out, audio_duration_ms, cost,
		     success, error,
		     session_id, user_id, org_id, request_id, pipeline_run_id, interaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20)`

	_, err := s.pool.Exec(ctx, q,
		call.ID, call.Service, call.Operation, call.Provider, call.Model,
		[]byte(prompt), call.Output,
		call.LatencyMs, call.TokensIn, call.TokensOut, call.AudioDurationMs, call.Cost,
		call.Success, call.Error,
		call.SessionID, call.UserID, call.OrgID, call.RequestID,
		call.PipelineRunID, call.InteractionID,
	)
	if err != nil {
		return fmt.Errorf("store: insert provider call: %w", err)
	}
	return nil
}

// UpdateProviderCall augments an existing call row in place with parsed
// output, token counts, and cost computed after the call completed.
func (s *Store) UpdateProviderCall(ctx context.Context, id string, output string, tokensIn, tokensOut int, cost float64) error {
	const q = `
		UPDATE provider_calls
		SET    output = $2, tokens_in = $3, tokens_out = $4, cost = $5
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id, output, tokensIn, tokensOut, cost); err != nil {
		return fmt.Errorf("store: update provider call: %w", err)
	}
	return nil
}

// BackfillCallInteraction sets interaction_id on all of a run's call rows
// that were logged before the interaction committed. Returns the number of
// rows updated.
func (s *Store) BackfillCallInteraction(ctx context.Context, pipelineRunID, interactionID string) (int64, error) {
	const q = `
		UPDATE provider_calls
		SET    interaction_id = $2
		WHERE  pipeline_run_id = $1
		  AND  interaction_id IS NULL`

	tag, err := s.pool.Exec(ctx, q, pipelineRunID, interactionID)
	if err != nil {
		return 0, fmt.Errorf("store: backfill call interaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListProviderCalls returns all call rows for a run ordered by creation time.
func (s *Store) ListProviderCalls(ctx context.Context, pipelineRunID string) ([]ProviderCall, error) {
	const q = `
		SELECT id, service, operation, provider, model, prompt, output,
		       latency_ms, tokens_in, tokens_out, audio_duration_ms, cost,
		       success, error,
		       session_id, user_id, org_id, request_id, pipeline_run_id,
		       interaction_id, created_at
		FROM   provider_calls
		WHERE  pipeline_run_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, pipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("store: list provider calls: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ProviderCall, error) {
		var (
			c   ProviderCall
			raw []byte
		)
		if err := row.Scan(
			&c.ID, &c.Service, &c.Operation, &c.Provider, &c.Model, &raw, &c.Output,
			&c.LatencyMs, &c.TokensIn, &c.TokensOut, &c.AudioDurationMs, &c.Cost,
			&c.Success, &c.Error,
			&c.SessionID, &c.UserID, &c.OrgID, &c.RequestID, &c.PipelineRunID,
			&c.InteractionID, &c.CreatedAt,
		); err != nil {
			return ProviderCall{}, err
		}
		c.Prompt = json.RawMessage(raw)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan provider calls: %w", err)
	}
	if out == nil {
		out = []ProviderCall{}
	}
	return out, nil
}
