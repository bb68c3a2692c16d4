package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// InsertInteraction appends an interaction to the session, assigning the next
// sequence number atomically. The assigned number is written back into it.
func (s *Store) InsertInteraction(ctx context.Context, it *Interaction) error {
	// The UNIQUE (session_id, sequence_number) constraint makes concurrent
	// inserts for the same session fail rather than silently interleave; the
	// orchestrator serialises turns per session so this does not retry.
	const q = `
		INSERT INTO interactions
		    (id, session_id, user_id, sequence_number, role, content,
		     stt_call_id, llm_call_id, tts_call_id)
		SELECT $1, $2, $3, COALESCE(MAX(sequence_number), 0) + 1, $4, $5, $6, $7, $8
		FROM   interactions
		WHERE  session_id = $2
		RETURNING sequence_number, created_at`

	err := s.pool.QueryRow(ctx, q,
		it.ID, it.SessionID, it.UserID, it.Role, it.Content,
		it.STTCallID, it.LLMCallID, it.TTSCallID,
	).Scan(&it.SequenceNumber, &it.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert interaction: %w", err)
	}
	return nil
}

// ListRecentInteractions returns the last limit interactions for the session
// in chronological order (oldest first).
func (s *Store) ListRecentInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	const q = `
		SELECT * FROM (
		    SELECT id, session_id, user_id, sequence_number, role, content,
		           stt_call_id, llm_call_id, tts_call_id, created_at
		    FROM   interactions
		    WHERE  session_id = $1
		    ORDER  BY sequence_number DESC
		    LIMIT  $2
		) sub
		ORDER BY sequence_number`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent interactions: %w", err)
	}
	return collectInteractions(rows)
}

// ListInteractionsSince returns all interactions for the session created
// after cutoff, in chronological order.
func (s *Store) ListInteractionsSince(ctx context.Context, sessionID string, cutoff time.Time) ([]Interaction, error) {
	const q = `
		SELECT id, session_id, user_id, sequence_number, role, content,
		       stt_call_id, llm_call_id, tts_call_id, created_at
		FROM   interactions
		WHERE  session_id = $1
		  AND  created_at > $2
		ORDER  BY sequence_number`

	rows, err := s.pool.Query(ctx, q, sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list interactions since: %w", err)
	}
	return collectInteractions(rows)
}

// UpdateInteractionEmbedding sets the semantic vector for an interaction.
func (s *Store) UpdateInteractionEmbedding(ctx context.Context, id string, embedding []float32) error {
	const q = `UPDATE interactions SET embedding = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("store: update interaction embedding: %w", err)
	}
	return nil
}

// SearchSimilarInteractions returns up to topK of the user's past
// interactions most similar to the query embedding, nearest first. Rows
// without an embedding are skipped. excludeSessionID removes the current
// session so recall only surfaces older conversations.
func (s *Store) SearchSimilarInteractions(ctx context.Context, userID string, embedding []float32, topK int, excludeSessionID string) ([]Interaction, error) {
	const q = `
		SELECT id, session_id, user_id, sequence_number, role, content,
		       stt_call_id, llm_call_id, tts_call_id, created_at
		FROM   interactions
		WHERE  user_id = $1
		  AND  embedding IS NOT NULL
		  AND  session_id <> $3
		ORDER  BY embedding <=> $2
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, userID, pgvector.NewVector(embedding), excludeSessionID, topK)
	if err != nil {
		return nil, fmt.Errorf("store: search similar interactions: %w", err)
	}
	return collectInteractions(rows)
}

// collectInteractions scans pgx rows into a slice of Interaction values.
func collectInteractions(rows pgx.Rows) ([]Interaction, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Interaction, error) {
		var it Interaction
		err := row.Scan(
			&it.ID, &it.SessionID, &it.UserID, &it.SequenceNumber, &it.Role, &it.Content,
			&it.STTCallID, &it.LLMCallID, &it.TTSCallID, &it.CreatedAt,
		)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan interactions: %w", err)
	}
	if out == nil {
		out = []Interaction{}
	}
	return out, nil
}
