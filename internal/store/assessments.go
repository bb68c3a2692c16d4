package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertAssessment records a skill assessment.
func (s *Store) InsertAssessment(ctx context.Context, a Assessment) error {
	content := a.Content
	if content == nil {
		content = json.RawMessage("{}")
	}

	const q = `
		INSERT INTO assessments
		    (id, session_id, user_id, interaction_id, skill, mode, score, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		a.ID, a.SessionID, a.UserID, a.InteractionID,
		a.Skill, a.Mode, a.Score, []byte(content),
	)
	if err != nil {
		return fmt.Errorf("store: insert assessment: %w", err)
	}
	return nil
}

// BackfillAssessmentInteraction attaches interaction-less assessment rows for
// a session to the committed interaction. Used by the fast path where
// assessment runs before the user message commits.
func (s *Store) BackfillAssessmentInteraction(ctx context.Context, ids []string, interactionID string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
		UPDATE assessments
		SET    interaction_id = $2
		WHERE  id = ANY($1)
		  AND  interaction_id IS NULL`

	if _, err := s.pool.Exec(ctx, q, ids, interactionID); err != nil {
		return fmt.Errorf("store: backfill assessment interaction: %w", err)
	}
	return nil
}

// ListAssessments returns all assessments for a session in chronological
// order.
func (s *Store) ListAssessments(ctx context.Context, sessionID string) ([]Assessment, error) {
	const q = `
		SELECT id, session_id, user_id, interaction_id, skill, mode, score, content, created_at
		FROM   assessments
		WHERE  session_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list assessments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Assessment, error) {
		var (
			a   Assessment
			raw []byte
		)
		if err := row.Scan(
			&a.ID, &a.SessionID, &a.UserID, &a.InteractionID,
			&a.Skill, &a.Mode, &a.Score, &raw, &a.CreatedAt,
		); err != nil {
			return Assessment{}, err
		}
		a.Content = json.RawMessage(raw)
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan assessments: %w", err)
	}
	if out == nil {
		out = []Assessment{}
	}
	return out, nil
}
