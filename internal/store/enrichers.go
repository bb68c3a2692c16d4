package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetUserProfile returns the profile text for a user, or (nil, nil) when none
// exists yet.
func (s *Store) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	const q = `SELECT user_id, content, updated_at FROM user_profiles WHERE user_id = $1`

	var p UserProfile
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.UserID, &p.Content, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user profile: %w", err)
	}
	return &p, nil
}

// UpsertUserProfile creates or replaces the profile text for a user.
func (s *Store) UpsertUserProfile(ctx context.Context, userID, content string) error {
	const q = `
		INSERT INTO user_profiles (user_id, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, content); err != nil {
		return fmt.Errorf("store: upsert user profile: %w", err)
	}
	return nil
}

// GetSessionSummary returns the rolling summary for a session, or (nil, nil)
// when none exists yet.
func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	const q = `SELECT session_id, content, cutoff_at, updated_at FROM session_summaries WHERE session_id = $1`

	var sum SessionSummary
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&sum.SessionID, &sum.Content, &sum.CutoffAt, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session summary: %w", err)
	}
	return &sum, nil
}

// UpsertSessionSummary creates or replaces the rolling summary for a session.
// cutoff marks the timestamp of the last message the summary covers.
func (s *Store) UpsertSessionSummary(ctx context.Context, sessionID, content string, cutoff time.Time) error {
	const q = `
		INSERT INTO session_summaries (session_id, content, cutoff_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id)
		DO UPDATE SET content = EXCLUDED.content, cutoff_at = EXCLUDED.cutoff_at, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, sessionID, content, cutoff); err != nil {
		return fmt.Errorf("store: upsert session summary: %w", err)
	}
	return nil
}

// GetMetaSummary returns the cross-session summary for a user, or (nil, nil)
// when none exists yet.
func (s *Store) GetMetaSummary(ctx context.Context, userID string) (*MetaSummary, error) {
	const q = `SELECT user_id, content, updated_at FROM meta_summaries WHERE user_id = $1`

	var m MetaSummary
	err := s.pool.QueryRow(ctx, q, userID).Scan(&m.UserID, &m.Content, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get meta summary: %w", err)
	}
	return &m, nil
}

// UpsertMetaSummary creates or replaces the cross-session summary for a user.
func (s *Store) UpsertMetaSummary(ctx context.Context, userID, content string) error {
	const q = `
		INSERT INTO meta_summaries (user_id, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, content); err != nil {
		return fmt.Errorf("store: upsert meta summary: %w", err)
	}
	return nil
}

// ListSkills returns all tracked skill names for a user, ordered by name.
func (s *Store) ListSkills(ctx context.Context, userID string) ([]Skill, error) {
	const q = `SELECT id, user_id, name FROM skills WHERE user_id = $1 ORDER BY name`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list skills: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Skill, error) {
		var sk Skill
		err := row.Scan(&sk.ID, &sk.UserID, &sk.Name)
		return sk, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan skills: %w", err)
	}
	if out == nil {
		out = []Skill{}
	}
	return out, nil
}

// UpsertSkill adds a skill name for a user if not already tracked.
func (s *Store) UpsertSkill(ctx context.Context, sk Skill) error {
	const q = `
		INSERT INTO skills (id, user_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, name) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, sk.ID, sk.UserID, sk.Name); err != nil {
		return fmt.Errorf("store: upsert skill: %w", err)
	}
	return nil
}
