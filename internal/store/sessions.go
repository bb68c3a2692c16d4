package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateSession inserts a session row. The caller supplies the ID.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	const q = `
		INSERT INTO sessions (id, user_id, org_id, service, behavior)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q, sess.ID, sess.UserID, sess.OrgID, sess.Service, sess.Behavior)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given ID, or (nil, nil) when no
// such session exists.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = `
		SELECT id, user_id, org_id, service, behavior, created_at, updated_at
		FROM   sessions
		WHERE  id = $1`

	var sess Session
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sess.ID, &sess.UserID, &sess.OrgID, &sess.Service, &sess.Behavior,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &sess, nil
}

// TouchSession bumps the session's updated_at to now. Called on every turn so
// idle-session queries stay accurate.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}
