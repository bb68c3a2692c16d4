// Package store provides the PostgreSQL persistence layer for Cadenza:
// sessions, interactions, pipeline runs, the append-only pipeline event
// stream, provider call accounting, assessments, and the enricher source
// tables (profiles, summaries, skills).
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := store.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.CreateRun(ctx, run)
//	_ = st.InsertEvents(ctx, events)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    org_id      TEXT         NOT NULL DEFAULT '',
    service     TEXT         NOT NULL DEFAULT '',
    behavior    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);
`

// ddlInteractions returns the interactions DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlInteractions(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS interactions (
    id              TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    user_id         TEXT         NOT NULL,
    sequence_number BIGINT       NOT NULL,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    stt_call_id     TEXT,
    llm_call_id     TEXT,
    tts_call_id     TEXT,
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_interactions_session_seq
    ON interactions (session_id, sequence_number);

CREATE INDEX IF NOT EXISTS idx_interactions_user_created
    ON interactions (user_id, created_at);

CREATE INDEX IF NOT EXISTS idx_interactions_embedding
    ON interactions USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlPipelineRuns = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    pipeline_run_id TEXT         PRIMARY KEY,
    service         TEXT         NOT NULL DEFAULT '',
    topology        TEXT         NOT NULL DEFAULT '',
    behavior        TEXT         NOT NULL DEFAULT '',
    session_id      TEXT         NOT NULL DEFAULT '',
    user_id         TEXT         NOT NULL DEFAULT '',
    org_id          TEXT         NOT NULL DEFAULT '',
    request_id      TEXT         NOT NULL DEFAULT '',
    interaction_id  TEXT,
    success         BOOLEAN      NOT NULL DEFAULT false,
    error           TEXT         NOT NULL DEFAULT '',
    stages          JSONB        NOT NULL DEFAULT '{}',
    ttft_ms         BIGINT       NOT NULL DEFAULT 0,
    ttfa_ms         BIGINT       NOT NULL DEFAULT 0,
    ttfc_ms         BIGINT       NOT NULL DEFAULT 0,
    stt_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
    llm_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
    tts_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms      BIGINT       NOT NULL DEFAULT 0,
    started_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_session
    ON pipeline_runs (session_id, started_at);
`

const ddlPipelineEvents = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id              BIGSERIAL    PRIMARY KEY,
    pipeline_run_id TEXT         NOT NULL,
    type            TEXT         NOT NULL,
    data            JSONB        NOT NULL DEFAULT '{}',
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_events_run_ts
    ON pipeline_events (pipeline_run_id, timestamp);
`

const ddlProviderCalls = `
CREATE TABLE IF NOT EXISTS provider_calls (
    id                TEXT         PRIMARY KEY,
    service           TEXT         NOT NULL DEFAULT '',
    operation         TEXT         NOT NULL,
    provider          TEXT         NOT NULL,
    model             TEXT         NOT NULL DEFAULT '',
    prompt            JSONB        NOT NULL DEFAULT '{}',
    output            TEXT         NOT NULL DEFAULT '',
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    tokens_in         INTEGER      NOT NULL DEFAULT 0,
    tokens_out        INTEGER      NOT NULL DEFAULT 0,
    audio_duration_ms BIGINT       NOT NULL DEFAULT 0,
    cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
    success           BOOLEAN      NOT NULL DEFAULT false,
    error             TEXT         NOT NULL DEFAULT '',
    session_id        TEXT         NOT NULL DEFAULT '',
    user_id           TEXT         NOT NULL DEFAULT '',
    org_id            TEXT         NOT NULL DEFAULT '',
    request_id        TEXT         NOT NULL DEFAULT '',
    pipeline_run_id   TEXT         NOT NULL DEFAULT '',
    interaction_id    TEXT,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_run
    ON provider_calls (pipeline_run_id, operation);

CREATE INDEX IF NOT EXISTS idx_provider_calls_session
    ON provider_calls (session_id, created_at);
`

const ddlAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id             TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    user_id        TEXT         NOT NULL DEFAULT '',
    interaction_id TEXT,
    skill          TEXT         NOT NULL DEFAULT '',
    mode           TEXT         NOT NULL DEFAULT '',
    score          DOUBLE PRECISION NOT NULL DEFAULT 0,
    content        JSONB        NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assessments_session
    ON assessments (session_id, created_at);
`

const ddlEnrichers = `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id     TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL DEFAULT '',
    cutoff_at   TIMESTAMPTZ  NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS meta_summaries (
    user_id     TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS skills (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    name        TEXT         NOT NULL,
    UNIQUE (user_id, name)
);

CREATE INDEX IF NOT EXISTS idx_skills_user
    ON skills (user_id);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSessions,
		ddlInteractions(embeddingDimensions),
		ddlPipelineRuns,
		ddlPipelineEvents,
		ddlProviderCalls,
		ddlAssessments,
		ddlEnrichers,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
