package store

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Session is one coaching session. Interactions, pipeline runs, and
// assessments all hang off a session row.
type Session struct {
	ID        string
	UserID    string
	OrgID     string
	Service   string
	Behavior  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interaction is one user or assistant turn within a session. The sequence
// number is assigned at insert time and is strictly increasing per session.
//
// The three call ID columns reference provider_calls rows by modality and are
// null for turns that did not use that modality (typed input has no STT call).
type Interaction struct {
	ID             string
	SessionID      string
	UserID         string
	SequenceNumber int64
	Role           string
	Content        string

	STTCallID *string
	LLMCallID *string
	TTSCallID *string

	// Embedding is the semantic vector for the recall enricher. Null until the
	// background embedder has processed the row.
	Embedding *pgvector.Vector

	CreatedAt time.Time
}

// StageMetrics is the per-stage entry in PipelineRun.Stages.
type StageMetrics struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PipelineRun is one row per pipeline turn, keyed by PipelineRunID.
type PipelineRun struct {
	PipelineRunID string
	Service       string
	Topology      string
	Behavior      string
	SessionID     string
	UserID        string
	OrgID         string
	RequestID     string
	InteractionID *string

	Success bool
	Error   string

	// Stages maps stage name to its recorded metrics.
	Stages map[string]StageMetrics

	TTFTMs int64
	TTFAMs int64
	TTFCMs int64

	STTCost float64
	LLMCost float64
	TTSCost float64

	LatencyMs  int64
	StartedAt  time.Time
	FinishedAt *time.Time
}

// PipelineEvent is one append-only event in the pipeline_events stream.
type PipelineEvent struct {
	ID            int64
	PipelineRunID string
	Type          string
	Data          json.RawMessage
	Timestamp     time.Time
}

// ProviderCall is one row per provider invocation.
type ProviderCall struct {
	ID        string
	Service   string
	Operation string
	Provider  string
	Model     string

	// Prompt is the structured prompt (LLM message list, STT request summary).
	Prompt json.RawMessage

	Output          string
	LatencyMs       int64
	TokensIn        int
	TokensOut       int
	AudioDurationMs int64
	Cost            float64
	Success         bool
	Error           string

	SessionID     string
	UserID        string
	OrgID         string
	RequestID     string
	PipelineRunID string

	// InteractionID is null at call time when the interaction row has not been
	// committed yet; it is backfilled after persistence.
	InteractionID *string

	CreatedAt time.Time
}

// Assessment is one skill assessment produced by triage for a user turn.
type Assessment struct {
	ID            string
	SessionID     string
	UserID        string
	InteractionID *string
	Skill         string
	Mode          string
	Score         float64
	Content       json.RawMessage
	CreatedAt     time.Time
}

// SessionSummary is the rolling intra-session summary with the timestamp of
// the last message it covers.
type SessionSummary struct {
	SessionID string
	Content   string
	CutoffAt  time.Time
	UpdatedAt time.Time
}

// MetaSummary is the cross-session summary for a user.
type MetaSummary struct {
	UserID    string
	Content   string
	UpdatedAt time.Time
}

// UserProfile is the long-lived profile text injected into the system prompt.
type UserProfile struct {
	UserID    string
	Content   string
	UpdatedAt time.Time
}

// Skill is one tracked skill name for a user, used by triage and the
// transcript corrector.
type Skill struct {
	ID     string
	UserID string
	Name   string
}
