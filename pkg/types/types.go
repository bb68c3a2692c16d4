// Package types defines the shared types used across all Cadenza packages.
//
// These types form the lingua franca between provider adapters, the pipeline
// kernel, the context builder, and the storage layer. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// CreatedAt is when the message was originally recorded. Zero for
	// synthetic messages (system prompts, injected assessments).
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Roles recognised in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64
}

// Behavior is a run-time modifier within a pipeline topology.
type Behavior string

const (
	// BehaviorFast runs assessment in the background, off the critical path.
	BehaviorFast Behavior = "fast"

	// BehaviorAccurate runs assessment in the foreground, gating the LLM.
	BehaviorAccurate Behavior = "accurate"

	// BehaviorAccurateFiller is accurate plus interim synthesized filler audio.
	BehaviorAccurateFiller Behavior = "accurate_filler"

	// BehaviorPractice marks skill-practice sessions.
	BehaviorPractice Behavior = "practice"

	// BehaviorOnboarding marks first-run onboarding sessions.
	BehaviorOnboarding Behavior = "onboarding"
)

// IsValid reports whether b is a recognised behavior.
func (b Behavior) IsValid() bool {
	switch b {
	case BehaviorFast, BehaviorAccurate, BehaviorAccurateFiller, BehaviorPractice, BehaviorOnboarding:
		return true
	}
	return false
}

// Operation identifies a provider operation class for breaker keys, provider
// call rows, and cost accounting.
type Operation string

const (
	OpSTT Operation = "stt"
	OpLLM Operation = "llm"
	OpTTS Operation = "tts"
)

// Identity carries the identifiers every log site and durable row must
// include so a single query can reconstruct any turn.
type Identity struct {
	Service       string
	SessionID     string
	UserID        string
	OrgID         string
	RequestID     string
	PipelineRunID string
	InteractionID string
}
