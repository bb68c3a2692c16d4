package socket

import (
	"encoding/json"
	"fmt"
)

// Inbound frame types.
const (
	TypeAuth        = "auth"
	TypeSetMode     = "settings.setPipelineMode"
	TypeChatMessage = "chat.message"
	TypeChatTyped   = "chat.typed"
	TypeVoiceStart  = "voice.start"
	TypeVoiceChunk  = "voice.chunk"
	TypeVoiceEnd    = "voice.end"
	TypeVoiceCancel = "voice.cancel"
)

// Outbound frame types.
const (
	TypeAuthSuccess       = "auth.success"
	TypeModeSet           = "settings.pipelineModeSet"
	TypeSessionCreated    = "session.created"
	TypeChatToken         = "chat.token"
	TypeChatComplete      = "chat.complete"
	TypeVoiceTranscript   = "voice.transcript"
	TypeVoiceAudioChunk   = "voice.audio.chunk"
	TypeVoiceComplete     = "voice.complete"
	TypeStatusUpdate      = "status.update"
	TypeError             = "error"
	TypeAssessComplete    = "assessment.complete"
	TypeAssessSkipped     = "assessment.skipped"
	TypeMetaSummaryUpdate = "meta_summary.updated"
)

// Error codes surfaced in error frames.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeBadPayload       = "BAD_PAYLOAD"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeChatError        = "CHAT_ERROR"
	CodeVoiceError       = "VOICE_ERROR"
)

// Frame is the typed JSON envelope exchanged with clients in both directions.
type Frame struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Metadata identifies the turn a frame belongs to. Every outbound frame
// produced during a pipeline run carries it.
type Metadata struct {
	RequestID     string `json:"request_id,omitempty"`
	PipelineRunID string `json:"pipeline_run_id,omitempty"`
	OrgID         string `json:"org_id,omitempty"`
}

// DecodeFrame parses one raw websocket message into a Frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("socket: decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("socket: frame missing type")
	}
	return &f, nil
}

// EncodeFrame builds the wire bytes for an outbound frame. payload is
// marshalled as the frame's payload object; nil payloads are omitted.
func EncodeFrame(frameType string, payload any, md *Metadata) ([]byte, error) {
	f := Frame{Type: frameType, Metadata: md}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("socket: encode %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("socket: encode %s frame: %w", frameType, err)
	}
	return raw, nil
}

// AuthPayload is the auth frame body.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload acknowledges authentication.
type AuthSuccessPayload struct {
	UserID string `json:"userId"`
	OrgID  string `json:"orgId,omitempty"`
}

// SetModePayload selects the pipeline behavior for subsequent turns.
type SetModePayload struct {
	Mode string `json:"mode"`
}

// ModeSetPayload reports the behavior actually in effect.
type ModeSetPayload struct {
	EffectiveMode string `json:"effectiveMode"`
}

// ChatPayload is the chat.message / chat.typed body.
type ChatPayload struct {
	SessionID string   `json:"sessionId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	RequestID string   `json:"requestId"`
	Content   string   `json:"content"`
	SkillIDs  []string `json:"skillIds,omitempty"`
}

// VoiceStartPayload opens a recording.
type VoiceStartPayload struct {
	SessionID string   `json:"sessionId,omitempty"`
	Format    string   `json:"format"`
	RequestID string   `json:"requestId"`
	SkillIDs  []string `json:"skillIds,omitempty"`
}

// VoiceChunkPayload appends one base64 audio chunk to the open recording.
type VoiceChunkPayload struct {
	Data string `json:"data"`
}

// VoiceEndPayload closes the recording and starts the voice pipeline.
type VoiceEndPayload struct {
	MessageID string `json:"messageId,omitempty"`
	RequestID string `json:"requestId"`
}

// SessionCreatedPayload announces a server-assigned session.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

// ChatTokenPayload streams one LLM token.
type ChatTokenPayload struct {
	SessionID  string `json:"sessionId"`
	Token      string `json:"token"`
	IsComplete bool   `json:"isComplete"`
}

// ChatCompletePayload delivers the full assistant reply once per request.
type ChatCompletePayload struct {
	SessionID     string `json:"sessionId"`
	MessageID     string `json:"messageId,omitempty"`
	Content       string `json:"content"`
	Role          string `json:"role"`
	RequestID     string `json:"requestId"`
	PipelineRunID string `json:"pipelineRunId"`
}

// VoiceTranscriptPayload reports the recognised user utterance.
type VoiceTranscriptPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// VoiceAudioChunkPayload streams one synthesized audio chunk.
type VoiceAudioChunkPayload struct {
	Data          string `json:"data,omitempty"`
	Format        string `json:"format,omitempty"`
	DurationMs    int64  `json:"durationMs,omitempty"`
	IsFinal       bool   `json:"isFinal"`
	IsFiller      bool   `json:"isFiller,omitempty"`
	InteractionID string `json:"interactionId,omitempty"`
}

// TriagePayload is the assessment block on voice.complete.
type TriagePayload struct {
	Completed    bool    `json:"completed"`
	Skipped      bool    `json:"skipped"`
	Reason       string  `json:"reason,omitempty"`
	AssessmentID string  `json:"assessmentId,omitempty"`
	Mode         string  `json:"mode,omitempty"`
	Skill        string  `json:"skill,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// VoiceCompletePayload is the terminal frame for a voice turn.
type VoiceCompletePayload struct {
	InteractionID   string         `json:"interactionId,omitempty"`
	Success         bool           `json:"success"`
	Cancelled       bool           `json:"cancelled,omitempty"`
	CancelledReason string         `json:"cancelledReason,omitempty"`
	Triage          *TriagePayload `json:"triage,omitempty"`
	LatencyMs       int64          `json:"latencyMs"`
	STTCost         float64        `json:"sttCost"`
	LLMCost         float64        `json:"llmCost"`
	TTSCost         float64        `json:"ttsCost"`
}

// StatusUpdatePayload reports a service state change (mic, stt, tts).
type StatusUpdatePayload struct {
	Service  string         `json:"service"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorPayload is the error frame body.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RequestID     string `json:"requestId,omitempty"`
	PipelineRunID string `json:"pipelineRunId,omitempty"`
	Degraded      bool   `json:"degraded,omitempty"`
}
