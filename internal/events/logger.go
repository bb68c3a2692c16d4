package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// PipelineEventLogger emits events for one pipeline run through the shared
// sink. Each emitted event carries the run's identity so a single query can
// reconstruct the turn.
type PipelineEventLogger struct {
	sink *DbPipelineEventSink
	id   types.Identity
}

// NewPipelineEventLogger returns a logger scoped to one run's identity.
func NewPipelineEventLogger(sink *DbPipelineEventSink, id types.Identity) *PipelineEventLogger {
	return &PipelineEventLogger{sink: sink, id: id}
}

// Identity returns the identity this logger stamps on every event.
func (l *PipelineEventLogger) Identity() types.Identity { return l.id }

// Emit publishes an event of the given dotted type with the payload fields in
// data. The identity fields are merged into the payload. Never blocks.
func (l *PipelineEventLogger) Emit(eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["service"] = l.id.Service
	data["session_id"] = l.id.SessionID
	data["user_id"] = l.id.UserID
	if l.id.OrgID != "" {
		data["org_id"] = l.id.OrgID
	}
	data["request_id"] = l.id.RequestID

	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("pipeline event payload not serialisable",
			"type", eventType,
			"pipeline_run_id", l.id.PipelineRunID,
			"error", err,
		)
		payload = json.RawMessage(`{}`)
	}

	l.sink.TryEmit(store.PipelineEvent{
		PipelineRunID: l.id.PipelineRunID,
		Type:          eventType,
		Data:          payload,
		Timestamp:     time.Now(),
	})
}
