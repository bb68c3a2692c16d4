package socket

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/assess"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

func newID() string { return uuid.NewString() }

// topologyFor maps a transport surface and behavior to a topology name.
func topologyFor(voice, typed bool, behavior types.Behavior) string {
	if voice {
		switch behavior {
		case types.BehaviorAccurate:
			return stages.TopologyVoiceAccurate
		case types.BehaviorAccurateFiller:
			return stages.TopologyVoiceAccurateFiller
		default:
			return stages.TopologyVoiceFast
		}
	}
	if typed {
		return stages.TopologyChatTyped
	}
	if behavior == types.BehaviorAccurate || behavior == types.BehaviorAccurateFiller {
		return stages.TopologyChatAccurate
	}
	return stages.TopologyChatFast
}

// teeEmitter writes every event to the durable sink and forwards selected
// event types to the client as frames.
type teeEmitter struct {
	db      pipeline.EventEmitter
	forward func(eventType string, data map[string]any)
}

func (t *teeEmitter) Emit(eventType string, data map[string]any) {
	t.db.Emit(eventType, data)
	if t.forward != nil {
		t.forward(eventType, data)
	}
}

// forwardedFrames maps pipeline event types to outbound frame types.
var forwardedFrames = map[string]string{
	"assessment.completed": TypeAssessComplete,
	"assessment.skipped":   TypeAssessSkipped,
	"meta_summary.updated": TypeMetaSummaryUpdate,
}

// loadSkills resolves the user's tracked skills, filtered to the requested
// IDs when the client named any.
func (c *conn) loadSkills(ctx context.Context, skillIDs []string) []store.Skill {
	skills, err := c.server.sessions.ListSkills(ctx, c.userID)
	if err != nil {
		slog.Warn("skill lookup failed", "user_id", c.userID, "error", err)
		return nil
	}
	if len(skillIDs) == 0 {
		return skills
	}
	wanted := make(map[string]bool, len(skillIDs))
	for _, id := range skillIDs {
		wanted[id] = true
	}
	var out []store.Skill
	for _, sk := range skills {
		if wanted[sk.ID] {
			out = append(out, sk)
		}
	}
	return out
}

func (c *conn) identity(sessionID, requestID string) types.Identity {
	return types.Identity{
		Service:       "cadenza",
		SessionID:     sessionID,
		UserID:        c.userID,
		OrgID:         c.orgID,
		RequestID:     requestID,
		PipelineRunID: newID(),
	}
}

func (c *conn) runChatTurn(ctx context.Context, p ChatPayload, typed bool) {
	topology := topologyFor(false, typed, c.behavior)
	id := c.identity(p.SessionID, p.RequestID)
	md := &Metadata{RequestID: p.RequestID, PipelineRunID: id.PipelineRunID, OrgID: c.orgID}

	skills := c.loadSkills(ctx, p.SkillIDs)
	turn, err := c.server.factory.Build(stages.TurnRequest{
		Topology: topology,
		Behavior: c.behavior,
		Text:     p.Content,
		Platform: "web",
		Skills:   skills,
	})
	if err != nil {
		slog.Error("chat turn build failed", "topology", topology, "error", err)
		c.sendError(ctx, CodeChatError, "pipeline unavailable", p.RequestID, id.PipelineRunID)
		return
	}

	pctx := pipeline.NewPipelineContext(id, topology, c.behavior, p.SkillIDs)
	c.server.registry.SetPipeline(c.userID, pctx)
	defer c.server.registry.ClearPipeline(c.userID)

	ports := &pipeline.Ports{
		SendToken: func(token string, isComplete bool) {
			c.send(ctx, TypeChatToken, ChatTokenPayload{
				SessionID:  p.SessionID,
				Token:      token,
				IsComplete: isComplete,
			}, md)
		},
		SendStatus: func(service, status string, meta map[string]any) {
			c.send(ctx, TypeStatusUpdate, StatusUpdatePayload{Service: service, Status: status, Metadata: meta}, md)
		},
		Events: &teeEmitter{
			db:      c.server.orch.EmitterFor(pctx),
			forward: c.frameForwarder(ctx, md),
		},
	}

	res := c.server.orch.Run(ctx, turn.Graph, pctx, ports)

	if res.Err != nil {
		c.send(ctx, TypeError, ErrorPayload{
			Code:          CodeChatError,
			Message:       "the assistant could not respond",
			RequestID:     p.RequestID,
			PipelineRunID: id.PipelineRunID,
			Degraded:      res.Degraded,
		}, md)
		return
	}
	if res.Cancelled {
		return
	}

	reply, _ := res.Outputs[stages.StageLLMStream].Data["reply"].(string)
	dedupe := p.MessageID
	if dedupe == "" {
		dedupe = p.RequestID
	}
	if c.markCompleted(dedupe) {
		return
	}
	c.send(ctx, TypeChatComplete, ChatCompletePayload{
		SessionID:     p.SessionID,
		MessageID:     p.MessageID,
		Content:       reply,
		Role:          types.RoleAssistant,
		RequestID:     p.RequestID,
		PipelineRunID: id.PipelineRunID,
	}, md)
}

func (c *conn) runVoiceTurn(ctx context.Context, rec *RecordingState, requestID, messageID string) {
	topology := topologyFor(true, false, c.behavior)
	id := c.identity(rec.SessionID, requestID)
	md := &Metadata{RequestID: requestID, PipelineRunID: id.PipelineRunID, OrgID: c.orgID}

	skills := c.loadSkills(ctx, rec.SkillIDs)
	turn, err := c.server.factory.Build(stages.TurnRequest{
		Topology:   topology,
		Behavior:   c.behavior,
		Audio:      rec.PCM(),
		SampleRate: pipelineSampleRate,
		Channels:   1,
		Language:   "en",
		Platform:   "web",
		Skills:     skills,
	})
	if err != nil {
		slog.Error("voice turn build failed", "topology", topology, "error", err)
		c.sendError(ctx, CodeVoiceError, "pipeline unavailable", requestID, id.PipelineRunID)
		return
	}

	pctx := pipeline.NewPipelineContext(id, topology, c.behavior, rec.SkillIDs)
	c.server.registry.SetPipeline(c.userID, pctx)
	defer c.server.registry.ClearPipeline(c.userID)

	ports := &pipeline.Ports{
		SendToken: func(token string, isComplete bool) {
			c.send(ctx, TypeChatToken, ChatTokenPayload{
				SessionID:  rec.SessionID,
				Token:      token,
				IsComplete: isComplete,
			}, md)
		},
		SendStatus: func(service, status string, meta map[string]any) {
			c.send(ctx, TypeStatusUpdate, StatusUpdatePayload{Service: service, Status: status, Metadata: meta}, md)
		},
		SendAudio: func(chunk pipeline.AudioChunk) {
			c.send(ctx, TypeVoiceAudioChunk, VoiceAudioChunkPayload{
				Data:       base64.StdEncoding.EncodeToString(chunk.Data),
				Format:     chunk.Format,
				DurationMs: chunk.DurationMs,
				IsFinal:    chunk.IsFinal,
				IsFiller:   chunk.IsFiller,
			}, md)
		},
		Events: &teeEmitter{
			db:      c.server.orch.EmitterFor(pctx),
			forward: c.frameForwarder(ctx, md),
		},
		PartialText: turn.Queue,
	}

	res := c.server.orch.Run(ctx, turn.Graph, pctx, ports)

	if transcript, ok := res.Outputs[stages.StageSTT].Data["text"].(string); ok && transcript != "" {
		c.send(ctx, TypeVoiceTranscript, VoiceTranscriptPayload{SessionID: rec.SessionID, Text: transcript}, md)
	}

	if res.Err != nil {
		c.send(ctx, TypeError, ErrorPayload{
			Code:          CodeVoiceError,
			Message:       "the voice turn failed",
			RequestID:     requestID,
			PipelineRunID: id.PipelineRunID,
			Degraded:      res.Degraded,
		}, md)
		return
	}

	c.send(ctx, TypeVoiceComplete, VoiceCompletePayload{
		InteractionID:   res.InteractionID,
		Success:         res.Success,
		Cancelled:       res.Cancelled,
		CancelledReason: humanCancelReason(res.CancelReason),
		Triage:          triageFrom(res.Outputs),
		LatencyMs:       res.LatencyMs,
		STTCost:         pctx.Float64(pipeline.KeySTTCost),
		LLMCost:         pctx.Float64(pipeline.KeyLLMCost),
		TTSCost:         pctx.Float64(pipeline.KeyTTSCost),
	}, md)
}

// frameForwarder returns the tee hook that relays selected pipeline events to
// the client.
func (c *conn) frameForwarder(ctx context.Context, md *Metadata) func(string, map[string]any) {
	return func(eventType string, data map[string]any) {
		frameType, ok := forwardedFrames[eventType]
		if !ok {
			return
		}
		c.send(ctx, frameType, data, md)
	}
}

// triageFrom extracts the assessment block for voice.complete, when the
// topology ran one.
func triageFrom(outputs map[string]pipeline.StageOutput) *TriagePayload {
	out, ok := outputs[stages.StageAssessment]
	if !ok {
		return nil
	}
	o, ok := out.Data["outcome"].(*assess.Outcome)
	if !ok {
		return nil
	}
	return &TriagePayload{
		Completed:    o.Completed,
		Skipped:      o.Skipped,
		Reason:       o.Reason,
		AssessmentID: o.AssessmentID,
		Mode:         string(o.Mode),
		Skill:        o.Skill,
		Score:        o.Score,
	}
}

// humanCancelReason maps internal cancel reasons to client-facing text.
func humanCancelReason(reason string) string {
	switch reason {
	case "":
		return ""
	case pipeline.ReasonNoSpeech:
		return "No speech detected"
	default:
		return reason
	}
}
