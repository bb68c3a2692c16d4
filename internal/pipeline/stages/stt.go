// Package stages holds the concrete pipeline stages and the topology factory
// that wires them into runnable graphs. Stages are built per turn: run inputs
// (audio, typed text, prefetched enrichers) are injected at construction, and
// everything a stage writes flows out through its StageOutput data, the run's
// data bag, or the output ports.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/internal/transcript"
	"github.com/cadenza-ai/cadenza/pkg/pricing"
	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// Stage names used in dependency declarations and run-row stage maps.
const (
	StageSTT              = "stt"
	StagePersistUser      = "persist_user"
	StageContextBuild     = "context_build"
	StageAssessment       = "assessment"
	StageLLMStream        = "llm_stream"
	StageTTSIncremental   = "tts_incremental"
	StagePersistAssistant = "persist_assistant"
	StageBackfillIDs      = "backfill_ids"
	StageSummarise        = "summarise"
)

// Output data keys shared between stages.
const (
	keyText          = "text"
	keyDurationMs    = "duration_ms"
	keyReply         = "reply"
	keyProvider      = "provider"
	keyInteractionID = "interaction_id"
	keyOutcome       = "outcome"
)

// STT transcribes the turn's buffered audio, gates hallucinated output, and
// repairs mis-heard skill names. An empty or filtered transcript cancels the
// run gracefully with reason no_speech_detected.
type STT struct {
	provider  stt.Provider
	gate      *transcript.Gate
	corrector *transcript.SkillCorrector
	breakers  *resilience.Registry
	calls     *events.ProviderCallLogger

	audio      []byte
	sampleRate int
	channels   int
	language   string
	model      string
	skills     []store.Skill
}

// STTParams carries the per-turn inputs for the STT stage.
type STTParams struct {
	Audio      []byte
	SampleRate int
	Channels   int
	Language   string
	Model      string
	Skills     []store.Skill
}

// NewSTT builds the STT stage for one turn.
func NewSTT(provider stt.Provider, gate *transcript.Gate, corrector *transcript.SkillCorrector, breakers *resilience.Registry, calls *events.ProviderCallLogger, p STTParams) *STT {
	return &STT{
		provider:   provider,
		gate:       gate,
		corrector:  corrector,
		breakers:   breakers,
		calls:      calls,
		audio:      p.Audio,
		sampleRate: p.SampleRate,
		channels:   p.Channels,
		language:   p.Language,
		model:      p.Model,
		skills:     p.Skills,
	}
}

var _ pipeline.Stage = (*STT)(nil)

func (s *STT) Info() pipeline.Info {
	return pipeline.Info{
		Name:        StageSTT,
		Kind:        pipeline.KindTransform,
		Description: "transcribes buffered audio and gates hallucinated output",
	}
}

func (s *STT) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	key := resilience.Key{Operation: types.OpSTT, Provider: s.provider.Name(), Model: s.model}
	if s.breakers.IsOpen(key) {
		sc.Ports.Emit("stt.breaker.denied", map[string]any{
			"key":    key.String(),
			"reason": "circuit_open",
		})
		sc.Ports.Status("stt", "degraded", nil)
		out := pipeline.Fail(fmt.Errorf("stages: stt circuit open for %s", key))
		out.Degraded = true
		return out
	}

	req := stt.Request{
		Audio:      s.audio,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Language:   s.language,
		Model:      s.model,
		Prompt:     skillPrompt(s.skills),
	}

	var scope *events.CallScope
	if s.calls != nil {
		scope = s.calls.Begin(types.OpSTT, s.provider.Name(), s.model, map[string]any{
			"audio_bytes": len(s.audio),
			"sample_rate": s.sampleRate,
			"language":    s.language,
		}, sc.Snapshot.Identity)
	}

	var res *stt.Result
	err := resilience.Retry(ctx, resilience.RetryConfig{}, func() error {
		if sc.Canceled() {
			return context.Canceled
		}
		s.breakers.NoteAttempt(key)
		var callErr error
		res, callErr = s.provider.Transcribe(ctx, req)
		if callErr != nil {
			s.breakers.RecordFailure(key, callErr.Error())
			return callErr
		}
		s.breakers.RecordSuccess(key)
		return nil
	})
	if sc.Canceled() {
		if scope != nil {
			scope.End(ctx, events.CallResult{Err: context.Canceled})
		}
		return pipeline.Cancel("")
	}
	if err != nil {
		if scope != nil {
			scope.End(ctx, events.CallResult{Err: err})
		}
		return pipeline.Fail(fmt.Errorf("stages: transcribe: %w", err))
	}

	duration := res.Duration
	if duration == 0 {
		duration = pcmDuration(len(s.audio), s.sampleRate, s.channels)
	}
	cost := pricing.STTCost(s.provider.Name(), s.model, duration)
	sc.AddCost(pipeline.KeySTTCost, cost)
	if scope != nil {
		scope.End(ctx, events.CallResult{
			Output:          res.Text,
			AudioDurationMs: duration.Milliseconds(),
			Cost:            cost,
			Err:             nil,
		})
	}

	if gr := s.gate.Evaluate(res); !gr.Keep {
		sc.Ports.Emit("stt.transcript_filtered", map[string]any{
			"reason":      string(gr.Reason),
			"text_length": len(res.Text),
		})
		return pipeline.Cancel(pipeline.ReasonNoSpeech)
	}

	text := res.Text
	if s.corrector != nil && len(s.skills) > 0 {
		corrected, corrections := s.corrector.Correct(text, skillNames(s.skills))
		for _, c := range corrections {
			sc.Ports.Emit("stt.transcript_corrected", map[string]any{
				"from":       c.From,
				"to":         c.To,
				"confidence": c.Confidence,
			})
		}
		text = corrected
	}

	sc.Ports.Emit("stt.completed", map[string]any{
		"provider":    s.provider.Name(),
		"text_length": len(text),
		"duration_ms": duration.Milliseconds(),
	})
	return pipeline.OK(map[string]any{
		keyText:       text,
		keyDurationMs: duration.Milliseconds(),
	})
}

// skillPrompt builds the vocabulary hint conditioning the STT model on the
// user's tracked skill names.
func skillPrompt(skills []store.Skill) string {
	if len(skills) == 0 {
		return ""
	}
	p := "Skill names that may come up: "
	for i, s := range skills {
		if i > 0 {
			p += ", "
		}
		p += s.Name
	}
	return p
}

func skillNames(skills []store.Skill) []string {
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Name
	}
	return names
}

// pcmDuration derives audio length from raw 16-bit PCM size.
func pcmDuration(byteLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := byteLen / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
