package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/pkg/pricing"
	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// fillerPhrases are synthesized ahead of the reply in accurate_filler
// behavior, so the user hears something while assessment and generation run.
var fillerPhrases = []string{
	"Let me think about that.",
	"One moment.",
	"Hmm, good question.",
}

// TTSIncremental consumes the partial-text queue and synthesizes audio chunk
// by chunk, so the first sentence reaches the client while the LLM is still
// generating the rest of the reply.
type TTSIncremental struct {
	provider tts.Provider
	voice    types.VoiceProfile
	breakers *resilience.Registry
	calls    *events.ProviderCallLogger
	filler   bool
	deps     []string
}

// NewTTSIncremental builds the stage. filler enables the interim filler
// phrase for accurate_filler behavior.
func NewTTSIncremental(provider tts.Provider, voice types.VoiceProfile, breakers *resilience.Registry, calls *events.ProviderCallLogger, filler bool, deps ...string) *TTSIncremental {
	return &TTSIncremental{
		provider: provider,
		voice:    voice,
		breakers: breakers,
		calls:    calls,
		filler:   filler,
		deps:     deps,
	}
}

var _ pipeline.Stage = (*TTSIncremental)(nil)

func (s *TTSIncremental) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StageTTSIncremental,
		Kind:         pipeline.KindTransform,
		Description:  "synthesizes the reply incrementally from the partial-text queue",
		Dependencies: s.deps,
	}
}

func (s *TTSIncremental) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	q := sc.Ports.PartialText
	if q == nil {
		return pipeline.Skip("no_voice_output")
	}

	key := resilience.Key{Operation: types.OpTTS, Provider: s.provider.Name(), Model: s.voice.ID}
	if s.breakers.IsOpen(key) {
		sc.Ports.Emit("tts.breaker.denied", map[string]any{
			"key":    key.String(),
			"reason": "circuit_open",
		})
		sc.Ports.Status("tts", "degraded", nil)
		// Text keeps streaming; the turn degrades instead of failing. The
		// queue must still be drained or the producer would stall.
		drainQueue(ctx, q)
		out := pipeline.Fail(fmt.Errorf("stages: tts circuit open for %s", key))
		out.Degraded = true
		return out
	}

	st := &synthState{stage: s, sc: sc, key: key}

	if s.filler {
		phrase := fillerPhrases[int(time.Now().UnixNano())%len(fillerPhrases)]
		st.synthesize(ctx, phrase, true)
	}

	ch := newChunker()
	for {
		if sc.Canceled() {
			drainQueue(ctx, q)
			return pipeline.Cancel("")
		}
		text, ok := q.Get(ctx)
		if !ok {
			break
		}
		for _, chunk := range ch.feed(text) {
			if err := st.synthesize(ctx, chunk, false); err != nil {
				drainQueue(ctx, q)
				return pipeline.Fail(err)
			}
		}
	}
	if rest := ch.flush(); rest != "" {
		if err := st.synthesize(ctx, rest, false); err != nil {
			return pipeline.Fail(err)
		}
	}
	if sc.Canceled() {
		return pipeline.Cancel("")
	}

	sc.Ports.Audio(pipeline.AudioChunk{Format: st.format, IsFinal: true})
	sc.Ports.Emit("tts.completed", map[string]any{
		"provider":    s.provider.Name(),
		"chunk_count": st.chunks,
		"total_chars": st.chars,
	})
	return pipeline.OK(map[string]any{"chunk_count": st.chunks})
}

// synthState tracks per-run synthesis accounting.
type synthState struct {
	stage  *TTSIncremental
	sc     *pipeline.StageContext
	key    resilience.Key
	chunks int
	chars  int
	format string
}

// synthesize sanitizes and speaks one chunk. Filler errors are swallowed;
// reply-chunk errors propagate.
func (st *synthState) synthesize(ctx context.Context, text string, isFiller bool) error {
	s := st.stage
	clean := sanitizeForSpeech(text)
	if clean == "" {
		return nil
	}

	var scope *events.CallScope
	if s.calls != nil {
		scope = s.calls.Begin(types.OpTTS, s.provider.Name(), s.voice.ID, map[string]any{
			"text_length": len(clean),
			"is_filler":   isFiller,
		}, st.sc.Snapshot.Identity)
	}

	s.breakers.NoteAttempt(st.key)
	res, err := s.provider.Synthesize(ctx, clean, s.voice)
	if err != nil {
		s.breakers.RecordFailure(st.key, err.Error())
		if scope != nil {
			scope.End(ctx, events.CallResult{Err: err})
		}
		if isFiller {
			return nil
		}
		return fmt.Errorf("stages: synthesize: %w", err)
	}
	s.breakers.RecordSuccess(st.key)

	cost := pricing.TTSCost(s.provider.Name(), s.voice.ID, len(clean))
	st.sc.AddCost(pipeline.KeyTTSCost, cost)
	if scope != nil {
		scope.End(ctx, events.CallResult{
			Output:          clean,
			AudioDurationMs: res.Duration.Milliseconds(),
			Cost:            cost,
		})
	}
	if len(res.Audio) == 0 {
		return nil
	}

	if st.chunks == 0 && !isFiller {
		ttfc := st.sc.SinceStart().Milliseconds()
		st.sc.Put(pipeline.KeyTTFCMs, ttfc)
		st.sc.Ports.Emit("llm.first_chunk", map[string]any{
			"purpose": "tts",
			"ttfc_ms": ttfc,
		})
	}
	if _, set := st.sc.Value(pipeline.KeyTTFAMs); !set {
		st.sc.Put(pipeline.KeyTTFAMs, st.sc.SinceStart().Milliseconds())
	}

	st.format = res.Format
	st.sc.Ports.Audio(pipeline.AudioChunk{
		Data:       res.Audio,
		Format:     res.Format,
		DurationMs: res.Duration.Milliseconds(),
		IsFiller:   isFiller,
	})
	if !isFiller {
		st.chunks++
		st.chars += len(clean)
	}
	return nil
}

// drainQueue empties the partial-text queue so a blocked producer can make
// progress and observe cancellation.
func drainQueue(ctx context.Context, q *pipeline.PartialTextQueue) {
	for {
		if _, ok := q.Get(ctx); !ok {
			return
		}
	}
}
