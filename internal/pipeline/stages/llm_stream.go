package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cadenza-ai/cadenza/internal/chatctx"
	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/policy"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/pkg/pricing"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// safeFallbackReply is sent when neither LLM provider can serve the turn.
const safeFallbackReply = "I'm having trouble responding right now. Please try again in a moment."

// LLMStream streams the assistant reply. Tokens are forwarded to the client
// as they arrive and, in voice topologies, written into the partial-text
// queue for incremental synthesis.
//
// Fallback honors the first-token boundary: once any token has reached the
// client, a provider failure is surfaced as an error rather than papered
// over with a second provider's differently worded reply.
type LLMStream struct {
	primary     llm.Provider
	backup      llm.Provider
	model       string
	backupModel string
	breakers    *resilience.Registry
	calls       *events.ProviderCallLogger
	gateway     *policy.Gateway
	guardrails  *policy.Guardrails
	temperature float64
	maxTokens   int
}

// LLMParams carries the construction inputs for the LLM stage.
type LLMParams struct {
	Primary     llm.Provider
	Backup      llm.Provider
	Model       string
	BackupModel string
	Breakers    *resilience.Registry
	Calls       *events.ProviderCallLogger
	Gateway     *policy.Gateway
	Guardrails  *policy.Guardrails
	Temperature float64
	MaxTokens   int
}

// NewLLMStream builds the stage. Backup may be nil to disable fallback;
// gateway and guardrails may be nil when policy is disabled.
func NewLLMStream(p LLMParams) *LLMStream {
	return &LLMStream{
		primary:     p.Primary,
		backup:      p.Backup,
		model:       p.Model,
		backupModel: p.BackupModel,
		breakers:    p.Breakers,
		calls:       p.Calls,
		gateway:     p.Gateway,
		guardrails:  p.Guardrails,
		temperature: p.Temperature,
		maxTokens:   p.MaxTokens,
	}
}

var _ pipeline.Stage = (*LLMStream)(nil)

func (s *LLMStream) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StageLLMStream,
		Kind:         pipeline.KindTransform,
		Description:  "streams the assistant reply with breaker-aware fallback",
		Dependencies: []string{StageContextBuild},
	}
}

func (s *LLMStream) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	// The queue's consumer terminates on close; every exit path must reach it.
	if q := sc.Ports.PartialText; q != nil {
		defer q.Close()
	}

	v, ok := sc.Input(StageContextBuild, keyContext)
	cc, _ := v.(*chatctx.ChatContext)
	if !ok || cc == nil || len(cc.Messages) == 0 {
		return pipeline.Skip(pipeline.ReasonMissingInput)
	}
	userText := sc.InputString(StageContextBuild, keyText)
	id := sc.Snapshot.Identity

	if s.gateway != nil {
		if res := s.gateway.CheckPreLLM(id, cc.Messages, sc.Ports.Events); !res.Allowed() {
			return s.deliverCanned(ctx, sc, policy.SafeReply, "policy_block", false)
		}
	}
	if s.guardrails != nil {
		if res := s.guardrails.CheckInput(userText, sc.Ports.Events); !res.Allowed() {
			return s.deliverCanned(ctx, sc, policy.SafeReply, "policy_block", false)
		}
	}

	start := time.Now()

	// An open primary breaker moves straight to the backup. The denial event
	// is reserved for the total-denial path below: once emitted, no successful
	// llm call record may follow for this run.
	primaryKey := resilience.Key{Operation: types.OpLLM, Provider: s.primary.Name(), Model: s.primary.ResolveModel(s.model)}
	primaryOpen := s.breakers.IsOpen(primaryKey)
	if !primaryOpen {
		r := s.streamFrom(ctx, sc, s.primary, s.model, cc.Messages)
		switch {
		case r.canceled:
			return pipeline.Cancel("")
		case r.err == nil:
			return s.finish(sc, s.primary, s.model, r, start)
		case r.delivered:
			sc.Ports.Emit("llm.fallback.blocked_post_first_token", map[string]any{
				"stream_token_count": r.tokens,
				"provider":           s.primary.Name(),
			})
			return pipeline.Fail(fmt.Errorf("stages: llm stream failed after %d tokens: %w", r.tokens, r.err))
		default:
			sc.Ports.Emit("llm.fallback.attempted", map[string]any{
				"from":  s.primary.Name(),
				"error": r.err.Error(),
			})
		}
	}

	deniedKey := ""
	if primaryOpen {
		deniedKey = primaryKey.String()
	}
	if s.backup != nil {
		backupKey := resilience.Key{Operation: types.OpLLM, Provider: s.backup.Name(), Model: s.backup.ResolveModel(s.backupModel)}
		if !s.breakers.IsOpen(backupKey) {
			r := s.streamFrom(ctx, sc, s.backup, s.backupModel, cc.Messages)
			switch {
			case r.canceled:
				return pipeline.Cancel("")
			case r.err == nil:
				sc.Ports.Emit("llm.fallback.succeeded", map[string]any{"provider": s.backup.Name()})
				return s.finish(sc, s.backup, s.backupModel, r, start)
			case r.delivered:
				sc.Ports.Emit("llm.fallback.blocked_post_first_token", map[string]any{
					"stream_token_count": r.tokens,
					"provider":           s.backup.Name(),
				})
				return pipeline.Fail(fmt.Errorf("stages: llm fallback stream failed after %d tokens: %w", r.tokens, r.err))
			}
		} else if deniedKey == "" {
			deniedKey = backupKey.String()
		}
	}

	// Total denial: no provider could serve the turn. When an open breaker
	// contributed, the single denial event lands here, right before the canned
	// reply, which writes no provider-call row.
	if deniedKey != "" {
		sc.Ports.Emit("llm.breaker.denied", map[string]any{
			"key":    deniedKey,
			"reason": "circuit_open",
		})
	}
	return s.deliverCanned(ctx, sc, safeFallbackReply, "safe_fallback", true)
}

// streamResult is one provider attempt's outcome.
type streamResult struct {
	reply     string
	tokens    int
	delivered bool
	canceled  bool
	err       error
}

func (s *LLMStream) streamFrom(ctx context.Context, sc *pipeline.StageContext, p llm.Provider, model string, messages []types.Message) streamResult {
	key := resilience.Key{Operation: types.OpLLM, Provider: p.Name(), Model: p.ResolveModel(model)}
	id := sc.Snapshot.Identity

	var scope *events.CallScope
	if s.calls != nil {
		scope = s.calls.Begin(types.OpLLM, p.Name(), p.ResolveModel(model), messages, id)
	}

	s.breakers.NoteAttempt(key)
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    messages,
		Model:       model,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
		CacheKey:    id.SessionID,
	})
	if err != nil {
		s.breakers.RecordFailure(key, err.Error())
		if scope != nil {
			scope.End(ctx, events.CallResult{Err: err})
		}
		return streamResult{err: fmt.Errorf("stages: llm stream start: %w", err)}
	}

	var b strings.Builder
	var res streamResult
	for chunk := range ch {
		if sc.Canceled() {
			res.canceled = true
			go func() {
				for range ch {
				}
			}()
			break
		}
		if chunk.FinishReason == llm.FinishError {
			res.err = fmt.Errorf("stages: llm stream: %s", chunk.Text)
			break
		}
		if chunk.Text == "" {
			continue
		}
		if !res.delivered {
			res.delivered = true
			ttft := sc.SinceStart().Milliseconds()
			sc.Put(pipeline.KeyTTFTMs, ttft)
			sc.Ports.Emit("llm.first_token", map[string]any{
				"ttft_ms":  ttft,
				"provider": p.Name(),
			})
		}
		sc.Ports.Token(chunk.Text, false)
		if q := sc.Ports.PartialText; q != nil {
			if perr := q.Put(ctx, chunk.Text, sc.Ports.Events); perr != nil {
				res.err = fmt.Errorf("stages: partial text handoff: %w", perr)
				break
			}
		}
		b.WriteString(chunk.Text)
		res.tokens++
	}
	res.reply = b.String()

	switch {
	case res.canceled:
		if scope != nil {
			scope.End(ctx, events.CallResult{Output: res.reply, Err: context.Canceled})
		}
	case res.err != nil:
		s.breakers.RecordFailure(key, res.err.Error())
		if scope != nil {
			scope.End(ctx, events.CallResult{Output: res.reply, Err: res.err})
		}
	default:
		s.breakers.RecordSuccess(key)
		tokensIn := s.promptTokens(p, messages)
		tokensOut := estimateTokens(res.reply)
		cost := pricing.LLMCost(p.Name(), p.ResolveModel(model), tokensIn, tokensOut)
		sc.AddCost(pipeline.KeyLLMCost, cost)
		if scope != nil {
			scope.End(ctx, events.CallResult{
				Output:    res.reply,
				TokensIn:  tokensIn,
				TokensOut: tokensOut,
				Cost:      cost,
			})
		}
	}
	return res
}

// finish applies the output guardrail and emits the completion event.
func (s *LLMStream) finish(sc *pipeline.StageContext, p llm.Provider, model string, r streamResult, start time.Time) pipeline.StageOutput {
	reply := r.reply
	if s.guardrails != nil {
		if res := s.guardrails.CheckOutput(reply, sc.Ports.Events); !res.Allowed() {
			reply = policy.SafeReply
			sc.Ports.Token(reply, false)
		}
	}
	sc.Ports.Token("", true)

	sc.Ports.Emit("llm.completed", map[string]any{
		"provider":    p.Name(),
		"model":       p.ResolveModel(model),
		"token_count": estimateTokens(reply),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return pipeline.OK(map[string]any{
		keyReply:    reply,
		keyProvider: p.Name(),
	})
}

// deliverCanned sends a canned reply through the normal output channels so
// downstream persistence and synthesis treat it like any other reply.
func (s *LLMStream) deliverCanned(ctx context.Context, sc *pipeline.StageContext, reply, provider string, emitCompleted bool) pipeline.StageOutput {
	sc.Ports.Token(reply, false)
	sc.Ports.Token("", true)
	if q := sc.Ports.PartialText; q != nil {
		_ = q.Put(ctx, reply, sc.Ports.Events)
	}
	if emitCompleted {
		sc.Ports.Emit("llm.completed", map[string]any{
			"provider":    provider,
			"model":       "",
			"token_count": estimateTokens(reply),
			"duration_ms": int64(0),
		})
	}
	return pipeline.OK(map[string]any{
		keyReply:    reply,
		keyProvider: provider,
	})
}

// promptTokens prefers the adapter's counter and falls back to the shared
// length heuristic.
func (s *LLMStream) promptTokens(p llm.Provider, messages []types.Message) int {
	if n, err := p.CountTokens(messages); err == nil && n > 0 {
		return n
	}
	return llm.EstimateTokens(messages)
}

// estimateTokens is the len/4 completion-side heuristic used when the stream
// reports no usage.
func estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
