// Package assess runs skill triage and assessment on user turns.
//
// Triage and scoring happen in a single call to the cheap triage model: the
// model picks which tracked skill (if any) the turn exercised and scores it.
// In accurate behavior the assessment gates context assembly; in fast
// behavior it runs in the background and its rows are backfilled with the
// interaction ID once the user turn commits.
package assess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// Mode records where the assessment ran relative to the LLM stage.
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeBackground Mode = "background"
)

// Skip reasons reported in assessment.skipped events and triage blocks.
const (
	ReasonTypedInput      = "typed_input"
	ReasonNoTrackedSkills = "no_tracked_skills"
	ReasonMessageTooShort = "message_too_short"
	ReasonCircuitOpen     = "circuit_open"
	ReasonNotAssessable   = "not_assessable"
	ReasonDisabled        = "assessment_disabled"
)

// minAssessableRunes is the shortest user turn worth triaging.
const minAssessableRunes = 12

// Outcome is the triage block reported to the client and persisted alongside
// the run.
type Outcome struct {
	Completed    bool    `json:"completed"`
	Skipped      bool    `json:"skipped"`
	Reason       string  `json:"reason,omitempty"`
	AssessmentID string  `json:"assessmentId,omitempty"`
	Mode         Mode    `json:"mode,omitempty"`
	Skill        string  `json:"skill,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// AssessmentStore is the slice of the storage layer the assessor writes.
type AssessmentStore interface {
	InsertAssessment(ctx context.Context, a store.Assessment) error
}

// EventEmitter receives assessment and breaker events.
type EventEmitter interface {
	Emit(eventType string, data map[string]any)
}

// Assessor runs one triage+assessment call per user turn.
// Safe for concurrent use.
type Assessor struct {
	primary  llm.Provider
	backup   llm.Provider
	model    string
	breakers *resilience.Registry
	store    AssessmentStore
	calls    *events.ProviderCallLogger
}

// New creates an Assessor. backup may be nil to disable provider fallback;
// calls may be nil to skip provider_calls accounting (tests).
func New(primary, backup llm.Provider, model string, breakers *resilience.Registry, st AssessmentStore, calls *events.ProviderCallLogger) *Assessor {
	return &Assessor{
		primary:  primary,
		backup:   backup,
		model:    model,
		breakers: breakers,
		store:    st,
		calls:    calls,
	}
}

// triagePrompt instructs the model to triage and score in one round trip.
const triagePrompt = `You are a communication-skills triage system. Given the user's message ` +
	`and their tracked skills, decide whether the message demonstrably exercises ` +
	`one of the skills. Respond with only a JSON object: ` +
	`{"skill": "<name or null>", "score": <0-5>, "feedback": "<one sentence>"}. ` +
	`Use null when no tracked skill applies.`

// triageReply is the model's JSON response shape.
type triageReply struct {
	Skill    *string `json:"skill"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Assess triages and scores one user turn. Skips (no skills, short message,
// open breakers) return an Outcome with Skipped=true and a nil error; errors
// are reserved for failures after a provider was actually engaged.
//
// Every call emits exactly one assessment.completed or assessment.skipped
// event.
func (a *Assessor) Assess(ctx context.Context, id types.Identity, userText string, skills []store.Skill, mode Mode, em EventEmitter) (*Outcome, error) {
	outcome, err := a.assess(ctx, id, userText, skills, mode, em)
	if em != nil {
		if outcome.Completed {
			em.Emit("assessment.completed", map[string]any{
				"assessment_id": outcome.AssessmentID,
				"skill":         outcome.Skill,
				"score":         outcome.Score,
				"mode":          string(mode),
			})
		} else {
			reason := outcome.Reason
			if err != nil {
				reason = "error"
			}
			em.Emit("assessment.skipped", map[string]any{
				"reason": reason,
				"mode":   string(mode),
			})
		}
	}
	return outcome, err
}

func (a *Assessor) assess(ctx context.Context, id types.Identity, userText string, skills []store.Skill, mode Mode, em EventEmitter) (*Outcome, error) {
	skip := func(reason string) *Outcome {
		return &Outcome{Skipped: true, Reason: reason, Mode: mode}
	}

	if len(skills) == 0 {
		return skip(ReasonNoTrackedSkills), nil
	}
	if len([]rune(strings.TrimSpace(userText))) < minAssessableRunes {
		return skip(ReasonMessageTooShort), nil
	}

	provider := a.pickProvider(em)
	if provider == nil {
		return skip(ReasonCircuitOpen), nil
	}

	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Name
	}
	messages := []types.Message{
		{Role: types.RoleUser, Content: fmt.Sprintf("Tracked skills: %s\n\nUser message:\n%s", strings.Join(names, ", "), userText)},
	}
	req := llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: triagePrompt,
		Model:        a.model,
		Temperature:  0.1,
		MaxTokens:    300,
	}

	key := resilience.Key{Operation: types.OpLLM, Provider: provider.Name(), Model: provider.ResolveModel(a.model)}
	a.breakers.NoteAttempt(key)

	var scope *events.CallScope
	if a.calls != nil {
		scope = a.calls.Begin(types.OpLLM, provider.Name(), key.Model, messages, id)
	}
	resp, err := provider.Complete(ctx, req)
	if scope != nil {
		res := events.CallResult{Err: err}
		if resp != nil {
			res.Output = resp.Content
			res.TokensIn = resp.Usage.PromptTokens
			res.TokensOut = resp.Usage.CompletionTokens
		}
		scope.End(ctx, res)
	}
	if err != nil {
		a.breakers.RecordFailure(key, err.Error())
		return skip("error"), fmt.Errorf("assess: triage call: %w", err)
	}
	a.breakers.RecordSuccess(key)

	reply, err := parseTriageReply(resp.Content)
	if err != nil {
		return skip(ReasonNotAssessable), fmt.Errorf("assess: parse triage reply: %w", err)
	}
	if reply.Skill == nil || *reply.Skill == "" {
		return skip(ReasonNotAssessable), nil
	}

	content, _ := json.Marshal(map[string]any{"feedback": reply.Feedback})
	assessment := store.Assessment{
		ID:        uuid.NewString(),
		SessionID: id.SessionID,
		UserID:    id.UserID,
		Skill:     *reply.Skill,
		Mode:      string(mode),
		Score:     reply.Score,
		Content:   content,
	}
	if err := a.store.InsertAssessment(ctx, assessment); err != nil {
		return skip("error"), fmt.Errorf("assess: insert assessment: %w", err)
	}

	return &Outcome{
		Completed:    true,
		AssessmentID: assessment.ID,
		Mode:         mode,
		Skill:        assessment.Skill,
		Score:        assessment.Score,
	}, nil
}

// AssessBackground runs Assess in a detached goroutine with its own timeout,
// for fast-behavior turns where assessment must not gate the response. The
// assessment row is written without an interaction ID; the pipeline's
// backfill stage links it once the user turn commits.
func (a *Assessor) AssessBackground(ctx context.Context, id types.Identity, userText string, skills []store.Skill, em EventEmitter) {
	bg := context.WithoutCancel(ctx)
	go func() {
		bgCtx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		if _, err := a.Assess(bgCtx, id, userText, skills, ModeBackground, em); err != nil {
			slog.Warn("background assessment failed",
				"session_id", id.SessionID,
				"pipeline_run_id", id.PipelineRunID,
				"error", err,
			)
		}
	}()
}

// pickProvider returns the first provider whose breaker admits the triage
// model, primary first. An open primary is not a denial while the backup can
// still serve; llm.breaker.denied is emitted only when every breaker is open,
// so a denial event is never followed by a successful call record for the
// same run.
func (a *Assessor) pickProvider(em EventEmitter) llm.Provider {
	deniedKey := ""
	for _, p := range []llm.Provider{a.primary, a.backup} {
		if p == nil {
			continue
		}
		key := resilience.Key{Operation: types.OpLLM, Provider: p.Name(), Model: p.ResolveModel(a.model)}
		if !a.breakers.IsOpen(key) {
			return p
		}
		if deniedKey == "" {
			deniedKey = key.String()
		}
	}
	if deniedKey != "" && em != nil {
		em.Emit("llm.breaker.denied", map[string]any{
			"key":    deniedKey,
			"reason": "circuit_open",
		})
	}
	return nil
}

// parseTriageReply decodes the model's JSON, tolerating markdown fences.
func parseTriageReply(content string) (*triageReply, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply triageReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
