package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// summariseThreshold is how many messages may accumulate past the summary
// cutoff before the rolling summary is refreshed.
const summariseThreshold = 12

// metaRefreshTimeout bounds the detached cross-session refresh.
const metaRefreshTimeout = 45 * time.Second

// SummaryStore is the slice of the store the summariser needs.
type SummaryStore interface {
	GetSessionSummary(ctx context.Context, sessionID string) (*store.SessionSummary, error)
	ListInteractionsSince(ctx context.Context, sessionID string, cutoff time.Time) ([]store.Interaction, error)
	UpsertSessionSummary(ctx context.Context, sessionID, content string, cutoff time.Time) error
	GetMetaSummary(ctx context.Context, userID string) (*store.MetaSummary, error)
	UpsertMetaSummary(ctx context.Context, userID, content string) error
}

const sessionSummaryPrompt = `Summarise the following coaching conversation segment in at most ` +
	`120 words. Preserve concrete facts the coach should remember: goals, struggles, ` +
	`commitments, and notable progress. Write in third person.`

const metaSummaryPrompt = `Merge the existing cross-session summary with the new session ` +
	`summary into a single summary of at most 150 words. Keep long-term goals and ` +
	`recurring patterns; drop one-off details.`

// Summarise is the WORK stage that keeps the rolling session summary fresh
// after the assistant turn is persisted, and kicks off a detached
// cross-session refresh when the rolling summary changed.
type Summarise struct {
	store    SummaryStore
	provider llm.Provider
	model    string
}

// NewSummarise builds the stage. model is the cheap triage model.
func NewSummarise(st SummaryStore, provider llm.Provider, model string) *Summarise {
	return &Summarise{store: st, provider: provider, model: model}
}

var _ pipeline.Stage = (*Summarise)(nil)

func (s *Summarise) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StageSummarise,
		Kind:         pipeline.KindWork,
		Description:  "refreshes the rolling session summary when it falls behind",
		Dependencies: []string{StagePersistAssistant},
		Triggers:     []string{"interaction_persisted"},
		Optional:     true,
	}
}

func (s *Summarise) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	id := sc.Snapshot.Identity

	var cutoff time.Time
	var previous string
	if sum, err := s.store.GetSessionSummary(ctx, id.SessionID); err == nil && sum != nil {
		cutoff = sum.CutoffAt
		previous = sum.Content
	}

	pending, err := s.store.ListInteractionsSince(ctx, id.SessionID, cutoff)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("stages: load pending interactions: %w", err))
	}
	if len(pending) < summariseThreshold {
		return pipeline.Skip("below_threshold")
	}

	content, err := s.generate(ctx, previous, pending)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("stages: generate summary: %w", err))
	}

	newCutoff := pending[len(pending)-1].CreatedAt
	if err := s.store.UpsertSessionSummary(ctx, id.SessionID, content, newCutoff); err != nil {
		return pipeline.Fail(fmt.Errorf("stages: store summary: %w", err))
	}
	sc.Ports.Emit("summary.updated", map[string]any{
		"message_count": len(pending),
		"cutoff":        newCutoff.Format(time.RFC3339),
	})

	s.refreshMetaSummary(ctx, sc, id.UserID, content)
	return pipeline.OK(map[string]any{"message_count": len(pending)})
}

func (s *Summarise) generate(ctx context.Context, previous string, pending []store.Interaction) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\nNew messages:\n")
	}
	for _, it := range pending {
		b.WriteString(it.Role)
		b.WriteString(": ")
		b.WriteString(it.Content)
		b.WriteString("\n")
	}

	res, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sessionSummaryPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: b.String()}},
		Model:        s.model,
		Temperature:  0.2,
		MaxTokens:    400,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Content), nil
}

// refreshMetaSummary merges the fresh session summary into the user's
// cross-session summary. Detached from the run: a slow refresh must not hold
// the terminal event, and barge-in must not abort it. As a consequence the
// meta_summary.updated event is the one event that may land after the run's
// terminal pipeline event; it is user-scoped, not run-scoped, and consumers
// must not treat it as part of the run's event ordering.
func (s *Summarise) refreshMetaSummary(ctx context.Context, sc *pipeline.StageContext, userID, sessionSummary string) {
	em := sc.Ports.Events
	detached := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(detached, metaRefreshTimeout)
		defer cancel()

		var existing string
		if meta, err := s.store.GetMetaSummary(ctx, userID); err == nil && meta != nil {
			existing = meta.Content
		}

		prompt := "New session summary:\n" + sessionSummary
		if existing != "" {
			prompt = "Existing cross-session summary:\n" + existing + "\n\n" + prompt
		}
		res, err := s.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: metaSummaryPrompt,
			Messages:     []types.Message{{Role: types.RoleUser, Content: prompt}},
			Model:        s.model,
			Temperature:  0.2,
			MaxTokens:    400,
		})
		if err != nil {
			slog.Warn("meta summary refresh failed", "user_id", userID, "error", err)
			return
		}
		content := strings.TrimSpace(res.Content)
		if err := s.store.UpsertMetaSummary(ctx, userID, content); err != nil {
			slog.Warn("meta summary write failed", "user_id", userID, "error", err)
			return
		}
		if em != nil {
			em.Emit("meta_summary.updated", map[string]any{"length": len(content)})
		}
	}()
}
