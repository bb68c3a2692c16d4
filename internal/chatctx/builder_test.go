package chatctx_test

import (
	"strings"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/chatctx"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 10, min, 0, 0, time.UTC)
}

func TestBuild_MostStaticFirstOrdering(t *testing.T) {
	t.Parallel()

	b := chatctx.NewBuilder(config.PromptV1)
	cc := b.Build(chatctx.BuildRequest{
		Behavior:    types.BehaviorFast,
		UserMessage: "How did I do today?",
		Enrichers: &chatctx.PrefetchedEnrichers{
			Profile:     "Engineering manager.",
			MetaSummary: "Working on delegation for three weeks.",
			Summary:     &store.SessionSummary{Content: "Practiced a hard 1:1.", CutoffAt: at(0)},
			Skills:      []store.Skill{{Name: "delegation"}},
			Recent: []store.Interaction{
				{ID: "it-1", Role: types.RoleUser, Content: "Let's practice.", CreatedAt: at(1)},
				{ID: "it-2", Role: types.RoleAssistant, Content: "Sure, set the scene.", CreatedAt: at(2)},
			},
		},
	})

	// Static system sections precede all history; history precedes the live
	// user message.
	wantOrder := []string{
		"communication coach",                     // system prompt
		"delegation",                              // skills section
		"About the user",                          // profile
		"Summary of previous sessions",            // meta-summary
		"Summary of this session",                 // rolling summary
		"Let's practice.",                         // history
		"Sure, set the scene.",                    // history
		"How did I do today?",                     // live user message
	}
	pos := 0
	for _, want := range wantOrder {
		found := -1
		for i := pos; i < len(cc.Messages); i++ {
			if strings.Contains(cc.Messages[i].Content, want) {
				found = i
				break
			}
		}
		if found < 0 {
			t.Fatalf("section %q missing or out of order (messages: %v)", want, cc.Messages)
		}
		pos = found + 1
	}

	if cc.Messages[len(cc.Messages)-1].Role != types.RoleUser {
		t.Errorf("last message role = %q, want user", cc.Messages[len(cc.Messages)-1].Role)
	}
	if !cc.SummaryCutoff.Equal(at(0)) {
		t.Errorf("SummaryCutoff = %v, want %v", cc.SummaryCutoff, at(0))
	}
}

func TestBuild_EmptySectionsOmitted(t *testing.T) {
	t.Parallel()

	b := chatctx.NewBuilder(config.PromptV1)
	cc := b.Build(chatctx.BuildRequest{
		Behavior:    types.BehaviorFast,
		UserMessage: "hello",
	})

	// System prompt plus the user message, nothing else.
	if len(cc.Messages) != 2 {
		t.Fatalf("messages = %d, want 2: %v", len(cc.Messages), cc.Messages)
	}
	if cc.Messages[0].Role != types.RoleSystem || cc.Messages[1].Role != types.RoleUser {
		t.Errorf("roles = %q, %q", cc.Messages[0].Role, cc.Messages[1].Role)
	}
	if !cc.SummaryCutoff.IsZero() {
		t.Errorf("SummaryCutoff = %v, want zero", cc.SummaryCutoff)
	}
}

func TestBuild_OnboardingPromptAndPlatformHints(t *testing.T) {
	t.Parallel()

	b := chatctx.NewBuilder(config.PromptV2)
	cc := b.Build(chatctx.BuildRequest{
		Behavior:    types.BehaviorOnboarding,
		Platform:    "web",
		UserMessage: "hi",
	})

	if !strings.Contains(cc.Messages[0].Content, "first coaching session") {
		t.Errorf("onboarding prompt not selected: %q", cc.Messages[0].Content)
	}
	var hasHints bool
	for _, m := range cc.Messages {
		if strings.Contains(m.Content, "web app") {
			hasHints = true
		}
	}
	if !hasHints {
		t.Error("platform hints missing for onboarding session")
	}

	// Non-onboarding sessions never get platform hints.
	cc = b.Build(chatctx.BuildRequest{
		Behavior:    types.BehaviorFast,
		Platform:    "web",
		UserMessage: "hi",
	})
	for _, m := range cc.Messages {
		if strings.Contains(m.Content, "web app") {
			t.Error("platform hints injected outside onboarding")
		}
	}
}

func TestBuild_PromptVersionSelection(t *testing.T) {
	t.Parallel()

	v1 := chatctx.NewBuilder(config.PromptV1).Build(chatctx.BuildRequest{UserMessage: "x"})
	v2 := chatctx.NewBuilder(config.PromptV2).Build(chatctx.BuildRequest{UserMessage: "x"})
	if v1.Messages[0].Content == v2.Messages[0].Content {
		t.Error("v1 and v2 prompts are identical")
	}
}

func TestBuild_HistoryDeduplicatedAndChronological(t *testing.T) {
	t.Parallel()

	// it-2 appears in both the post-cutoff history and the recent window;
	// it must appear once, in timestamp order.
	history := []store.Interaction{
		{ID: "it-2", Role: types.RoleAssistant, Content: "second", CreatedAt: at(2)},
		{ID: "it-3", Role: types.RoleUser, Content: "third", CreatedAt: at(3)},
	}
	recent := []store.Interaction{
		{ID: "it-1", Role: types.RoleUser, Content: "first", CreatedAt: at(1)},
		{ID: "it-2", Role: types.RoleAssistant, Content: "second", CreatedAt: at(2)},
	}

	b := chatctx.NewBuilder(config.PromptV1)
	cc := b.Build(chatctx.BuildRequest{
		UserMessage: "now",
		Enrichers:   &chatctx.PrefetchedEnrichers{History: history, Recent: recent},
	})

	var contents []string
	for _, m := range cc.Messages {
		if m.Role != types.RoleSystem {
			contents = append(contents, m.Content)
		}
	}
	want := []string{"first", "second", "third", "now"}
	if len(contents) != len(want) {
		t.Fatalf("history = %v, want %v", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, contents[i], want[i])
		}
	}
}

func TestBuild_InlineAssessmentsFollowUserTurn(t *testing.T) {
	t.Parallel()

	interactionID := "it-1"
	b := chatctx.NewBuilder(config.PromptV1)
	cc := b.Build(chatctx.BuildRequest{
		UserMessage: "next question",
		Enrichers: &chatctx.PrefetchedEnrichers{
			Recent: []store.Interaction{
				{ID: "it-1", Role: types.RoleUser, Content: "I told my report what to do.", CreatedAt: at(1)},
				{ID: "it-2", Role: types.RoleAssistant, Content: "How did they respond?", CreatedAt: at(2)},
			},
			Assessments: []store.Assessment{
				{ID: "as-1", InteractionID: &interactionID, Skill: "delegation", Score: 2.5, Content: []byte(`{"note":"directive, not delegating"}`)},
			},
		},
	})

	// Locate the user turn; the assessment must be the immediately following
	// system message, before the assistant reply.
	idx := -1
	for i, m := range cc.Messages {
		if m.Content == "I told my report what to do." {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(cc.Messages) {
		t.Fatalf("user turn not found in %v", cc.Messages)
	}
	next := cc.Messages[idx+1]
	if next.Role != types.RoleSystem || !strings.Contains(next.Content, "delegation") {
		t.Errorf("message after user turn = %+v, want inline assessment", next)
	}
	if !strings.Contains(next.Content, "directive, not delegating") {
		t.Errorf("assessment content missing: %q", next.Content)
	}
}

func TestBuild_PersistedUserTurnNotDuplicated(t *testing.T) {
	t.Parallel()

	b := chatctx.NewBuilder(config.PromptV1)
	cc := b.Build(chatctx.BuildRequest{
		UserMessage: "already persisted",
		Enrichers: &chatctx.PrefetchedEnrichers{
			Recent: []store.Interaction{
				{ID: "it-1", Role: types.RoleUser, Content: "already persisted", CreatedAt: at(1)},
			},
		},
	})

	count := 0
	for _, m := range cc.Messages {
		if m.Content == "already persisted" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("user message appears %d times, want 1", count)
	}
}

func TestBuild_RecallSection(t *testing.T) {
	t.Parallel()

	b := chatctx.NewBuilder(config.PromptV1)
	cc := b.Build(chatctx.BuildRequest{
		UserMessage: "let's continue",
		Enrichers: &chatctx.PrefetchedEnrichers{
			Recall: []store.Interaction{
				{ID: "old-1", Role: types.RoleUser, Content: "my skip-level went badly"},
			},
		},
	})

	var found bool
	for _, m := range cc.Messages {
		if m.Role == types.RoleSystem && strings.Contains(m.Content, "skip-level went badly") {
			found = true
		}
	}
	if !found {
		t.Error("recall section missing")
	}
}
