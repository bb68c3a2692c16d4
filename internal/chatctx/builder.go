// Package chatctx assembles the LLM input for every coaching turn.
//
// The builder orders messages most-static-first so provider-side prompt
// caching gets the longest possible stable prefix: system prompt, platform
// hints, skills, profile, cross-session summaries, then the rolling session
// summary and the live conversation history. Enricher data is loaded
// concurrently by [Prefetcher], typically overlapping with transcription.
package chatctx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// ChatContext is the assembled LLM input for one turn.
type ChatContext struct {
	// Messages is the ordered message list handed to the LLM provider.
	Messages []types.Message

	// SummaryCutoff is the rolling summary's cutoff timestamp. Zero when no
	// summary was injected.
	SummaryCutoff time.Time
}

// Builder assembles a [ChatContext] from prefetched enricher data.
// A Builder is read-only after construction and safe for concurrent use.
type Builder struct {
	promptVersion config.PromptVersion
}

// NewBuilder creates a Builder using the given system prompt version.
func NewBuilder(version config.PromptVersion) *Builder {
	return &Builder{promptVersion: version}
}

// BuildRequest carries the per-turn inputs for [Builder.Build].
type BuildRequest struct {
	// Behavior selects onboarding handling.
	Behavior types.Behavior

	// Platform is "web" or "native"; consulted for onboarding sessions only.
	Platform string

	// UserMessage is the current turn's user text (transcript or typed).
	UserMessage string

	// Enrichers is the prefetched bundle. Nil is treated as empty.
	Enrichers *PrefetchedEnrichers
}

// Build assembles the message list. It performs no I/O and is safe for
// concurrent use.
func (b *Builder) Build(req BuildRequest) *ChatContext {
	enr := req.Enrichers
	if enr == nil {
		enr = &PrefetchedEnrichers{}
	}
	onboarding := req.Behavior == types.BehaviorOnboarding

	cc := &ChatContext{}
	system := func(content string) {
		if content != "" {
			cc.Messages = append(cc.Messages, types.Message{Role: types.RoleSystem, Content: content})
		}
	}

	system(b.systemPrompt(onboarding))
	if onboarding {
		system(platformHints[req.Platform])
	}
	system(formatSkillsSection(enr.Skills))
	system(formatProfileSection(enr.Profile))
	system(formatMetaSummarySection(enr.MetaSummary))
	system(formatRecallSection(enr.Recall))
	if s := formatSummarySection(enr.Summary); s != "" {
		system(s)
		cc.SummaryCutoff = enr.Summary.CutoffAt
	}

	history := mergeHistory(enr.History, enr.Recent)
	byInteraction := assessmentsByInteraction(enr.Assessments)
	for _, it := range history {
		cc.Messages = append(cc.Messages, types.Message{
			Role:      it.Role,
			Content:   it.Content,
			CreatedAt: it.CreatedAt,
		})
		if it.Role == types.RoleUser {
			for _, a := range byInteraction[it.ID] {
				cc.Messages = append(cc.Messages, types.Message{
					Role:    types.RoleSystem,
					Content: formatInlineAssessment(a),
				})
			}
		}
	}

	if msg := strings.TrimSpace(req.UserMessage); msg != "" && !endsWithUserMessage(history, msg) {
		cc.Messages = append(cc.Messages, types.Message{Role: types.RoleUser, Content: msg})
	}

	return cc
}

// mergeHistory combines the post-cutoff history with the always-included
// recent window, deduplicated by interaction ID and sorted chronologically.
func mergeHistory(history, recent []store.Interaction) []store.Interaction {
	seen := make(map[string]struct{}, len(history)+len(recent))
	merged := make([]store.Interaction, 0, len(history)+len(recent))
	for _, src := range [][]store.Interaction{history, recent} {
		for _, it := range src {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			merged = append(merged, it)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].SequenceNumber < merged[j].SequenceNumber
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

// assessmentsByInteraction indexes assessments by the user turn they assessed.
// Assessments not yet backfilled with an interaction ID are skipped; they will
// appear once the backfill commits.
func assessmentsByInteraction(assessments []store.Assessment) map[string][]store.Assessment {
	if len(assessments) == 0 {
		return nil
	}
	byID := make(map[string][]store.Assessment)
	for _, a := range assessments {
		if a.InteractionID == nil || *a.InteractionID == "" {
			continue
		}
		byID[*a.InteractionID] = append(byID[*a.InteractionID], a)
	}
	return byID
}

// formatInlineAssessment renders one assessment as a system message placed
// directly after the user turn it assessed.
func formatInlineAssessment(a store.Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Assessment of the previous user message (skill: %s", a.Skill)
	if a.Score > 0 {
		fmt.Fprintf(&sb, ", score: %.1f", a.Score)
	}
	sb.WriteString("): ")
	sb.Write(a.Content)
	return sb.String()
}

// endsWithUserMessage reports whether the history already closes with this
// exact user message, which happens when the user turn was persisted before
// history was fetched.
func endsWithUserMessage(history []store.Interaction, msg string) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Role == types.RoleUser && strings.TrimSpace(last.Content) == msg
}
