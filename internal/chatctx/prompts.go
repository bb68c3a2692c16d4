package chatctx

import (
	"fmt"
	"strings"

	"github.com/cadenza-ai/cadenza/internal/store"
)

// System prompt variants. v2 is tighter about coaching structure; onboarding
// replaces the coaching persona with a guided first-session flow. The exact
// wording is configuration in spirit; these are the shipped defaults.
const (
	systemPromptV1 = `You are a supportive communication coach. The user is practicing ` +
		`workplace communication skills with you. Listen carefully, respond ` +
		`conversationally, and weave concrete, actionable feedback into the ` +
		`dialogue. Keep responses short enough to speak aloud.`

	systemPromptV2 = `You are a communication coach running a live practice session. ` +
		`Stay in conversation: acknowledge what the user said, then either deepen ` +
		`the scenario or offer one specific observation tied to a skill they are ` +
		`working on. Never lecture. Two to four sentences unless the user asks ` +
		`for more.`

	systemPromptOnboarding = `You are welcoming a new user to their first coaching session. ` +
		`Introduce yourself briefly, ask what communication situations they want ` +
		`to get better at, and help them pick one or two skills to start with. ` +
		`Keep it warm and short; this is a conversation, not a form.`
)

// platformHints are injected for onboarding sessions only, so the model can
// reference the right UI affordances.
var platformHints = map[string]string{
	"web":    `The user is on the web app. Voice input is available via the microphone button.`,
	"native": `The user is on the mobile app. Voice is the primary input; keep references to typing minimal.`,
}

// systemPrompt picks the prompt variant for the turn.
func (b *Builder) systemPrompt(onboarding bool) string {
	if onboarding {
		return systemPromptOnboarding
	}
	if b.promptVersion == "v2" {
		return systemPromptV2
	}
	return systemPromptV1
}

// formatSkillsSection renders the user's tracked skills. Level progression
// lives outside the kernel; the prompt only names the skills so the model
// anchors feedback to them.
func formatSkillsSection(skills []store.Skill) string {
	if len(skills) == 0 {
		return ""
	}
	names := make([]string, 0, len(skills))
	for _, s := range skills {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "The user is currently working on these skills: " + strings.Join(names, ", ") + "."
}

// formatProfileSection renders the user-provided profile text.
func formatProfileSection(profile string) string {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return ""
	}
	return "About the user:\n" + profile
}

// formatMetaSummarySection renders the cross-session summary.
func formatMetaSummarySection(meta string) string {
	meta = strings.TrimSpace(meta)
	if meta == "" {
		return ""
	}
	return "Summary of previous sessions:\n" + meta
}

// formatSummarySection renders the rolling intra-session summary with its
// cutoff, so the model knows where the summary ends and the verbatim history
// begins.
func formatSummarySection(s *store.SessionSummary) string {
	if s == nil || strings.TrimSpace(s.Content) == "" {
		return ""
	}
	return fmt.Sprintf("Summary of this session up to %s:\n%s",
		s.CutoffAt.UTC().Format("15:04 MST"), strings.TrimSpace(s.Content))
}

// formatRecallSection renders semantically similar moments from past sessions.
func formatRecallSection(recall []store.Interaction) string {
	if len(recall) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant moments from the user's past sessions:")
	for _, it := range recall {
		fmt.Fprintf(&sb, "\n- [%s] %s", it.Role, strings.TrimSpace(it.Content))
	}
	return sb.String()
}
