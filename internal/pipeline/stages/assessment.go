package stages

import (
	"context"
	"log/slog"

	"github.com/cadenza-ai/cadenza/internal/assess"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/store"
)

// Bag key holding the foreground assessment row ID for backfill.
const keyAssessmentID = "assessment_id"

// Assessment runs skill triage and scoring for the user's turn. Foreground
// mode blocks the graph edge into context_build so the assessment can be
// inlined into the prompt; background mode fires and forgets. Typed input is
// never assessed.
type Assessment struct {
	assessor *assess.Assessor
	skills   []store.Skill
	mode     assess.Mode
	typed    bool
	text     string
	deps     []string
}

// NewAssessment builds the stage. text is the typed user message for chat
// turns; voice turns read the transcript from the stt dependency instead.
func NewAssessment(assessor *assess.Assessor, skills []store.Skill, mode assess.Mode, typed bool, text string, deps ...string) *Assessment {
	return &Assessment{
		assessor: assessor,
		skills:   skills,
		mode:     mode,
		typed:    typed,
		text:     text,
		deps:     deps,
	}
}

var _ pipeline.Stage = (*Assessment)(nil)

func (a *Assessment) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StageAssessment,
		Kind:         pipeline.KindAgent,
		Description:  "triages and scores the user turn against tracked skills",
		Dependencies: a.deps,
	}
}

func (a *Assessment) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	if a.typed {
		sc.Ports.Emit("assessment.skipped", map[string]any{"reason": assess.ReasonTypedInput})
		return pipeline.OK(map[string]any{keyOutcome: &assess.Outcome{
			Skipped: true,
			Reason:  assess.ReasonTypedInput,
		}})
	}

	text := a.text
	if t := sc.InputString(StageSTT, keyText); t != "" {
		text = t
	}
	if text == "" {
		return pipeline.Skip(pipeline.ReasonMissingInput)
	}

	if a.mode == assess.ModeBackground {
		a.assessor.AssessBackground(ctx, sc.Snapshot.Identity, text, a.skills, sc.Ports.Events)
		return pipeline.OK(map[string]any{keyOutcome: &assess.Outcome{
			Skipped: true,
			Reason:  "deferred_background",
			Mode:    assess.ModeBackground,
		}})
	}

	outcome, err := a.assessor.Assess(ctx, sc.Snapshot.Identity, text, a.skills, a.mode, sc.Ports.Events)
	if err != nil {
		// A broken assessor must not cost the user their reply.
		slog.Warn("foreground assessment failed",
			"pipeline_run_id", sc.Snapshot.Identity.PipelineRunID,
			"error", err,
		)
	}
	if outcome == nil {
		outcome = &assess.Outcome{Skipped: true, Reason: assess.ReasonNotAssessable}
	}
	if outcome.AssessmentID != "" {
		sc.Put(keyAssessmentID, outcome.AssessmentID)
	}
	return pipeline.OK(map[string]any{keyOutcome: outcome})
}
