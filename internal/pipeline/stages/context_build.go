package stages

import (
	"context"

	"github.com/cadenza-ai/cadenza/internal/chatctx"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
)

// Bag-free key for the assembled context in the stage output.
const keyContext = "context"

// ContextBuild assembles the LLM message list for the turn. It accepts a
// bundle prefetched at turn start (overlapping DB work with STT) and falls
// back to loading the enrichers itself. The semantic recall enricher runs
// here because it needs the finished transcript.
//
// In accurate behaviors this stage depends on the assessment stage, so the
// foreground assessment is persisted before the prompt is assembled.
type ContextBuild struct {
	prefetcher *chatctx.Prefetcher
	builder    *chatctx.Builder

	prefetched *chatctx.PrefetchedEnrichers
	platform   string
	text       string
	deps       []string
	optional   bool
}

// NewContextBuild builds the stage. text is the typed user message for chat
// turns; voice turns read the transcript from the stt dependency. optional
// lets the stage run even when an upstream dependency skipped (a skipped
// assessment must not cost the user their reply).
func NewContextBuild(prefetcher *chatctx.Prefetcher, builder *chatctx.Builder, prefetched *chatctx.PrefetchedEnrichers, platform, text string, optional bool, deps ...string) *ContextBuild {
	return &ContextBuild{
		prefetcher: prefetcher,
		builder:    builder,
		prefetched: prefetched,
		platform:   platform,
		text:       text,
		deps:       deps,
		optional:   optional,
	}
}

var _ pipeline.Stage = (*ContextBuild)(nil)

func (c *ContextBuild) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StageContextBuild,
		Kind:         pipeline.KindEnrich,
		Description:  "assembles the LLM message list, most static first",
		Dependencies: c.deps,
		Optional:     c.optional,
	}
}

func (c *ContextBuild) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	id := sc.Snapshot.Identity
	text := c.text
	if t := sc.InputString(StageSTT, keyText); t != "" {
		text = t
	}

	bundle := c.prefetched
	if bundle == nil {
		bundle = c.prefetcher.Prefetch(ctx, id.SessionID, id.UserID, sc.Ports.Events)
	}
	if sc.Canceled() {
		return pipeline.Cancel("")
	}
	c.prefetcher.Recall(ctx, bundle, id.SessionID, id.UserID, text, sc.Ports.Events)

	cc := c.builder.Build(chatctx.BuildRequest{
		Behavior:    sc.Snapshot.Behavior,
		Platform:    c.platform,
		UserMessage: text,
		Enrichers:   bundle,
	})
	return pipeline.OK(map[string]any{
		keyContext: cc,
		keyText:    text,
	})
}
