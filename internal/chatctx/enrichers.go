package chatctx

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/provider/embeddings"
)

// EnricherStore is the subset of the storage layer the prefetcher reads.
// *store.Store satisfies it.
type EnricherStore interface {
	GetUserProfile(ctx context.Context, userID string) (*store.UserProfile, error)
	GetSessionSummary(ctx context.Context, sessionID string) (*store.SessionSummary, error)
	GetMetaSummary(ctx context.Context, userID string) (*store.MetaSummary, error)
	ListSkills(ctx context.Context, userID string) ([]store.Skill, error)
	ListRecentInteractions(ctx context.Context, sessionID string, limit int) ([]store.Interaction, error)
	ListInteractionsSince(ctx context.Context, sessionID string, cutoff time.Time) ([]store.Interaction, error)
	SearchSimilarInteractions(ctx context.Context, userID string, embedding []float32, topK int, excludeSessionID string) ([]store.Interaction, error)
	ListAssessments(ctx context.Context, sessionID string) ([]store.Assessment, error)
}

// EventEmitter receives enricher lifecycle events. Satisfied by
// *events.PipelineEventLogger; nil-safe wrappers are the caller's concern so
// prefetching without an event logger passes a no-op.
type EventEmitter interface {
	Emit(eventType string, data map[string]any)
}

// nopEmitter is used when the caller passes a nil emitter.
type nopEmitter struct{}

func (nopEmitter) Emit(string, map[string]any) {}

// PrefetchedEnrichers is the cached bundle of enricher results computed while
// STT is still running, so context assembly does not wait on the database.
// Disabled or failed enrichers leave their field zero-valued; the builder
// omits empty sections.
type PrefetchedEnrichers struct {
	// Profile is the user's long-lived profile text.
	Profile string

	// MetaSummary is the cross-session summary.
	MetaSummary string

	// Summary is the rolling intra-session summary with its cutoff. Nil when
	// no summary has been written yet.
	Summary *store.SessionSummary

	// Skills are the user's tracked skill names.
	Skills []store.Skill

	// History holds the interactions after the summary cutoff (or the whole
	// session when no summary exists).
	History []store.Interaction

	// Recent holds the last-N interactions, always included regardless of
	// cutoff.
	Recent []store.Interaction

	// Assessments are the session's assessments, injected inline after the
	// user turns they assessed.
	Assessments []store.Assessment

	// Recall holds semantically similar interactions from past sessions.
	// Populated by [Prefetcher.Recall], not by Prefetch, because it needs the
	// transcript text.
	Recall []store.Interaction
}

const (
	defaultHistoryLimit = 6
	defaultRecallTopK   = 3
)

// Prefetcher loads enricher data concurrently. Each enricher is individually
// feature-gated; a disabled or failing enricher never blocks the turn, it is
// reported through its lifecycle events and skipped.
type Prefetcher struct {
	store        EnricherStore
	embedder     embeddings.Provider
	cfg          config.EnrichersConfig
	historyLimit int
	recallTopK   int
}

// PrefetcherOption configures a [Prefetcher].
type PrefetcherOption func(*Prefetcher)

// WithHistoryLimit sets how many recent interactions are always included in
// the conversation history. Default: 6.
func WithHistoryLimit(n int) PrefetcherOption {
	return func(p *Prefetcher) { p.historyLimit = n }
}

// WithRecallTopK sets how many past-session interactions the recall enricher
// retrieves. Default: 3.
func WithRecallTopK(n int) PrefetcherOption {
	return func(p *Prefetcher) { p.recallTopK = n }
}

// NewPrefetcher creates a Prefetcher. embedder may be nil when the recall
// enricher is disabled.
func NewPrefetcher(st EnricherStore, embedder embeddings.Provider, cfg config.EnrichersConfig, opts ...PrefetcherOption) *Prefetcher {
	p := &Prefetcher{
		store:        st,
		embedder:     embedder,
		cfg:          cfg,
		historyLimit: defaultHistoryLimit,
		recallTopK:   defaultRecallTopK,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prefetch loads all configured enrichers for one turn concurrently and
// returns the bundle. It is typically invoked on voice.start so the queries
// overlap with transcription.
//
// Individual enricher failures are reported via their completed events and do
// not fail the prefetch; the caller always receives a usable bundle.
func (p *Prefetcher) Prefetch(ctx context.Context, sessionID, userID string, em EventEmitter) *PrefetchedEnrichers {
	if em == nil {
		em = nopEmitter{}
	}
	bundle := &PrefetchedEnrichers{}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(p.enricher("profile", p.cfg.ProfileEnabled, em, func() error {
		profile, err := p.store.GetUserProfile(egCtx, userID)
		if err != nil {
			return err
		}
		if profile != nil {
			bundle.Profile = profile.Content
		}
		return nil
	}))

	eg.Go(p.enricher("meta_summary", p.cfg.MetaSummaryEnabled, em, func() error {
		meta, err := p.store.GetMetaSummary(egCtx, userID)
		if err != nil {
			return err
		}
		if meta != nil {
			bundle.MetaSummary = meta.Content
		}
		return nil
	}))

	eg.Go(p.enricher("skills", p.cfg.SkillsEnabled, em, func() error {
		skills, err := p.store.ListSkills(egCtx, userID)
		if err != nil {
			return err
		}
		bundle.Skills = skills
		return nil
	}))

	// The summary enricher also owns the history fetch: the interactions to
	// load depend on the summary cutoff.
	eg.Go(p.enricher("summary", p.cfg.SummaryEnabled, em, func() error {
		summary, err := p.store.GetSessionSummary(egCtx, sessionID)
		if err != nil {
			return err
		}
		bundle.Summary = summary
		if summary != nil {
			history, err := p.store.ListInteractionsSince(egCtx, sessionID, summary.CutoffAt)
			if err != nil {
				return err
			}
			bundle.History = history
		}
		return nil
	}))

	eg.Go(func() error {
		recent, err := p.store.ListRecentInteractions(egCtx, sessionID, p.historyLimit)
		if err != nil {
			// History is load-bearing but a failure here still must not kill
			// the turn; the LLM falls back to the bare user message.
			return nil
		}
		bundle.Recent = recent
		assessments, err := p.store.ListAssessments(egCtx, sessionID)
		if err != nil {
			return nil
		}
		bundle.Assessments = assessments
		return nil
	})

	// Enricher closures never return errors (they are captured into events),
	// so Wait only synchronises.
	_ = eg.Wait()
	return bundle
}

// Recall populates bundle.Recall with semantically similar interactions from
// the user's past sessions. It runs after the transcript is known, unlike the
// other enrichers, because it embeds the user's message.
//
// Failures are reported via the enricher events and leave Recall empty.
func (p *Prefetcher) Recall(ctx context.Context, bundle *PrefetchedEnrichers, sessionID, userID, text string, em EventEmitter) {
	if em == nil {
		em = nopEmitter{}
	}
	enabled := p.cfg.RecallEnabled && p.embedder != nil && text != ""
	run := p.enricher("recall", enabled, em, func() error {
		vec, err := p.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		similar, err := p.store.SearchSimilarInteractions(ctx, userID, vec, p.recallTopK, sessionID)
		if err != nil {
			return err
		}
		bundle.Recall = similar
		return nil
	})
	_ = run()
}

// enricher wraps one enricher body with lifecycle events. The returned
// closure never propagates the body's error; it is recorded on the completed
// event so one failing enricher cannot cancel its siblings through the
// errgroup.
func (p *Prefetcher) enricher(name string, enabled bool, em EventEmitter, fn func() error) func() error {
	return func() error {
		em.Emit("enricher."+name+".started", map[string]any{"enabled": enabled})
		if !enabled {
			em.Emit("enricher."+name+".completed", map[string]any{
				"enabled":     false,
				"status":      "skipped",
				"duration_ms": 0,
			})
			return nil
		}
		start := time.Now()
		err := fn()
		data := map[string]any{
			"enabled":     true,
			"status":      "complete",
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			data["status"] = "error"
			data["error"] = err.Error()
		}
		em.Emit("enricher."+name+".completed", data)
		return nil
	}
}
