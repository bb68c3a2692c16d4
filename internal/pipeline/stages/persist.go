package stages

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// InteractionStore is the slice of the store the persistence stages need.
type InteractionStore interface {
	InsertInteraction(ctx context.Context, it *store.Interaction) error
	BackfillAssessmentInteraction(ctx context.Context, ids []string, interactionID string) error
}

// InteractionIndexer stamps an embedding onto a persisted row in the
// background. Satisfied by *chatctx.Indexer; nil disables indexing.
type InteractionIndexer interface {
	IndexDetached(ctx context.Context, interactionID, content string)
}

// Bag key for the persisted user turn; the assistant turn uses
// [pipeline.KeyInteractionID].
const keyUserInteractionID = "user_interaction_id"

// PersistUser records the user's turn as an interaction row. For voice turns
// the text comes from the stt stage; for chat turns it is injected at
// construction.
type PersistUser struct {
	store   InteractionStore
	indexer InteractionIndexer
	text    string
	deps    []string
}

// NewPersistUser builds the stage. When deps include the stt stage, its
// transcript takes precedence over the injected text.
func NewPersistUser(st InteractionStore, ix InteractionIndexer, text string, deps ...string) *PersistUser {
	return &PersistUser{store: st, indexer: ix, text: text, deps: deps}
}

var _ pipeline.Stage = (*PersistUser)(nil)

func (p *PersistUser) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StagePersistUser,
		Kind:         pipeline.KindWork,
		Description:  "persists the user turn",
		Dependencies: p.deps,
	}
}

func (p *PersistUser) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	text := p.text
	if t := sc.InputString(StageSTT, keyText); t != "" {
		text = t
	}
	if text == "" {
		return pipeline.Skip("empty_message")
	}

	it := &store.Interaction{
		ID:        uuid.NewString(),
		SessionID: sc.Snapshot.Identity.SessionID,
		UserID:    sc.Snapshot.Identity.UserID,
		Role:      types.RoleUser,
		Content:   text,
	}
	if err := p.store.InsertInteraction(ctx, it); err != nil {
		return pipeline.Fail(fmt.Errorf("stages: persist user turn: %w", err))
	}
	if p.indexer != nil {
		p.indexer.IndexDetached(ctx, it.ID, text)
	}
	sc.Put(keyUserInteractionID, it.ID)
	return pipeline.OK(map[string]any{keyInteractionID: it.ID, keyText: text})
}

// PersistAssistant records the assistant's reply as an interaction row and
// stamps its ID into the run's data bag as the run interaction.
type PersistAssistant struct {
	store   InteractionStore
	indexer InteractionIndexer
}

// NewPersistAssistant builds the stage.
func NewPersistAssistant(st InteractionStore, ix InteractionIndexer) *PersistAssistant {
	return &PersistAssistant{store: st, indexer: ix}
}

var _ pipeline.Stage = (*PersistAssistant)(nil)

func (p *PersistAssistant) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StagePersistAssistant,
		Kind:         pipeline.KindWork,
		Description:  "persists the assistant reply",
		Dependencies: []string{StageLLMStream},
	}
}

func (p *PersistAssistant) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	reply := sc.InputString(StageLLMStream, keyReply)
	if reply == "" {
		return pipeline.Skip("empty_reply")
	}

	it := &store.Interaction{
		ID:        uuid.NewString(),
		SessionID: sc.Snapshot.Identity.SessionID,
		UserID:    sc.Snapshot.Identity.UserID,
		Role:      types.RoleAssistant,
		Content:   reply,
	}
	if err := p.store.InsertInteraction(ctx, it); err != nil {
		return pipeline.Fail(fmt.Errorf("stages: persist assistant turn: %w", err))
	}
	if p.indexer != nil {
		p.indexer.IndexDetached(ctx, it.ID, reply)
	}
	sc.Put(pipeline.KeyInteractionID, it.ID)
	return pipeline.OK(map[string]any{keyInteractionID: it.ID})
}

// BackfillIDs links the turn's provider_calls rows to the persisted assistant
// interaction and the turn's assessments to the persisted user interaction.
// Both writes are best effort; the turn has already succeeded by the time
// this stage runs.
type BackfillIDs struct {
	store InteractionStore
	calls *events.ProviderCallLogger
	deps  []string
}

// NewBackfillIDs builds the stage. deps default to the two persistence
// stages; topologies running a foreground assessment add it so the row ID is
// in the bag before backfill runs.
func NewBackfillIDs(st InteractionStore, calls *events.ProviderCallLogger, deps ...string) *BackfillIDs {
	if len(deps) == 0 {
		deps = []string{StagePersistUser, StagePersistAssistant}
	}
	return &BackfillIDs{store: st, calls: calls, deps: deps}
}

var _ pipeline.Stage = (*BackfillIDs)(nil)

func (b *BackfillIDs) Info() pipeline.Info {
	return pipeline.Info{
		Name:         StageBackfillIDs,
		Kind:         pipeline.KindWork,
		Description:  "backfills interaction IDs onto provider calls and assessments",
		Dependencies: b.deps,
		Optional:     true,
	}
}

func (b *BackfillIDs) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	assistantID := sc.InputString(StagePersistAssistant, keyInteractionID)
	if assistantID != "" && b.calls != nil {
		b.calls.Backfill(ctx, sc.Snapshot.Identity.PipelineRunID, assistantID)
	}

	userID := sc.InputString(StagePersistUser, keyInteractionID)
	if userID != "" {
		if ids := assessmentIDs(sc); len(ids) > 0 {
			if err := b.store.BackfillAssessmentInteraction(ctx, ids, userID); err != nil {
				return pipeline.Fail(fmt.Errorf("stages: backfill assessments: %w", err))
			}
		}
	}
	if assistantID == "" && userID == "" {
		return pipeline.Skip("nothing_persisted")
	}
	return pipeline.OK(nil)
}

// assessmentIDs pulls the assessment row IDs recorded by the assessment
// stage, when one ran in the foreground.
func assessmentIDs(sc *pipeline.StageContext) []string {
	v, ok := sc.Value(keyAssessmentID)
	if !ok {
		return nil
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return nil
	}
	return []string{id}
}
