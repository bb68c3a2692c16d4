package stages_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// stubStage feeds a fixed output into a stage under test through the graph.
type stubStage struct {
	name string
	out  pipeline.StageOutput
}

func (s *stubStage) Info() pipeline.Info {
	return pipeline.Info{Name: s.name, Kind: pipeline.KindTransform}
}

func (s *stubStage) Run(context.Context, *pipeline.StageContext) pipeline.StageOutput {
	return s.out
}

// capturedEvent is one emitted pipeline event.
type capturedEvent struct {
	typ  string
	data map[string]any
}

// captureEmitter records emitted events in order.
type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureEmitter) Emit(eventType string, data map[string]any) {
	c.mu.Lock()
	c.events = append(c.events, capturedEvent{typ: eventType, data: data})
	c.mu.Unlock()
}

func (c *captureEmitter) find(eventType string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.typ == eventType {
			return ev.data, true
		}
	}
	return nil, false
}

func (c *captureEmitter) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.typ == eventType {
			n++
		}
	}
	return n
}

// portRecorder captures everything a stage pushed through its ports.
type portRecorder struct {
	mu       sync.Mutex
	tokens   []string
	complete bool
	statuses []string
	audio    []pipeline.AudioChunk
}

func (r *portRecorder) ports(em pipeline.EventEmitter, q *pipeline.PartialTextQueue) *pipeline.Ports {
	return &pipeline.Ports{
		SendToken: func(token string, isComplete bool) {
			r.mu.Lock()
			if token != "" {
				r.tokens = append(r.tokens, token)
			}
			if isComplete {
				r.complete = true
			}
			r.mu.Unlock()
		},
		SendStatus: func(service, status string, _ map[string]any) {
			r.mu.Lock()
			r.statuses = append(r.statuses, service+"="+status)
			r.mu.Unlock()
		},
		SendAudio: func(chunk pipeline.AudioChunk) {
			r.mu.Lock()
			r.audio = append(r.audio, chunk)
			r.mu.Unlock()
		},
		Events:      em,
		PartialText: q,
	}
}

func (r *portRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	for _, t := range r.tokens {
		s += t
	}
	return s
}

func (r *portRecorder) audioChunks() []pipeline.AudioChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.AudioChunk(nil), r.audio...)
}

// fakeTurnStore implements stages.TurnStore and chatctx.EnricherStore in
// memory.
type fakeTurnStore struct {
	mu           sync.Mutex
	interactions []store.Interaction
	insertErr    error

	backfilledIDs    []string
	backfilledTarget string

	summary       *store.SessionSummary
	since         []store.Interaction
	summaryUpsert []string
	meta          *store.MetaSummary
	metaUpsert    []string

	skills []store.Skill
}

func (f *fakeTurnStore) InsertInteraction(ctx context.Context, it *store.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	it.SequenceNumber = int64(len(f.interactions) + 1)
	it.CreatedAt = time.Now()
	f.interactions = append(f.interactions, *it)
	return nil
}

func (f *fakeTurnStore) BackfillAssessmentInteraction(ctx context.Context, ids []string, interactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfilledIDs = append(f.backfilledIDs, ids...)
	f.backfilledTarget = interactionID
	return nil
}

func (f *fakeTurnStore) GetSessionSummary(ctx context.Context, sessionID string) (*store.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary, nil
}

func (f *fakeTurnStore) ListInteractionsSince(ctx context.Context, sessionID string, cutoff time.Time) ([]store.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since, nil
}

func (f *fakeTurnStore) UpsertSessionSummary(ctx context.Context, sessionID, content string, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryUpsert = append(f.summaryUpsert, content)
	return nil
}

func (f *fakeTurnStore) GetMetaSummary(ctx context.Context, userID string) (*store.MetaSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta, nil
}

func (f *fakeTurnStore) UpsertMetaSummary(ctx context.Context, userID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaUpsert = append(f.metaUpsert, content)
	return nil
}

func (f *fakeTurnStore) GetUserProfile(ctx context.Context, userID string) (*store.UserProfile, error) {
	return nil, nil
}

func (f *fakeTurnStore) ListSkills(ctx context.Context, userID string) ([]store.Skill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skills, nil
}

func (f *fakeTurnStore) ListRecentInteractions(ctx context.Context, sessionID string, limit int) ([]store.Interaction, error) {
	return nil, nil
}

func (f *fakeTurnStore) SearchSimilarInteractions(ctx context.Context, userID string, embedding []float32, topK int, excludeSessionID string) ([]store.Interaction, error) {
	return nil, nil
}

func (f *fakeTurnStore) ListAssessments(ctx context.Context, sessionID string) ([]store.Assessment, error) {
	return nil, nil
}

func (f *fakeTurnStore) InsertAssessment(ctx context.Context, a store.Assessment) error {
	return nil
}

func (f *fakeTurnStore) summaries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.summaryUpsert...)
}

func (f *fakeTurnStore) metas() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.metaUpsert...)
}

func (f *fakeTurnStore) rows() []store.Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Interaction(nil), f.interactions...)
}

func testIdentity() types.Identity {
	return types.Identity{
		Service:       "cadenza",
		SessionID:     "sess-1",
		UserID:        "user-1",
		RequestID:     "req-1",
		PipelineRunID: "run-1",
	}
}

func newPctx(topology string, behavior types.Behavior) *pipeline.PipelineContext {
	pctx := pipeline.NewPipelineContext(testIdentity(), topology, behavior, nil)
	pctx.Put(pipeline.KeyStartedAt, time.Now())
	return pctx
}

func newBreakers() *resilience.Registry {
	return resilience.NewRegistry(resilience.BreakerConfig{})
}

// tripBreaker opens the breaker for key by recording enough failures.
func tripBreaker(t *testing.T, reg *resilience.Registry, key resilience.Key) {
	t.Helper()
	for i := 0; i < 20; i++ {
		reg.NoteAttempt(key)
		reg.RecordFailure(key, "connection refused")
	}
	if !reg.IsOpen(key) {
		t.Fatal("breaker did not open")
	}
}

// runSingle runs one stage (plus optional stubs) through the graph and
// returns its output.
func runSingle(t *testing.T, pctx *pipeline.PipelineContext, ports *pipeline.Ports, target pipeline.Stage, stubs ...pipeline.Stage) pipeline.StageOutput {
	t.Helper()
	all := append(stubs, target)
	g, err := pipeline.NewGraph(all...)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	outputs := g.Run(context.Background(), pctx, ports, nil)
	return outputs[target.Info().Name]
}

var _ stages.TurnStore = (*fakeTurnStore)(nil)
