package assess_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/assess"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm/mock"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

type fakeAssessmentStore struct {
	mu       sync.Mutex
	inserted []store.Assessment
	err      error
}

func (f *fakeAssessmentStore) InsertAssessment(ctx context.Context, a store.Assessment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeAssessmentStore) rows() []store.Assessment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Assessment(nil), f.inserted...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events map[string]map[string]any
}

func (c *captureEmitter) Emit(eventType string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = make(map[string]map[string]any)
	}
	c.events[eventType] = data
}

func (c *captureEmitter) get(eventType string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.events[eventType]
	return d, ok
}

func identity() types.Identity {
	return types.Identity{SessionID: "sess-1", UserID: "user-1", PipelineRunID: "run-1"}
}

func skills(names ...string) []store.Skill {
	out := make([]store.Skill, len(names))
	for i, n := range names {
		out[i] = store.Skill{ID: "sk-" + n, UserID: "user-1", Name: n}
	}
	return out
}

func newBreakers() *resilience.Registry {
	return resilience.NewRegistry(resilience.BreakerConfig{})
}

func TestAssess_CompletesAndPersists(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		ProviderName: "openai",
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"skill": "delegation", "score": 3.5, "feedback": "Clear handoff of ownership."}`,
			Model:   "gpt-4o-mini",
		},
	}
	fs := &fakeAssessmentStore{}
	em := &captureEmitter{}
	a := assess.New(provider, nil, "gpt-4o-mini", newBreakers(), fs, nil)

	outcome, err := a.Assess(context.Background(), identity(),
		"I asked my report to own the rollout end to end.", skills("delegation"), assess.ModeForeground, em)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !outcome.Completed || outcome.Skipped {
		t.Fatalf("outcome = %+v, want completed", outcome)
	}
	if outcome.Skill != "delegation" || outcome.Score != 3.5 {
		t.Errorf("outcome = %+v", outcome)
	}

	rows := fs.rows()
	if len(rows) != 1 {
		t.Fatalf("inserted = %d rows, want 1", len(rows))
	}
	if rows[0].Mode != "foreground" || rows[0].SessionID != "sess-1" {
		t.Errorf("row = %+v", rows[0])
	}
	if !strings.Contains(string(rows[0].Content), "Clear handoff") {
		t.Errorf("content = %s", rows[0].Content)
	}

	data, ok := em.get("assessment.completed")
	if !ok {
		t.Fatal("missing assessment.completed event")
	}
	if data["skill"] != "delegation" {
		t.Errorf("event data = %v", data)
	}
}

func TestAssess_FencedJSONAccepted(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n{\"skill\": \"active listening\", \"score\": 4, \"feedback\": \"ok\"}\n```",
		},
	}
	a := assess.New(provider, nil, "triage", newBreakers(), &fakeAssessmentStore{}, nil)

	outcome, err := a.Assess(context.Background(), identity(),
		"I repeated back what she said before answering.", skills("active listening"), assess.ModeForeground, nil)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !outcome.Completed || outcome.Skill != "active listening" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestAssess_SkipReasons(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"skill": null, "score": 0, "feedback": ""}`},
	}
	a := assess.New(provider, nil, "triage", newBreakers(), &fakeAssessmentStore{}, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		text   string
		skills []store.Skill
		reason string
	}{
		{"no skills", "a perfectly long message about work", nil, assess.ReasonNoTrackedSkills},
		{"too short", "ok thanks", skills("delegation"), assess.ReasonMessageTooShort},
		{"not assessable", "the weather is nice here today", skills("delegation"), assess.ReasonNotAssessable},
	}
	for _, tc := range tests {
		em := &captureEmitter{}
		outcome, err := a.Assess(ctx, identity(), tc.text, tc.skills, assess.ModeForeground, em)
		if err != nil {
			t.Fatalf("%s: Assess: %v", tc.name, err)
		}
		if !outcome.Skipped || outcome.Reason != tc.reason {
			t.Errorf("%s: outcome = %+v, want skip %q", tc.name, outcome, tc.reason)
		}
		if data, ok := em.get("assessment.skipped"); !ok || data["reason"] != tc.reason {
			t.Errorf("%s: assessment.skipped event = %v", tc.name, data)
		}
	}
}

func TestAssess_BreakerOpenFallsBackThenSkips(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ProviderName: "openai", CompleteErr: errors.New("should not be called")}
	backup := &mock.Provider{
		ProviderName: "anthropic",
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"skill": "delegation", "score": 2, "feedback": "ok"}`,
		},
	}
	breakers := resilience.NewRegistry(resilience.BreakerConfig{MinSamples: 1, FailureRate: 0.1})

	// Trip the primary's breaker for the triage model.
	key := resilience.Key{Operation: types.OpLLM, Provider: "openai", Model: "triage"}
	breakers.NoteAttempt(key)
	breakers.RecordFailure(key, "timeout")

	em := &captureEmitter{}
	a := assess.New(primary, backup, "triage", breakers, &fakeAssessmentStore{}, nil)

	outcome, err := a.Assess(context.Background(), identity(),
		"I delegated the incident review to my senior engineer.", skills("delegation"), assess.ModeForeground, em)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("outcome = %+v, want completed via backup", outcome)
	}
	// The backup served the turn, so no denial event may accompany its
	// successful call.
	if _, ok := em.get("llm.breaker.denied"); ok {
		t.Error("llm.breaker.denied emitted although the backup completed the assessment")
	}

	// With no backup, an open breaker is a total denial: the run skips with
	// circuit_open and emits exactly one denial event.
	noBackupEm := &captureEmitter{}
	noBackup := assess.New(primary, nil, "triage", breakers, &fakeAssessmentStore{}, nil)
	outcome, err = noBackup.Assess(context.Background(), identity(),
		"I delegated the incident review to my senior engineer.", skills("delegation"), assess.ModeForeground, noBackupEm)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !outcome.Skipped || outcome.Reason != assess.ReasonCircuitOpen {
		t.Errorf("outcome = %+v, want circuit_open skip", outcome)
	}
	if data, ok := noBackupEm.get("llm.breaker.denied"); !ok || data["reason"] != "circuit_open" {
		t.Errorf("llm.breaker.denied = %v, want circuit_open denial", data)
	}
}

func TestAssess_ProviderErrorRecordsFailure(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{ProviderName: "openai", CompleteErr: errors.New("connection reset")}
	breakers := newBreakers()
	a := assess.New(provider, nil, "triage", breakers, &fakeAssessmentStore{}, nil)

	outcome, err := a.Assess(context.Background(), identity(),
		"I delegated the incident review to my senior engineer.", skills("delegation"), assess.ModeForeground, nil)
	if err == nil {
		t.Fatal("Assess returned nil error for provider failure")
	}
	if !outcome.Skipped {
		t.Errorf("outcome = %+v, want skipped", outcome)
	}
}

func TestAssessBackground_RunsDetached(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"skill": "delegation", "score": 3, "feedback": "ok"}`,
		},
	}
	fs := &fakeAssessmentStore{}
	a := assess.New(provider, nil, "triage", newBreakers(), fs, nil)

	// A cancelled parent must not cancel the background assessment.
	ctx, cancel := context.WithCancel(context.Background())
	a.AssessBackground(ctx, identity(), "I delegated the incident review today.", skills("delegation"), nil)
	cancel()

	deadline := time.After(2 * time.Second)
	for len(fs.rows()) == 0 {
		select {
		case <-deadline:
			t.Fatal("background assessment never persisted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if rows := fs.rows(); rows[0].Mode != "background" {
		t.Errorf("mode = %q, want background", rows[0].Mode)
	}
}
