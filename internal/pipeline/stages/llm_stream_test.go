package stages_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cadenza-ai/cadenza/internal/chatctx"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/internal/policy"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	llmmock "github.com/cadenza-ai/cadenza/pkg/provider/llm/mock"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// contextStub feeds an assembled chat context into the llm stage.
func contextStub(userText string) *stubStage {
	cc := &chatctx.ChatContext{Messages: []types.Message{
		{Role: types.RoleSystem, Content: "You are a coach."},
		{Role: types.RoleUser, Content: userText},
	}}
	return &stubStage{
		name: stages.StageContextBuild,
		out:  pipeline.OK(map[string]any{"context": cc, "text": userText}),
	}
}

func llmParams(primary, backup llm.Provider, breakers *resilience.Registry) stages.LLMParams {
	return stages.LLMParams{
		Primary:     primary,
		Backup:      backup,
		Model:       "gpt-4o",
		BackupModel: "claude-sonnet-4-20250514",
		Breakers:    breakers,
		Temperature: 0.7,
	}
}

func TestLLMStream_HappyPathStreamsTokens(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "openai", StreamText: "Hi there!", StreamChunkSize: 4}
	em := &captureEmitter{}
	rec := &portRecorder{}
	s := stages.NewLLMStream(llmParams(primary, nil, newBreakers()))

	pctx := newPctx("chat_typed", types.BehaviorFast)
	out := runSingle(t, pctx, rec.ports(em, nil), s, contextStub("hello"))
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if out.Data["reply"] != "Hi there!" || out.Data["provider"] != "openai" {
		t.Errorf("data = %v", out.Data)
	}
	if rec.text() != "Hi there!" || !rec.complete {
		t.Errorf("streamed %q complete=%v", rec.text(), rec.complete)
	}
	if len(rec.tokens) != 3 {
		t.Errorf("token chunks = %d, want 3", len(rec.tokens))
	}

	if _, ok := em.find("llm.first_token"); !ok {
		t.Error("llm.first_token not emitted")
	}
	if data, ok := em.find("llm.completed"); !ok {
		t.Error("llm.completed not emitted")
	} else if data["provider"] != "openai" || data["model"] != "gpt-4o" {
		t.Errorf("completed payload = %v", data)
	}
	if pctx.Int64(pipeline.KeyTTFTMs) < 0 {
		t.Error("TTFT not recorded")
	}
	if em.count("llm.fallback.attempted") != 0 {
		t.Error("fallback attempted on a healthy stream")
	}
}

func TestLLMStream_PostFirstTokenFailureNeverFallsBack(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "openai", StreamText: "hello world this ", StreamChunkSize: 6, FailAfterChunks: 2}
	backup := &llmmock.Provider{ProviderName: "anthropic", StreamText: "should never run"}
	em := &captureEmitter{}
	rec := &portRecorder{}
	s := stages.NewLLMStream(llmParams(primary, backup, newBreakers()))

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), rec.ports(em, nil), s, contextStub("hello"))
	if out.Status != pipeline.StatusError {
		t.Fatalf("output = %+v", out)
	}

	if _, ok := em.find("llm.first_token"); !ok {
		t.Error("llm.first_token not emitted")
	}
	if data, ok := em.find("llm.fallback.blocked_post_first_token"); !ok {
		t.Error("blocked_post_first_token not emitted")
	} else if data["stream_token_count"] != 2 {
		t.Errorf("stream_token_count = %v", data["stream_token_count"])
	}
	if em.count("llm.fallback.attempted") != 0 || em.count("llm.fallback.succeeded") != 0 {
		t.Error("fallback ran after the first token was delivered")
	}
	if len(backup.StreamCalls) != 0 {
		t.Error("backup provider was called")
	}
}

func TestLLMStream_PreFirstTokenFailureFallsBack(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "openai", StreamErr: errors.New("openai: connection refused")}
	backup := &llmmock.Provider{ProviderName: "anthropic", StreamText: "Backup here."}
	em := &captureEmitter{}
	rec := &portRecorder{}
	s := stages.NewLLMStream(llmParams(primary, backup, newBreakers()))

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), rec.ports(em, nil), s, contextStub("hello"))
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if out.Data["provider"] != "anthropic" || rec.text() != "Backup here." {
		t.Errorf("data = %v text = %q", out.Data, rec.text())
	}

	if em.count("llm.fallback.attempted") != 1 {
		t.Errorf("attempted count = %d", em.count("llm.fallback.attempted"))
	}
	if data, ok := em.find("llm.fallback.succeeded"); !ok {
		t.Error("fallback.succeeded not emitted")
	} else if data["provider"] != "anthropic" {
		t.Errorf("succeeded payload = %v", data)
	}
}

// callRecorder collects provider_calls rows written through the call logger.
type callRecorder struct {
	mu    sync.Mutex
	calls []store.ProviderCall
}

func (c *callRecorder) InsertProviderCall(_ context.Context, call store.ProviderCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return nil
}

func (c *callRecorder) UpdateProviderCall(context.Context, string, string, int, int, float64) error {
	return nil
}

func (c *callRecorder) BackfillCallInteraction(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (c *callRecorder) successCount(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Operation == operation && call.Success {
			n++
		}
	}
	return n
}

func TestLLMStream_OpenPrimaryFallsBackWithoutDenial(t *testing.T) {
	t.Parallel()

	breakers := newBreakers()
	tripBreaker(t, breakers, resilience.Key{Operation: types.OpLLM, Provider: "openai", Model: "gpt-4o"})

	primary := &llmmock.Provider{ProviderName: "openai", StreamText: "should not run"}
	backup := &llmmock.Provider{ProviderName: "anthropic", StreamText: "Backup here."}
	em := &captureEmitter{}
	rec := &portRecorder{}
	calls := &callRecorder{}

	p := llmParams(primary, backup, breakers)
	p.Calls = events.NewProviderCallLogger(calls, nil)
	s := stages.NewLLMStream(p)

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), rec.ports(em, nil), s, contextStub("hello"))
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if out.Data["provider"] != "anthropic" || rec.text() != "Backup here." {
		t.Errorf("data = %v text = %q", out.Data, rec.text())
	}
	if len(primary.StreamCalls) != 0 {
		t.Error("primary called with an open breaker")
	}

	// The backup served the turn, so the run carries a successful call record
	// and must not carry a denial event.
	if n := calls.successCount(string(types.OpLLM)); n != 1 {
		t.Errorf("successful llm call records = %d, want 1", n)
	}
	if em.count("llm.breaker.denied") != 0 {
		t.Errorf("breaker denials = %d, want 0 when the backup serves", em.count("llm.breaker.denied"))
	}
	if _, ok := em.find("llm.fallback.succeeded"); !ok {
		t.Error("fallback.succeeded not emitted")
	}
}

func TestLLMStream_BothProvidersDownYieldsSafeReply(t *testing.T) {
	t.Parallel()

	breakers := newBreakers()
	tripBreaker(t, breakers, resilience.Key{Operation: types.OpLLM, Provider: "openai", Model: "gpt-4o"})
	tripBreaker(t, breakers, resilience.Key{Operation: types.OpLLM, Provider: "anthropic", Model: "claude-sonnet-4-20250514"})

	primary := &llmmock.Provider{ProviderName: "openai"}
	backup := &llmmock.Provider{ProviderName: "anthropic"}
	em := &captureEmitter{}
	rec := &portRecorder{}
	s := stages.NewLLMStream(llmParams(primary, backup, breakers))

	q := pipeline.NewPartialTextQueue()
	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), rec.ports(em, q), s, contextStub("hello"))
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if out.Data["provider"] != "safe_fallback" {
		t.Errorf("provider = %v", out.Data["provider"])
	}
	if rec.text() == "" || !rec.complete {
		t.Errorf("safe reply not delivered: %q", rec.text())
	}
	// Total denial is one event, not one per open breaker.
	if em.count("llm.breaker.denied") != 1 {
		t.Errorf("breaker denials = %d, want 1", em.count("llm.breaker.denied"))
	}
	if data, ok := em.find("llm.completed"); !ok {
		t.Error("llm.completed not emitted")
	} else if data["provider"] != "safe_fallback" {
		t.Errorf("completed payload = %v", data)
	}
	if len(primary.StreamCalls)+len(backup.StreamCalls) != 0 {
		t.Error("providers called despite open breakers")
	}

	// The canned reply still reaches the synthesis queue, then the queue closes.
	text, ok := q.Get(context.Background())
	if !ok || text == "" {
		t.Error("safe reply not queued for synthesis")
	}
	if _, open := q.Get(context.Background()); open {
		t.Error("queue not closed after the stage finished")
	}
}

func TestLLMStream_PolicyBlockDeliversSafeString(t *testing.T) {
	t.Parallel()

	gateway, err := policy.NewGateway(config.PolicyConfig{
		GatewayEnabled: true,
		LLMMaxTokens:   1, // any real prompt exceeds this
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	primary := &llmmock.Provider{ProviderName: "openai", StreamText: "should not run"}
	em := &captureEmitter{}
	rec := &portRecorder{}

	p := llmParams(primary, nil, newBreakers())
	p.Gateway = gateway
	s := stages.NewLLMStream(p)

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), rec.ports(em, nil), s, contextStub("hello"))
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if out.Data["reply"] != policy.SafeReply {
		t.Errorf("reply = %v", out.Data["reply"])
	}
	if len(primary.StreamCalls) != 0 {
		t.Error("provider called despite policy block")
	}
	if data, ok := em.find("policy.decision"); !ok {
		t.Error("policy.decision not emitted")
	} else if data["decision"] != "block" {
		t.Errorf("decision payload = %v", data)
	}
	if _, ok := em.find("policy.budget.exceeded"); !ok {
		t.Error("policy.budget.exceeded not emitted")
	}
	if em.count("llm.completed") != 0 {
		t.Error("llm.completed emitted for a blocked run")
	}
}

func TestLLMStream_CancellationStopsStream(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ProviderName: "openai", StreamChunks: []llm.Chunk{
		{Text: "first "},
		{Text: "second "},
		{Text: "third"},
		{FinishReason: "stop"},
	}}
	em := &captureEmitter{}
	rec := &portRecorder{}
	s := stages.NewLLMStream(llmParams(primary, nil, newBreakers()))

	pctx := newPctx("chat_typed", types.BehaviorFast)
	ports := rec.ports(em, nil)
	forward := ports.SendToken
	// Barge-in lands right after the first token reaches the client.
	ports.SendToken = func(token string, isComplete bool) {
		forward(token, isComplete)
		pctx.Cancel()
	}

	out := runSingle(t, pctx, ports, s, contextStub("hello"))
	if out.Status != pipeline.StatusCanceled {
		t.Fatalf("output = %+v, want canceled", out)
	}
	if em.count("llm.completed") != 0 {
		t.Error("llm.completed emitted for a canceled stream")
	}
	if len(rec.tokens) >= 3 {
		t.Errorf("stream kept going after cancel: %v", rec.tokens)
	}
}
