package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// testStage is a scriptable stage for graph tests.
type testStage struct {
	info pipeline.Info
	run  func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput
}

func (s *testStage) Info() pipeline.Info { return s.info }

func (s *testStage) Run(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
	if s.run == nil {
		return pipeline.OK(nil)
	}
	return s.run(ctx, sc)
}

func stage(name string, deps []string, run func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput) *testStage {
	return &testStage{
		info: pipeline.Info{Name: name, Kind: pipeline.KindTransform, Dependencies: deps},
		run:  run,
	}
}

func newPctx() *pipeline.PipelineContext {
	return pipeline.NewPipelineContext(
		types.Identity{PipelineRunID: "run-1", SessionID: "sess-1", UserID: "user-1"},
		"chat_fast", types.BehaviorFast, nil,
	)
}

func TestGraph_RejectsInvalidShapes(t *testing.T) {
	t.Parallel()

	if _, err := pipeline.NewGraph(stage("a", nil, nil), stage("a", nil, nil)); err == nil {
		t.Error("duplicate stage name accepted")
	}
	if _, err := pipeline.NewGraph(stage("a", []string{"ghost"}, nil)); err == nil {
		t.Error("unknown dependency accepted")
	}
	if _, err := pipeline.NewGraph(
		stage("a", []string{"b"}, nil),
		stage("b", []string{"a"}, nil),
	); err == nil {
		t.Error("cycle accepted")
	}
}

func TestGraph_DependencyOrderAndInputs(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	g, err := pipeline.NewGraph(
		stage("produce", nil, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			record("produce")
			return pipeline.OK(map[string]any{"text": "hello"})
		}),
		stage("consume", []string{"produce"}, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			record("consume")
			if got := sc.InputString("produce", "text"); got != "hello" {
				t.Errorf("input text = %q", got)
			}
			return pipeline.OK(nil)
		}),
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	outputs := g.Run(context.Background(), newPctx(), &pipeline.Ports{}, nil)
	if len(order) != 2 || order[0] != "produce" || order[1] != "consume" {
		t.Errorf("order = %v", order)
	}
	for name, out := range outputs {
		if out.Status != pipeline.StatusOK {
			t.Errorf("%s status = %s", name, out.Status)
		}
	}
}

func TestGraph_SiblingBranchesSurviveFailure(t *testing.T) {
	t.Parallel()

	g, err := pipeline.NewGraph(
		stage("root", nil, nil),
		stage("failing", []string{"root"}, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			return pipeline.Fail(errors.New("provider exploded"))
		}),
		stage("downstream", []string{"failing"}, nil),
		stage("sibling", []string{"root"}, nil),
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	outputs := g.Run(context.Background(), newPctx(), &pipeline.Ports{}, nil)
	if outputs["failing"].Status != pipeline.StatusError {
		t.Errorf("failing = %+v", outputs["failing"])
	}
	if out := outputs["downstream"]; out.Status != pipeline.StatusSkipped || out.Reason != pipeline.ReasonUpstreamError {
		t.Errorf("downstream = %+v, want skipped[upstream_error]", out)
	}
	if outputs["sibling"].Status != pipeline.StatusOK {
		t.Errorf("sibling = %+v, want ok", outputs["sibling"])
	}
}

func TestGraph_SkipPropagationAndOptional(t *testing.T) {
	t.Parallel()

	optional := stage("optional", []string{"skipping"}, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
		if sc.Inputs["skipping"].Status != pipeline.StatusSkipped {
			t.Error("optional stage did not see the skip")
		}
		return pipeline.OK(nil)
	})
	optional.info.Optional = true

	g, err := pipeline.NewGraph(
		stage("skipping", nil, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			return pipeline.Skip("nothing_to_do")
		}),
		stage("required", []string{"skipping"}, nil),
		optional,
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	outputs := g.Run(context.Background(), newPctx(), &pipeline.Ports{}, nil)
	if out := outputs["required"]; out.Status != pipeline.StatusSkipped || out.Reason != pipeline.ReasonMissingInput {
		t.Errorf("required = %+v, want skipped[missing_input]", out)
	}
	if outputs["optional"].Status != pipeline.StatusOK {
		t.Errorf("optional = %+v, want ok", outputs["optional"])
	}
}

func TestGraph_GracefulCancellationBubbles(t *testing.T) {
	t.Parallel()

	pctx := newPctx()
	g, err := pipeline.NewGraph(
		stage("stt", nil, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			return pipeline.Cancel(pipeline.ReasonNoSpeech)
		}),
		stage("llm", []string{"stt"}, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			t.Error("llm ran after graceful cancellation")
			return pipeline.OK(nil)
		}),
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	outputs := g.Run(context.Background(), pctx, &pipeline.Ports{}, nil)
	if out := outputs["llm"]; out.Status != pipeline.StatusCanceled || out.Reason != pipeline.ReasonNoSpeech {
		t.Errorf("llm = %+v, want canceled[no_speech_detected]", out)
	}
	if !pctx.Canceled() {
		t.Error("pipeline context not marked canceled")
	}
	if pctx.String(pipeline.KeyCancelReason) != pipeline.ReasonNoSpeech {
		t.Errorf("cancel reason = %q", pctx.String(pipeline.KeyCancelReason))
	}
}

func TestGraph_ExternalCancelSeenMidRun(t *testing.T) {
	t.Parallel()

	pctx := newPctx()
	g, err := pipeline.NewGraph(
		stage("first", nil, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			pctx.Cancel()
			return pipeline.OK(nil)
		}),
		stage("second", []string{"first"}, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			t.Error("second ran after external cancel")
			return pipeline.OK(nil)
		}),
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	outputs := g.Run(context.Background(), pctx, &pipeline.Ports{}, nil)
	if outputs["second"].Status != pipeline.StatusCanceled {
		t.Errorf("second = %+v, want canceled", outputs["second"])
	}
}

func TestGraph_PanicContained(t *testing.T) {
	t.Parallel()

	g, err := pipeline.NewGraph(
		stage("panicky", nil, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			panic("boom")
		}),
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	outputs := g.Run(context.Background(), newPctx(), &pipeline.Ports{}, nil)
	out := outputs["panicky"]
	if out.Status != pipeline.StatusError || out.Err == nil {
		t.Errorf("panicky = %+v, want contained error", out)
	}
}

func TestGraph_ObserverSeesEveryStage(t *testing.T) {
	t.Parallel()

	g, err := pipeline.NewGraph(
		stage("a", nil, func(ctx context.Context, sc *pipeline.StageContext) pipeline.StageOutput {
			time.Sleep(5 * time.Millisecond)
			return pipeline.OK(nil)
		}),
		stage("b", []string{"a"}, nil),
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]time.Duration{}
	g.Run(context.Background(), newPctx(), &pipeline.Ports{}, func(name string, out pipeline.StageOutput, d time.Duration) {
		mu.Lock()
		seen[name] = d
		mu.Unlock()
	})

	if len(seen) != 2 {
		t.Fatalf("observer saw %d stages, want 2", len(seen))
	}
	if seen["a"] < 5*time.Millisecond {
		t.Errorf("duration for a = %v", seen["a"])
	}
}
