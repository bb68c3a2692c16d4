package pipeline_test

import (
	"testing"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
)

func kindStage(name string, kind pipeline.Kind, triggers ...string) *testStage {
	return &testStage{info: pipeline.Info{Name: name, Kind: kind, Triggers: triggers}}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := pipeline.NewRegistry()
	if err := r.Register(kindStage("stt", pipeline.KindTransform)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(kindStage("stt", pipeline.KindTransform)); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := r.Register(kindStage("", pipeline.KindTransform)); err == nil {
		t.Error("empty name accepted")
	}

	if _, ok := r.Lookup("stt"); !ok {
		t.Error("registered stage not found")
	}
	if _, ok := r.Lookup("ghost"); ok {
		t.Error("unregistered stage found")
	}
}

func TestRegistry_ByKindAndTrigger(t *testing.T) {
	t.Parallel()

	r := pipeline.NewRegistry()
	for _, s := range []*testStage{
		kindStage("summarise", pipeline.KindWork, "interaction_persisted"),
		kindStage("assessment", pipeline.KindAgent, "interaction_persisted"),
		kindStage("guard_input", pipeline.KindGuard),
	} {
		if err := r.Register(s); err != nil {
			t.Fatalf("Register %s: %v", s.info.Name, err)
		}
	}

	work := r.ByKind(pipeline.KindWork)
	if len(work) != 1 || work[0].Info().Name != "summarise" {
		t.Errorf("ByKind(work) = %v", names(work))
	}

	triggered := r.ByTrigger("interaction_persisted")
	if len(triggered) != 2 {
		t.Fatalf("ByTrigger = %v", names(triggered))
	}
	// sorted by name
	if triggered[0].Info().Name != "assessment" || triggered[1].Info().Name != "summarise" {
		t.Errorf("ByTrigger order = %v", names(triggered))
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	t.Parallel()

	r := pipeline.NewRegistry()
	r.MustRegister(kindStage("persist_user", pipeline.KindWork))

	defer func() {
		if recover() == nil {
			t.Error("MustRegister did not panic on duplicate")
		}
	}()
	r.MustRegister(kindStage("persist_user", pipeline.KindWork))
}

func names(stages []pipeline.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Info().Name
	}
	return out
}
