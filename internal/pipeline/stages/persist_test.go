package stages_test

import (
	"errors"
	"testing"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

func TestPersistUser_UsesTranscriptFromSTT(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewPersistUser(st, nil, "", stages.StageSTT)
	stub := &stubStage{name: stages.StageSTT, out: pipeline.OK(map[string]any{"text": "I tried the new opener"})}

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), (&portRecorder{}).ports(&captureEmitter{}, nil), s, stub)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}

	rows := st.rows()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Role != types.RoleUser || rows[0].Content != "I tried the new opener" {
		t.Errorf("row = %+v", rows[0])
	}
	if rows[0].SessionID != "sess-1" || rows[0].UserID != "user-1" {
		t.Errorf("identity on row = %+v", rows[0])
	}
	if id, _ := out.Data["interaction_id"].(string); id == "" {
		t.Error("interaction_id missing from output")
	}
}

func TestPersistUser_TypedTextWithoutSTT(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewPersistUser(st, nil, "typed message")

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), (&portRecorder{}).ports(&captureEmitter{}, nil), s)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	rows := st.rows()
	if len(rows) != 1 || rows[0].Content != "typed message" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestPersistUser_EmptyMessageSkips(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewPersistUser(st, nil, "")

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), (&portRecorder{}).ports(&captureEmitter{}, nil), s)
	if out.Status != pipeline.StatusSkipped || out.Reason != "empty_message" {
		t.Fatalf("output = %+v, want skipped[empty_message]", out)
	}
	if len(st.rows()) != 0 {
		t.Error("row inserted for an empty message")
	}
}

func TestPersistUser_InsertFailureFailsStage(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{insertErr: errors.New("pq: connection refused")}
	s := stages.NewPersistUser(st, nil, "hello")

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), (&portRecorder{}).ports(&captureEmitter{}, nil), s)
	if out.Status != pipeline.StatusError {
		t.Fatalf("output = %+v", out)
	}
}

func TestPersistAssistant_RecordsReplyAndRunInteraction(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewPersistAssistant(st, nil)
	stub := &stubStage{name: stages.StageLLMStream, out: pipeline.OK(map[string]any{"reply": "Great progress today."})}

	pctx := newPctx("chat_typed", types.BehaviorFast)
	out := runSingle(t, pctx, (&portRecorder{}).ports(&captureEmitter{}, nil), s, stub)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}

	rows := st.rows()
	if len(rows) != 1 || rows[0].Role != types.RoleAssistant || rows[0].Content != "Great progress today." {
		t.Errorf("rows = %+v", rows)
	}
	v, ok := pctx.Value(pipeline.KeyInteractionID)
	if !ok || v.(string) != rows[0].ID {
		t.Errorf("run interaction id = %v, want %s", v, rows[0].ID)
	}
}

func TestPersistAssistant_EmptyReplySkips(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewPersistAssistant(st, nil)
	stub := &stubStage{name: stages.StageLLMStream, out: pipeline.OK(nil)}

	out := runSingle(t, newPctx("chat_typed", types.BehaviorFast), (&portRecorder{}).ports(&captureEmitter{}, nil), s, stub)
	if out.Status != pipeline.StatusSkipped || out.Reason != "empty_reply" {
		t.Fatalf("output = %+v, want skipped[empty_reply]", out)
	}
}

func TestBackfillIDs_LinksAssessmentsToUserTurn(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewBackfillIDs(st, nil)
	user := &stubStage{name: stages.StagePersistUser, out: pipeline.OK(map[string]any{"interaction_id": "u-1"})}
	assistant := &stubStage{name: stages.StagePersistAssistant, out: pipeline.OK(map[string]any{"interaction_id": "a-1"})}

	pctx := newPctx("voice_accurate", types.BehaviorAccurate)
	pctx.Put("assessment_id", "as-1")

	out := runSingle(t, pctx, (&portRecorder{}).ports(&captureEmitter{}, nil), s, user, assistant)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if len(st.backfilledIDs) != 1 || st.backfilledIDs[0] != "as-1" {
		t.Errorf("backfilled ids = %v", st.backfilledIDs)
	}
	if st.backfilledTarget != "u-1" {
		t.Errorf("backfill target = %q, want the user interaction", st.backfilledTarget)
	}
}

func TestBackfillIDs_NothingPersistedSkips(t *testing.T) {
	t.Parallel()

	st := &fakeTurnStore{}
	s := stages.NewBackfillIDs(st, nil)
	user := &stubStage{name: stages.StagePersistUser, out: pipeline.OK(nil)}
	assistant := &stubStage{name: stages.StagePersistAssistant, out: pipeline.OK(nil)}

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), (&portRecorder{}).ports(&captureEmitter{}, nil), s, user, assistant)
	if out.Status != pipeline.StatusSkipped || out.Reason != "nothing_persisted" {
		t.Fatalf("output = %+v, want skipped[nothing_persisted]", out)
	}
}
