package stages_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/internal/transcript"
	"github.com/cadenza-ai/cadenza/internal/transcript/phonetic"
	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
	sttmock "github.com/cadenza-ai/cadenza/pkg/provider/stt/mock"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

func sttParams() stages.STTParams {
	return stages.STTParams{
		Audio:      make([]byte, 32000), // one second of 16kHz mono PCM
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
		Model:      "whisper-1",
	}
}

func TestSTT_TranscribesAndReportsDuration(t *testing.T) {
	t.Parallel()

	prov := &sttmock.Provider{Result: &stt.Result{
		Text:     "I practiced active listening today",
		Duration: 2 * time.Second,
	}}
	em := &captureEmitter{}
	rec := &portRecorder{}
	st := stages.NewSTT(prov, transcript.NewGate(), nil, newBreakers(), nil, sttParams())

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), rec.ports(em, nil), st)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if got := out.Data["text"]; got != "I practiced active listening today" {
		t.Errorf("text = %v", got)
	}
	if got := out.Data["duration_ms"]; got != int64(2000) {
		t.Errorf("duration_ms = %v", got)
	}
	if _, ok := em.find("stt.completed"); !ok {
		t.Error("stt.completed not emitted")
	}
}

func TestSTT_FilteredTranscriptCancelsRun(t *testing.T) {
	t.Parallel()

	prov := &sttmock.Provider{Result: &stt.Result{
		Text:         "thanks for watching",
		NoSpeechProb: 0.9,
	}}
	em := &captureEmitter{}
	rec := &portRecorder{}
	st := stages.NewSTT(prov, transcript.NewGate(), nil, newBreakers(), nil, sttParams())

	pctx := newPctx("voice_fast", types.BehaviorFast)
	out := runSingle(t, pctx, rec.ports(em, nil), st)
	if out.Status != pipeline.StatusCanceled || out.Reason != pipeline.ReasonNoSpeech {
		t.Fatalf("output = %+v, want canceled[no_speech_detected]", out)
	}
	if data, ok := em.find("stt.transcript_filtered"); !ok {
		t.Error("stt.transcript_filtered not emitted")
	} else if data["reason"] == "" {
		t.Errorf("filter reason missing: %v", data)
	}
	if !pctx.Canceled() {
		t.Error("run not marked canceled")
	}
}

func TestSTT_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	prov := &sttmock.Provider{
		Errs:    []error{errors.New("whisper: connection reset by peer"), nil},
		Results: []*stt.Result{nil, {Text: "second try worked"}},
	}
	em := &captureEmitter{}
	rec := &portRecorder{}
	st := stages.NewSTT(prov, transcript.NewGate(), nil, newBreakers(), nil, sttParams())

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), rec.ports(em, nil), st)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	if prov.CallCount() != 2 {
		t.Errorf("transcribe calls = %d, want 2", prov.CallCount())
	}
	if got := out.Data["text"]; got != "second try worked" {
		t.Errorf("text = %v", got)
	}
}

func TestSTT_NonTransientFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	prov := &sttmock.Provider{Err: errors.New("whisper: invalid audio encoding")}
	rec := &portRecorder{}
	st := stages.NewSTT(prov, transcript.NewGate(), nil, newBreakers(), nil, sttParams())

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), rec.ports(&captureEmitter{}, nil), st)
	if out.Status != pipeline.StatusError {
		t.Fatalf("output = %+v", out)
	}
	if prov.CallCount() != 1 {
		t.Errorf("transcribe calls = %d, want 1", prov.CallCount())
	}
}

func TestSTT_BreakerOpenDegradesRun(t *testing.T) {
	t.Parallel()

	prov := &sttmock.Provider{ProviderName: "whisper"}
	breakers := newBreakers()
	tripBreaker(t, breakers, resilience.Key{Operation: types.OpSTT, Provider: "whisper", Model: "whisper-1"})

	em := &captureEmitter{}
	rec := &portRecorder{}
	st := stages.NewSTT(prov, transcript.NewGate(), nil, breakers, nil, sttParams())

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), rec.ports(em, nil), st)
	if out.Status != pipeline.StatusError || !out.Degraded {
		t.Fatalf("output = %+v, want degraded error", out)
	}
	if data, ok := em.find("stt.breaker.denied"); !ok {
		t.Error("stt.breaker.denied not emitted")
	} else if data["reason"] != "circuit_open" {
		t.Errorf("denial payload = %v", data)
	}
	if len(rec.statuses) != 1 || rec.statuses[0] != "stt=degraded" {
		t.Errorf("statuses = %v", rec.statuses)
	}
	if prov.CallCount() != 0 {
		t.Error("provider called despite open breaker")
	}
}

func TestSTT_CorrectsMisheardSkillNames(t *testing.T) {
	t.Parallel()

	skills := []store.Skill{{ID: "s1", UserID: "user-1", Name: "active listening"}}
	prov := &sttmock.Provider{Result: &stt.Result{Text: "I worked on aktiv lissening this week"}}
	em := &captureEmitter{}
	rec := &portRecorder{}
	corrector := transcript.NewSkillCorrector(phonetic.New())

	p := sttParams()
	p.Skills = skills
	st := stages.NewSTT(prov, transcript.NewGate(), corrector, newBreakers(), nil, p)

	out := runSingle(t, newPctx("voice_fast", types.BehaviorFast), rec.ports(em, nil), st)
	if out.Status != pipeline.StatusOK {
		t.Fatalf("output = %+v", out)
	}
	text, _ := out.Data["text"].(string)
	if text != "I worked on active listening this week" {
		t.Errorf("corrected text = %q", text)
	}
	if data, ok := em.find("stt.transcript_corrected"); !ok {
		t.Error("stt.transcript_corrected not emitted")
	} else if data["to"] != "active listening" {
		t.Errorf("correction payload = %v", data)
	}
}
