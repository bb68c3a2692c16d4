package transcript_test

import (
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/transcript"
	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
)

func result(text string, noSpeech float64, dur time.Duration, segs ...stt.Segment) *stt.Result {
	return &stt.Result{
		Text:         text,
		NoSpeechProb: noSpeech,
		Duration:     dur,
		Segments:     segs,
	}
}

func TestGate_KeepsNormalSpeech(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	r := result("I had a hard conversation with my report today", 0.05, 4*time.Second,
		stt.Segment{Text: "I had a hard conversation with my report today", NoSpeechProb: 0.05, AvgLogProb: -0.2},
	)
	got := g.Evaluate(r)
	if !got.Keep {
		t.Fatalf("normal speech dropped: %+v", got)
	}
}

func TestGate_DropsHighNoSpeech(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	r := result("the quiet hum of the refrigerator", 0.85, 2*time.Second)
	got := g.Evaluate(r)
	if got.Keep {
		t.Fatal("high no-speech transcript kept")
	}
	if got.Reason != transcript.ReasonNoSpeechGate {
		t.Errorf("reason = %q, want no_speech_prob_gate", got.Reason)
	}
}

func TestGate_GreetingExemption(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	tests := []struct {
		text string
		keep bool
	}{
		{"Hello there", true},
		{"hi", true},
		{"Hey, can you hear me?", true},
		{"um hello", true}, // filler before the greeting is skipped
		{"good morning", false},
	}
	for _, tc := range tests {
		r := result(tc.text, 0.75, 2*time.Second)
		got := g.Evaluate(r)
		if got.Keep != tc.keep {
			t.Errorf("Evaluate(%q with no_speech 0.75): keep=%v, want %v", tc.text, got.Keep, tc.keep)
		}
	}
}

func TestGate_WorstSegmentDominates(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	// Top-level probability is low but one segment is almost certainly
	// silence: the effective probability is the max of the two.
	r := result("random noise words", 0.1, 2*time.Second,
		stt.Segment{Text: "random", NoSpeechProb: 0.1},
		stt.Segment{Text: "noise words", NoSpeechProb: 0.9},
	)
	got := g.Evaluate(r)
	if got.Keep {
		t.Fatal("transcript with a near-silent segment kept")
	}
	if got.Reason != transcript.ReasonNoSpeechGate {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestGate_UnconditionalPhrases(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	// Dropped even with clean audio and long duration.
	for _, text := range []string{
		"Thanks for watching!",
		"Subtitles by the community",
		"Transcript",
	} {
		r := result(text, 0.0, 10*time.Second,
			stt.Segment{Text: text, NoSpeechProb: 0.0, AvgLogProb: -0.1},
		)
		got := g.Evaluate(r)
		if got.Keep {
			t.Errorf("Evaluate(%q): kept, want hallucinated_phrase drop", text)
		} else if got.Reason != transcript.ReasonHallucinatedPhrase {
			t.Errorf("Evaluate(%q): reason = %q", text, got.Reason)
		}
	}
}

func TestGate_CommonPhraseNeedsSilenceOrShortAudio(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	// "Thank you." over likely silence is a classic hallucination.
	silent := result("Thank you.", 0.45, 5*time.Second,
		stt.Segment{Text: "Thank you.", NoSpeechProb: 0.45, AvgLogProb: -0.5},
	)
	if got := g.Evaluate(silent); got.Keep {
		t.Error("common phrase over likely silence kept")
	}

	// Same phrase over short audio is also dropped.
	short := result("Thank you.", 0.1, 2*time.Second,
		stt.Segment{Text: "Thank you.", NoSpeechProb: 0.1, AvgLogProb: -0.2},
	)
	if got := g.Evaluate(short); got.Keep {
		t.Error("common phrase over short audio kept")
	}

	// Same phrase over long, clearly voiced audio is legitimate speech.
	voiced := result("Thank you.", 0.05, 5*time.Second,
		stt.Segment{Text: "Thank you.", NoSpeechProb: 0.05, AvgLogProb: -0.2},
	)
	if got := g.Evaluate(voiced); !got.Keep {
		t.Errorf("legitimate thank-you dropped: %+v", got)
	}
}

func TestGate_CommonPhraseNoSegmentsMeansSilenceLikely(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	// A response with no segment data is treated as likely silence.
	r := result("Thank you.", 0.0, 5*time.Second)
	if got := g.Evaluate(r); got.Keep {
		t.Error("common phrase without segments kept")
	}
}

func TestGate_ShortLowConfidence(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	r := result("La", 0.2, 4*time.Second,
		stt.Segment{Text: "La", NoSpeechProb: 0.2, AvgLogProb: -1.6},
	)
	got := g.Evaluate(r)
	if got.Keep {
		t.Fatal("short low-logprob transcript kept")
	}
	if got.Reason != transcript.ReasonLowConfidenceShort {
		t.Errorf("reason = %q, want low_confidence_short", got.Reason)
	}

	// Same length with healthy logprob survives.
	ok := result("Yes", 0.2, 4*time.Second,
		stt.Segment{Text: "Yes", NoSpeechProb: 0.2, AvgLogProb: -0.3},
	)
	if got := g.Evaluate(ok); !got.Keep {
		t.Errorf("healthy short answer dropped: %+v", got)
	}
}

func TestGate_EmptyText(t *testing.T) {
	t.Parallel()
	g := transcript.NewGate()

	if got := g.Evaluate(result("   ", 0.0, time.Second)); got.Keep {
		t.Error("blank transcript kept")
	}
}
