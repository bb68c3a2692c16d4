// Package transcript post-processes raw STT output before it enters the
// pipeline: the hallucination gate drops transcripts that Whisper-style
// models invent on near-silent audio, and the skill corrector repairs
// mis-heard skill names so triage and assessment see canonical spellings.
package transcript

import (
	"strings"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
)

// FilterReason identifies why a transcript was dropped by the gate.
type FilterReason string

const (
	// ReasonNoSpeechGate means the no-speech probability exceeded the gate
	// threshold and the transcript did not open with a greeting.
	ReasonNoSpeechGate FilterReason = "no_speech_prob_gate"

	// ReasonHallucinatedPhrase means the transcript matched a known
	// hallucination phrase.
	ReasonHallucinatedPhrase FilterReason = "hallucinated_phrase"

	// ReasonLowConfidenceShort means the transcript was very short with a
	// strongly negative average log-probability.
	ReasonLowConfidenceShort FilterReason = "low_confidence_short"
)

// GateResult is the outcome of evaluating one transcript.
type GateResult struct {
	// Keep is true when the transcript should enter the pipeline.
	Keep bool

	// Reason is set when Keep is false.
	Reason FilterReason
}

// greetings are exempt from the no-speech gate: a user saying a short "hi"
// over a noisy line should not be silently dropped.
var greetings = map[string]struct{}{
	"hello": {},
	"hi":    {},
	"hey":   {},
}

// fillerPrefixes are skipped when locating the first meaningful token.
var fillerPrefixes = map[string]struct{}{
	"um": {}, "uh": {}, "erm": {}, "hmm": {},
}

// unconditionalPhrases are dropped whenever the whole transcript matches,
// regardless of audio characteristics. These are the classic Whisper
// training-data artifacts.
var unconditionalPhrases = []string{
	"thanks for watching",
	"subtitles by",
	"transcript",
}

// commonPhrases are dropped only when silence is likely or the audio is very
// short; they can also be legitimate speech.
var commonPhrases = []string{
	"thank you",
	"thank you.",
	"thanks for watching",
	"subtitles by",
	"you",
	"bye",
	"bye.",
	"okay",
}

const (
	defaultNoSpeechThreshold = 0.6
	defaultSilenceLikely     = 0.3
	defaultShortAudio        = 3000 * time.Millisecond
	defaultShortAvgLogProb   = -1.0
	defaultShortTextLen      = 3
)

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithNoSpeechThreshold sets the effective no-speech probability above which
// non-greeting transcripts are dropped. Default: 0.6.
func WithNoSpeechThreshold(v float64) GateOption {
	return func(g *Gate) { g.noSpeechThreshold = v }
}

// WithSilenceLikelyThreshold sets the effective no-speech probability above
// which common hallucination phrases are dropped. Default: 0.3.
func WithSilenceLikelyThreshold(v float64) GateOption {
	return func(g *Gate) { g.silenceLikely = v }
}

// Gate is the hallucination gate applied to every voice transcript.
// A Gate is read-only after construction and safe for concurrent use.
type Gate struct {
	noSpeechThreshold float64
	silenceLikely     float64
	shortAudio        time.Duration
	shortAvgLogProb   float64
}

// NewGate returns a Gate with default thresholds, adjusted by opts.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		noSpeechThreshold: defaultNoSpeechThreshold,
		silenceLikely:     defaultSilenceLikely,
		shortAudio:        defaultShortAudio,
		shortAvgLogProb:   defaultShortAvgLogProb,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate decides whether a transcript should enter the pipeline.
//
// The checks run in order:
//
//  1. Effective no-speech probability above the gate threshold drops the
//     transcript unless its first non-filler token is a greeting.
//  2. Known hallucination phrases are dropped: the unconditional list on any
//     whole-phrase match, the common list only when silence is likely or the
//     audio is at most 3 seconds long.
//  3. Very short transcripts with strongly negative average log-probability
//     are dropped as low-confidence.
func (g *Gate) Evaluate(r *stt.Result) GateResult {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return GateResult{Keep: false, Reason: ReasonNoSpeechGate}
	}

	effective := effectiveNoSpeechProb(r)

	// 1. No-speech gate with greeting exemption.
	if effective > g.noSpeechThreshold && !startsWithGreeting(text) {
		return GateResult{Keep: false, Reason: ReasonNoSpeechGate}
	}

	// 2. Phrase filters.
	normalized := normalizePhrase(text)
	for _, p := range unconditionalPhrases {
		if normalized == p || strings.HasPrefix(normalized, p) {
			return GateResult{Keep: false, Reason: ReasonHallucinatedPhrase}
		}
	}
	silenceLikely := effective > g.silenceLikely || len(r.Segments) == 0
	if silenceLikely || r.Duration <= g.shortAudio {
		for _, p := range commonPhrases {
			if normalized == normalizePhrase(p) {
				return GateResult{Keep: false, Reason: ReasonHallucinatedPhrase}
			}
		}
	}

	// 3. Short low-confidence drop.
	if len(normalized) <= defaultShortTextLen && minAvgLogProb(r) < g.shortAvgLogProb {
		return GateResult{Keep: false, Reason: ReasonLowConfidenceShort}
	}

	return GateResult{Keep: true}
}

// effectiveNoSpeechProb is the max of the top-level probability and the worst
// segment.
func effectiveNoSpeechProb(r *stt.Result) float64 {
	eff := r.NoSpeechProb
	for _, seg := range r.Segments {
		if seg.NoSpeechProb > eff {
			eff = seg.NoSpeechProb
		}
	}
	return eff
}

// minAvgLogProb returns the most negative segment average log-probability,
// or 0 when no segments carry one.
func minAvgLogProb(r *stt.Result) float64 {
	var min float64
	for _, seg := range r.Segments {
		if seg.AvgLogProb < min {
			min = seg.AvgLogProb
		}
	}
	return min
}

// startsWithGreeting reports whether the first non-filler token of text is a
// recognised greeting.
func startsWithGreeting(text string) bool {
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(tok, ".,!?;:")
		if _, filler := fillerPrefixes[word]; filler {
			continue
		}
		_, ok := greetings[word]
		return ok
	}
	return false
}

// normalizePhrase lowercases and strips trailing punctuation for phrase
// comparison.
func normalizePhrase(text string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(text)), ".,!? ")
}
