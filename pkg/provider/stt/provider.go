// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (a local whisper-server
// or the OpenAI audio API) and exposes a uniform unary interface: one
// completed utterance in, one transcription result out. The Result carries
// per-segment confidence metadata (no_speech_prob, avg_logprob) because the
// transcript gate downstream uses it to reject hallucinated output from
// silent or noisy recordings.
//
// Implementations must be safe for concurrent use; multiple utterances may be
// in flight at once across sessions.
package stt

import (
	"context"
	"time"
)

// Request describes one utterance to transcribe. Audio carries raw 16-bit
// signed little-endian PCM; SampleRate and Channels describe its format.
type Request struct {
	// Audio is the complete PCM recording of the utterance.
	Audio []byte

	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (client Opus decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (preferred by most
	// STT backends).
	Channels int

	// Language is the language code for recognition (e.g., "en", "de"). An
	// empty string lets the provider auto-detect, if supported.
	Language string

	// Prompt is an optional vocabulary hint passed to backends that support
	// conditioning (domain terms, skill names). Ignored otherwise.
	Prompt string

	// Model overrides the provider's default model for this request.
	Model string
}

// Segment is one provider-delimited span of the transcript with its
// confidence metadata.
type Segment struct {
	// Text is the transcribed content of this segment.
	Text string

	// Start and End delimit the segment within the utterance.
	Start time.Duration
	End   time.Duration

	// NoSpeechProb is the model's probability that the segment contains no
	// speech. High values on short transcripts indicate hallucination.
	NoSpeechProb float64

	// AvgLogProb is the mean log-probability of the segment's tokens. Strongly
	// negative values indicate low-confidence output.
	AvgLogProb float64
}

// Result is the outcome of transcribing one utterance.
type Result struct {
	// Text is the full transcript, whitespace-trimmed by the provider.
	Text string

	// Language is the detected or requested language code.
	Language string

	// Duration is the audio duration as reported by the backend. Zero when
	// the backend does not report it; callers fall back to the PCM length.
	Duration time.Duration

	// NoSpeechProb is the top-level no-speech probability when the backend
	// reports one. Zero otherwise; the per-segment values still apply.
	NoSpeechProb float64

	// Segments carries per-segment confidence detail. May be empty for
	// backends that only return plain text.
	Segments []Segment
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation promptly; the pipeline cancels in-flight transcriptions when a
// run is superseded.
type Provider interface {
	// Name returns the stable provider identifier used in breaker keys,
	// provider_calls rows, and events (e.g., "whisper", "openai").
	Name() string

	// Transcribe sends one complete utterance to the backend and returns the
	// transcription result. An empty-but-successful transcription returns a
	// Result with empty Text and a nil error; errors are reserved for
	// transport and backend failures.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
