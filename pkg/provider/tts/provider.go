// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs or a local
// Coqui server) behind a uniform unary interface: one sanitised text chunk
// in, one encoded audio buffer out. The incremental synthesis stage calls
// Synthesize once per extracted sentence so audio for the first sentence can
// reach the client while the LLM is still generating the rest of the reply.
//
// Implementations must be safe for concurrent use; multiple chunks may be
// synthesised in parallel across sessions.
package tts

import (
	"context"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/types"
)

// Result is the outcome of synthesising one text chunk.
type Result struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// Format identifies the encoding of Audio (e.g., "pcm_16000", "mp3_44100_128").
	Format string

	// Duration is the audio duration when the backend reports it or it can be
	// derived from the PCM length. Zero otherwise.
	Duration time.Duration
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation promptly; the pipeline cancels in-flight synthesis when a run
// is superseded by barge-in.
type Provider interface {
	// Name returns the stable provider identifier used in breaker keys,
	// provider_calls rows, and events (e.g., "elevenlabs", "coqui").
	Name() string

	// Synthesize converts one sanitised text chunk into audio using the given
	// voice. voice.ID selects the provider-specific voice; voice.SpeedFactor
	// adjusts speaking rate where the backend supports it.
	//
	// An empty text chunk returns an empty Result and a nil error.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (*Result, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
