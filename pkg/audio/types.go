package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// voice ingest path. Frames are the atomic unit of audio transport — decoded
// from client Opus chunks, normalised to the STT input format, and buffered
// per recording until the utterance ends.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for client Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
