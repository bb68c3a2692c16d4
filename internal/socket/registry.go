package socket

import (
	"fmt"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/pkg/audio"
)

// Audio formats accepted on voice.start.
const (
	FormatOpus  = "opus"
	FormatPCM16 = "pcm16"
)

// pipelineSampleRate is the PCM rate the STT stage expects.
const pipelineSampleRate = 16000

// RecordingState buffers one user's utterance between voice.start and
// voice.end. Opus chunks are decoded as they arrive so voice.end only has to
// resample.
type RecordingState struct {
	SessionID string
	RequestID string
	SkillIDs  []string
	StartedAt time.Time

	format  string
	decoder *audio.OpusDecoder
	pcm     []byte
	chunks  int
}

// newRecordingState creates the per-utterance buffer. Unknown formats are a
// client error.
func newRecordingState(format string) (*RecordingState, error) {
	switch format {
	case FormatOpus:
		dec, err := audio.NewOpusDecoder(1)
		if err != nil {
			return nil, err
		}
		return &RecordingState{format: format, decoder: dec, StartedAt: time.Now()}, nil
	case FormatPCM16:
		return &RecordingState{format: format, StartedAt: time.Now()}, nil
	default:
		return nil, fmt.Errorf("socket: unsupported audio format %q", format)
	}
}

// Append decodes and buffers one inbound chunk.
func (r *RecordingState) Append(chunk []byte) error {
	if r.format == FormatOpus {
		pcm, err := r.decoder.Decode(chunk)
		if err != nil {
			return err
		}
		r.pcm = append(r.pcm, pcm...)
	} else {
		r.pcm = append(r.pcm, chunk...)
	}
	r.chunks++
	return nil
}

// PCM returns the buffered utterance as 16 kHz mono PCM.
func (r *RecordingState) PCM() []byte {
	if r.format != FormatOpus {
		return r.pcm
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: pipelineSampleRate, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{
		Data:       r.pcm,
		SampleRate: audio.OpusSampleRate,
		Channels:   r.decoder.Channels(),
	})
	return out.Data
}

// Chunks returns how many chunks were appended.
func (r *RecordingState) Chunks() int { return r.chunks }

// ConnectionRegistry owns the per-user mutable state of the socket layer:
// open recordings, active pipeline contexts, and audio chunks that arrived
// before voice.start. The kernel receives handles, never the maps.
type ConnectionRegistry struct {
	mu         sync.Mutex
	recordings map[string]*RecordingState
	pipelines  map[string]*pipeline.PipelineContext
	pending    map[string][][]byte
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		recordings: make(map[string]*RecordingState),
		pipelines:  make(map[string]*pipeline.PipelineContext),
		pending:    make(map[string][][]byte),
	}
}

// StartRecording opens a recording for userID, replacing any previous one and
// flushing chunks buffered before voice.start.
func (c *ConnectionRegistry) StartRecording(userID string, rec *RecordingState) error {
	c.mu.Lock()
	buffered := c.pending[userID]
	delete(c.pending, userID)
	c.recordings[userID] = rec
	c.mu.Unlock()

	for _, chunk := range buffered {
		if err := rec.Append(chunk); err != nil {
			return err
		}
	}
	return nil
}

// AppendChunk routes one audio chunk to the user's open recording. Chunks
// arriving before voice.start are held in the pending buffer.
func (c *ConnectionRegistry) AppendChunk(userID string, chunk []byte) error {
	c.mu.Lock()
	rec, ok := c.recordings[userID]
	if !ok {
		c.pending[userID] = append(c.pending[userID], chunk)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return rec.Append(chunk)
}

// EndRecording closes and returns the user's recording.
func (c *ConnectionRegistry) EndRecording(userID string) (*RecordingState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recordings[userID]
	delete(c.recordings, userID)
	return rec, ok
}

// DropRecording discards the user's recording and any pending chunks.
func (c *ConnectionRegistry) DropRecording(userID string) {
	c.mu.Lock()
	delete(c.recordings, userID)
	delete(c.pending, userID)
	c.mu.Unlock()
}

// SetPipeline records the user's active pipeline context for barge-in.
func (c *ConnectionRegistry) SetPipeline(userID string, pctx *pipeline.PipelineContext) {
	c.mu.Lock()
	c.pipelines[userID] = pctx
	c.mu.Unlock()
}

// ClearPipeline removes the user's active pipeline context.
func (c *ConnectionRegistry) ClearPipeline(userID string) {
	c.mu.Lock()
	delete(c.pipelines, userID)
	c.mu.Unlock()
}

// CancelPipeline flips the cancellation flag on the user's active pipeline.
// It reports whether a pipeline was active.
func (c *ConnectionRegistry) CancelPipeline(userID string) bool {
	c.mu.Lock()
	pctx, ok := c.pipelines[userID]
	c.mu.Unlock()
	if ok {
		pctx.Cancel()
	}
	return ok
}
