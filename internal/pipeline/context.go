package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/types"
)

// Well-known data bag keys stamped by stages and read by the orchestrator
// for the terminal event and the pipeline_runs row.
const (
	KeyTTFTMs        = "ttft_ms"
	KeyTTFAMs        = "ttfa_ms"
	KeyTTFCMs        = "ttfc_ms"
	KeySTTCost       = "stt_cost"
	KeyLLMCost       = "llm_cost"
	KeyTTSCost       = "tts_cost"
	KeyInteractionID = "interaction_id"
	KeyCancelReason  = "cancel_reason"
	KeyStartedAt     = "started_at"
)

// PipelineContext is the run-scoped mutable state for one turn. Identity
// fields are fixed at creation; the data bag and the canceled flag are the
// only mutable parts.
//
// Safe for concurrent use by the stages of one run.
type PipelineContext struct {
	identity types.Identity
	topology string
	behavior types.Behavior
	skillIDs []string

	canceled atomic.Bool

	mu   sync.RWMutex
	data map[string]any
}

// NewPipelineContext creates the context for one run.
func NewPipelineContext(id types.Identity, topology string, behavior types.Behavior, skillIDs []string) *PipelineContext {
	return &PipelineContext{
		identity: id,
		topology: topology,
		behavior: behavior,
		skillIDs: skillIDs,
		data:     make(map[string]any),
	}
}

// Identity returns the run's identity.
func (p *PipelineContext) Identity() types.Identity { return p.identity }

// Topology returns the topology name.
func (p *PipelineContext) Topology() string { return p.topology }

// Behavior returns the run behavior.
func (p *PipelineContext) Behavior() types.Behavior { return p.behavior }

// Cancel flips the cooperative cancellation flag. Stages observe it at their
// next checkpoint; no IO is forcibly aborted.
func (p *PipelineContext) Cancel() { p.canceled.Store(true) }

// Canceled reports whether the run was canceled.
func (p *PipelineContext) Canceled() bool { return p.canceled.Load() }

// Put stores a value in the run's data bag.
func (p *PipelineContext) Put(key string, v any) {
	p.mu.Lock()
	p.data[key] = v
	p.mu.Unlock()
}

// Value reads a value from the data bag.
func (p *PipelineContext) Value(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key]
	return v, ok
}

// Int64 reads an int64 bag value, 0 when absent.
func (p *PipelineContext) Int64(key string) int64 {
	if v, ok := p.Value(key); ok {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

// Float64 reads a float64 bag value, 0 when absent.
func (p *PipelineContext) Float64(key string) float64 {
	if v, ok := p.Value(key); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// String reads a string bag value, "" when absent.
func (p *PipelineContext) String(key string) string {
	if v, ok := p.Value(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AddFloat64 accumulates into a float64 bag value (per-modality costs).
func (p *PipelineContext) AddFloat64(key string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, _ := p.data[key].(float64)
	p.data[key] = cur + delta
}

// Snapshot is the immutable projection of a PipelineContext handed to
// stages. Copy semantics keep identity fields out of reach of stage code.
type Snapshot struct {
	Identity types.Identity
	Topology string
	Behavior types.Behavior
	SkillIDs []string
}

// Snapshot builds the immutable projection.
func (p *PipelineContext) Snapshot() Snapshot {
	return Snapshot{
		Identity: p.identity,
		Topology: p.topology,
		Behavior: p.behavior,
		SkillIDs: append([]string(nil), p.skillIDs...),
	}
}

// AudioChunk is one synthesized audio fragment dispatched to the client.
type AudioChunk struct {
	Data       []byte
	Format     string
	DurationMs int64
	IsFinal    bool
	IsFiller   bool
}

// EventEmitter is the per-run event logger surface stages use.
type EventEmitter interface {
	Emit(eventType string, data map[string]any)
}

// Ports are the typed callbacks a stage may write through. All callbacks are
// optional; nil means the topology has no consumer for that output (e.g. no
// audio in chat pipelines).
type Ports struct {
	// SendToken forwards one LLM token to the client.
	SendToken func(token string, isComplete bool)

	// SendStatus forwards a status.update to the client.
	SendStatus func(service, status string, metadata map[string]any)

	// SendAudio forwards one synthesized audio chunk to the client.
	SendAudio func(chunk AudioChunk)

	// Events is the run's event logger.
	Events EventEmitter

	// PartialText is the bounded LLM to TTS hand-off queue. Nil outside
	// voice topologies.
	PartialText *PartialTextQueue
}

// Token sends a token if the port is wired.
func (p *Ports) Token(token string, isComplete bool) {
	if p != nil && p.SendToken != nil {
		p.SendToken(token, isComplete)
	}
}

// Status sends a status update if the port is wired.
func (p *Ports) Status(service, status string, metadata map[string]any) {
	if p != nil && p.SendStatus != nil {
		p.SendStatus(service, status, metadata)
	}
}

// Audio sends an audio chunk if the port is wired.
func (p *Ports) Audio(chunk AudioChunk) {
	if p != nil && p.SendAudio != nil {
		p.SendAudio(chunk)
	}
}

// Emit emits a pipeline event if the port is wired.
func (p *Ports) Emit(eventType string, data map[string]any) {
	if p != nil && p.Events != nil {
		p.Events.Emit(eventType, data)
	}
}

// StageContext is the per-stage view of a run: the immutable snapshot, the
// resolved upstream inputs, and the output ports.
type StageContext struct {
	// Snapshot is the immutable run projection.
	Snapshot Snapshot

	// Inputs holds the outputs of this stage's dependencies, keyed by stage
	// name. Only ok outputs carry data.
	Inputs map[string]StageOutput

	// Ports are the stage's write capabilities.
	Ports *Ports

	pctx *PipelineContext
}

// Canceled reports whether the run was canceled. Stages must consult this at
// every suspension point.
func (sc *StageContext) Canceled() bool { return sc.pctx.Canceled() }

// Put writes to the run's shared data bag.
func (sc *StageContext) Put(key string, v any) { sc.pctx.Put(key, v) }

// AddCost accumulates a per-modality cost in the data bag.
func (sc *StageContext) AddCost(key string, delta float64) { sc.pctx.AddFloat64(key, delta) }

// Value reads from the run's shared data bag.
func (sc *StageContext) Value(key string) (any, bool) { return sc.pctx.Value(key) }

// SinceStart returns the elapsed wall time since the orchestrator started the
// run. Stages use it to stamp the first-token, first-chunk, and first-audio
// latencies.
func (sc *StageContext) SinceStart() time.Duration {
	if v, ok := sc.pctx.Value(KeyStartedAt); ok {
		if t, ok := v.(time.Time); ok {
			return time.Since(t)
		}
	}
	return 0
}

// Input returns a named data field from one dependency's output.
func (sc *StageContext) Input(stage, key string) (any, bool) {
	out, ok := sc.Inputs[stage]
	if !ok || out.Status != StatusOK || out.Data == nil {
		return nil, false
	}
	v, ok := out.Data[key]
	return v, ok
}

// InputString returns a string data field from one dependency's output.
func (sc *StageContext) InputString(stage, key string) string {
	if v, ok := sc.Input(stage, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
