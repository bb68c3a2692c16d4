package stages

import (
	"fmt"

	"github.com/cadenza-ai/cadenza/internal/assess"
	"github.com/cadenza-ai/cadenza/internal/chatctx"
	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/policy"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/internal/transcript"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// Topology names.
const (
	TopologyVoiceFast           = "voice_fast"
	TopologyVoiceAccurate       = "voice_accurate"
	TopologyVoiceAccurateFiller = "voice_accurate_filler"
	TopologyChatFast            = "chat_fast"
	TopologyChatAccurate        = "chat_accurate"
	TopologyChatTyped           = "chat_typed"
)

// TurnStore combines the store slices the per-turn stages write.
type TurnStore interface {
	InteractionStore
	SummaryStore
}

// Factory builds runnable stage graphs for every topology. Long-lived
// collaborators are injected once; per-turn inputs arrive in the
// [TurnRequest].
type Factory struct {
	store      TurnStore
	sttProv    stt.Provider
	llmPrimary llm.Provider
	llmBackup  llm.Provider
	ttsProv    tts.Provider

	prefetcher *chatctx.Prefetcher
	indexer    *chatctx.Indexer
	builder    *chatctx.Builder
	assessor   *assess.Assessor
	gateway    *policy.Gateway
	guardrails *policy.Guardrails
	breakers   *resilience.Registry
	calls      *events.ProviderCallLogger
	gate       *transcript.Gate
	corrector  *transcript.SkillCorrector

	llmModel       string
	llmBackupModel string
	sttModel       string
	voice          types.VoiceProfile
	temperature    float64
	maxTokens      int
	triageModel    string
}

// FactoryParams carries the long-lived collaborators for [NewFactory].
// Assessor, Gateway, Guardrails, Backup, and Calls may be nil to disable the
// corresponding feature.
type FactoryParams struct {
	Store      TurnStore
	STT        stt.Provider
	LLM        llm.Provider
	LLMBackup  llm.Provider
	TTS        tts.Provider
	Prefetcher *chatctx.Prefetcher
	Indexer    *chatctx.Indexer
	Builder    *chatctx.Builder
	Assessor   *assess.Assessor
	Gateway    *policy.Gateway
	Guardrails *policy.Guardrails
	Breakers   *resilience.Registry
	Calls      *events.ProviderCallLogger
	Gate       *transcript.Gate
	Corrector  *transcript.SkillCorrector

	LLMModel       string
	LLMBackupModel string
	STTModel       string
	TriageModel    string
	Voice          types.VoiceProfile
	Temperature    float64
	MaxTokens      int
}

// NewFactory wires the factory.
func NewFactory(p FactoryParams) *Factory {
	return &Factory{
		store:          p.Store,
		sttProv:        p.STT,
		llmPrimary:     p.LLM,
		llmBackup:      p.LLMBackup,
		ttsProv:        p.TTS,
		prefetcher:     p.Prefetcher,
		indexer:        p.Indexer,
		builder:        p.Builder,
		assessor:       p.Assessor,
		gateway:        p.Gateway,
		guardrails:     p.Guardrails,
		breakers:       p.Breakers,
		calls:          p.Calls,
		gate:           p.Gate,
		corrector:      p.Corrector,
		llmModel:       p.LLMModel,
		llmBackupModel: p.LLMBackupModel,
		sttModel:       p.STTModel,
		triageModel:    p.TriageModel,
		voice:          p.Voice,
		temperature:    p.Temperature,
		maxTokens:      p.MaxTokens,
	}
}

// TurnRequest carries the per-turn inputs for [Factory.Build].
type TurnRequest struct {
	Topology string
	Behavior types.Behavior

	// Text is the typed user message for chat topologies.
	Text string

	// Audio is the buffered PCM utterance for voice topologies.
	Audio      []byte
	SampleRate int
	Channels   int
	Language   string

	// Platform is "web" or "native"; consulted for onboarding prompts.
	Platform string

	// Prefetched is the enricher bundle loaded while audio was streaming.
	// Nil makes context_build load the enrichers itself.
	Prefetched *chatctx.PrefetchedEnrichers

	// Skills is the user's tracked skill list for correction and triage.
	Skills []store.Skill
}

// Turn is one runnable topology instance.
type Turn struct {
	Graph    *pipeline.Graph
	Registry *pipeline.Registry

	// Queue is the LLM to TTS hand-off. Nil for chat topologies.
	Queue *pipeline.PartialTextQueue
}

// Build assembles the graph for the requested topology.
func (f *Factory) Build(req TurnRequest) (*Turn, error) {
	switch req.Topology {
	case TopologyVoiceFast, TopologyVoiceAccurate, TopologyVoiceAccurateFiller:
		return f.buildVoice(req)
	case TopologyChatFast, TopologyChatAccurate, TopologyChatTyped:
		return f.buildChat(req)
	default:
		return nil, fmt.Errorf("stages: unknown topology %q", req.Topology)
	}
}

func (f *Factory) buildVoice(req TurnRequest) (*Turn, error) {
	foreground := req.Topology != TopologyVoiceFast
	filler := req.Topology == TopologyVoiceAccurateFiller

	reg := pipeline.NewRegistry()
	reg.MustRegister(NewSTT(f.sttProv, f.gate, f.corrector, f.breakers, f.calls, STTParams{
		Audio:      req.Audio,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		Language:   req.Language,
		Model:      f.sttModel,
		Skills:     req.Skills,
	}))
	reg.MustRegister(NewPersistUser(f.store, f.indexer, "", StageSTT))

	ctxDeps := []string{StageSTT}
	backfillDeps := []string{StagePersistUser, StagePersistAssistant}
	if f.assessor != nil {
		mode := assess.ModeBackground
		if foreground {
			mode = assess.ModeForeground
			ctxDeps = append(ctxDeps, StageAssessment)
			backfillDeps = append(backfillDeps, StageAssessment)
		}
		reg.MustRegister(NewAssessment(f.assessor, req.Skills, mode, false, "", StageSTT))
	}

	reg.MustRegister(NewContextBuild(f.prefetcher, f.builder, req.Prefetched, req.Platform, "", foreground, ctxDeps...))
	reg.MustRegister(NewLLMStream(f.llmParams()))
	reg.MustRegister(NewTTSIncremental(f.ttsProv, f.voice, f.breakers, f.calls, filler, StageContextBuild))
	reg.MustRegister(NewPersistAssistant(f.store, f.indexer))
	reg.MustRegister(NewBackfillIDs(f.store, f.calls, backfillDeps...))
	reg.MustRegister(NewSummarise(f.store, f.llmPrimary, f.triageModel))

	graph, err := pipeline.NewGraph(reg.All()...)
	if err != nil {
		return nil, fmt.Errorf("stages: build %s: %w", req.Topology, err)
	}
	return &Turn{Graph: graph, Registry: reg, Queue: pipeline.NewPartialTextQueue()}, nil
}

func (f *Factory) buildChat(req TurnRequest) (*Turn, error) {
	foreground := req.Topology == TopologyChatAccurate
	typed := req.Topology == TopologyChatTyped

	reg := pipeline.NewRegistry()
	reg.MustRegister(NewPersistUser(f.store, f.indexer, req.Text))

	var ctxDeps []string
	backfillDeps := []string{StagePersistUser, StagePersistAssistant}
	if f.assessor != nil {
		mode := assess.ModeBackground
		if foreground {
			mode = assess.ModeForeground
			ctxDeps = append(ctxDeps, StageAssessment)
			backfillDeps = append(backfillDeps, StageAssessment)
		}
		reg.MustRegister(NewAssessment(f.assessor, req.Skills, mode, typed, req.Text))
	}

	reg.MustRegister(NewContextBuild(f.prefetcher, f.builder, req.Prefetched, req.Platform, req.Text, foreground, ctxDeps...))
	reg.MustRegister(NewLLMStream(f.llmParams()))
	reg.MustRegister(NewPersistAssistant(f.store, f.indexer))
	reg.MustRegister(NewBackfillIDs(f.store, f.calls, backfillDeps...))
	reg.MustRegister(NewSummarise(f.store, f.llmPrimary, f.triageModel))

	graph, err := pipeline.NewGraph(reg.All()...)
	if err != nil {
		return nil, fmt.Errorf("stages: build %s: %w", req.Topology, err)
	}
	return &Turn{Graph: graph, Registry: reg}, nil
}

func (f *Factory) llmParams() LLMParams {
	return LLMParams{
		Primary:     f.llmPrimary,
		Backup:      f.llmBackup,
		Model:       f.llmModel,
		BackupModel: f.llmBackupModel,
		Breakers:    f.breakers,
		Calls:       f.calls,
		Gateway:     f.gateway,
		Guardrails:  f.guardrails,
		Temperature: f.temperature,
		MaxTokens:   f.maxTokens,
	}
}
