// Command cadenza is the main entry point for the Cadenza coaching backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/cadenza-ai/cadenza/internal/assess"
	"github.com/cadenza-ai/cadenza/internal/chatctx"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/events"
	"github.com/cadenza-ai/cadenza/internal/health"
	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/internal/policy"
	"github.com/cadenza-ai/cadenza/internal/resilience"
	"github.com/cadenza-ai/cadenza/internal/socket"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/internal/transcript"
	"github.com/cadenza-ai/cadenza/internal/transcript/phonetic"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; environment variables feed ${ENV} expansion in the
	// config file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cadenza starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadenza",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Database.PostgresDSN, cfg.Database.EmbeddingDimensions)
	if err != nil {
		slog.Error("store init failed", "err", err)
		return 1
	}
	defer st.Close()

	// ── Providers ─────────────────────────────────────────────────────────────
	llmPrimary, err := cfg.Providers.BuildLLM(cfg.Providers.LLMProvider, cfg.Providers.LLMModelID)
	if err != nil {
		slog.Error("llm provider init failed", "err", err)
		return 1
	}
	var llmBackup llm.Provider
	if cfg.Providers.LLMBackupProvider != "" {
		llmBackup, err = cfg.Providers.BuildLLM(cfg.Providers.LLMBackupProvider, cfg.Providers.LLMBackupModelID)
		if err != nil {
			slog.Error("backup llm provider init failed", "err", err)
			return 1
		}
	}
	sttProv, err := cfg.Providers.BuildSTT()
	if err != nil {
		slog.Error("stt provider init failed", "err", err)
		return 1
	}
	ttsProv, err := cfg.Providers.BuildTTS()
	if err != nil {
		slog.Error("tts provider init failed", "err", err)
		return 1
	}
	embedder, err := cfg.Providers.BuildEmbeddings(cfg.Database.EmbeddingDimensions)
	if err != nil {
		slog.Error("embeddings provider init failed", "err", err)
		return 1
	}
	slog.Info("providers ready",
		"llm", cfg.Providers.LLMProvider,
		"llm_backup", cfg.Providers.LLMBackupProvider,
		"stt", cfg.Providers.STTProvider,
		"tts", cfg.Providers.TTSProvider,
		"embeddings", cfg.Providers.EmbeddingsProvider,
	)

	// ── Observability plumbing ────────────────────────────────────────────────
	sink := events.NewDbPipelineEventSink(st)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(closeCtx); err != nil {
			slog.Warn("event sink close error", "err", err)
		}
	}()
	runs := events.NewPipelineRunLogger(st)
	calls := events.NewProviderCallLogger(st, metrics)
	orch := pipeline.NewOrchestrator(runs, sink, metrics)

	// ── Pipeline collaborators ────────────────────────────────────────────────
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureRate: cfg.Breaker.FailureRate,
		MinSamples:  cfg.Breaker.MinSamples,
		Window:      cfg.Breaker.Window,
		Cooldown:    cfg.Breaker.Cooldown,
		HalfOpenMax: cfg.Breaker.HalfOpenMax,
	})
	gateway, err := policy.NewGateway(cfg.Policy)
	if err != nil {
		slog.Error("policy gateway init failed", "err", err)
		return 1
	}
	guardrails := policy.NewGuardrails(cfg.Guardrails)

	var assessor *assess.Assessor
	if cfg.Pipeline.AssessmentEnabled {
		var assessBackup llm.Provider
		if cfg.Providers.AssessmentBackupProvider != "" {
			assessBackup, err = cfg.Providers.BuildLLM(cfg.Providers.AssessmentBackupProvider, cfg.Providers.TriageModelID)
			if err != nil {
				slog.Error("assessment backup provider init failed", "err", err)
				return 1
			}
		}
		assessor = assess.New(llmPrimary, assessBackup, cfg.Providers.TriageModelID, breakers, st, calls)
	}

	factory := stages.NewFactory(stages.FactoryParams{
		Store:      st,
		STT:        sttProv,
		LLM:        llmPrimary,
		LLMBackup:  llmBackup,
		TTS:        ttsProv,
		Prefetcher: chatctx.NewPrefetcher(st, embedder, cfg.Enrichers),
		Indexer:    chatctx.NewIndexer(st, embedder),
		Builder:    chatctx.NewBuilder(cfg.Pipeline.ChatPromptVersion),
		Assessor:   assessor,
		Gateway:    gateway,
		Guardrails: guardrails,
		Breakers:   breakers,
		Calls:      calls,
		Gate:       transcript.NewGate(),
		Corrector:  transcript.NewSkillCorrector(phonetic.New()),

		LLMModel:       cfg.Providers.LLMModelID,
		LLMBackupModel: cfg.Providers.LLMBackupModelID,
		TriageModel:    cfg.Providers.TriageModelID,
		Voice: types.VoiceProfile{
			ID:          cfg.Providers.TTSVoiceID,
			Provider:    cfg.Providers.TTSProvider,
			SpeedFactor: 1.0,
		},
		Temperature: 0.7,
	})

	// ── Socket server ─────────────────────────────────────────────────────────
	var auth socket.Authenticator = socket.StaticAuthenticator{}
	if cfg.Auth.WorkOSEnabled {
		auth = socket.NewWorkOSAuthenticator(cfg.Auth.WorkOSClientID)
	}
	sockSrv := socket.NewServer(factory, orch, socket.NewConnectionRegistry(), st, auth,
		socket.WithDefaultBehavior(cfg.Pipeline.Mode))

	mux := http.NewServeMux()
	mux.Handle("/ws", sockSrv)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(version,
		health.Checker{Name: "database", Check: st.Ping},
		health.Checker{Name: "providers", Check: func(context.Context) error {
			if llmPrimary == nil || sttProv == nil || ttsProv == nil {
				return errors.New("missing provider")
			}
			return nil
		}},
	).Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
