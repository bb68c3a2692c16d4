package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cadenza-ai/cadenza/pkg/types"
)

// ValidProviderNames lists known provider names per operation kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "anyllm", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "openai"},
	"tts": {"elevenlabs", "coqui"},

	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, expands ${ENV} references,
// and returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references in
// string values, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields that have sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = types.BehaviorFast
	}
	if cfg.Pipeline.ChatPromptVersion == "" {
		cfg.Pipeline.ChatPromptVersion = PromptV2
	}
	if cfg.Database.EmbeddingDimensions <= 0 {
		cfg.Database.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline
	switch cfg.Pipeline.Mode {
	case types.BehaviorFast, types.BehaviorAccurate, types.BehaviorAccurateFiller:
	default:
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: fast, accurate, accurate_filler", cfg.Pipeline.Mode))
	}
	if !cfg.Pipeline.ChatPromptVersion.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.chat_prompt_version %q is invalid; valid values: v1, v2", cfg.Pipeline.ChatPromptVersion))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLMProvider)
	validateProviderName("llm", cfg.Providers.LLMBackupProvider)
	validateProviderName("llm", cfg.Providers.AssessmentBackupProvider)
	validateProviderName("stt", cfg.Providers.STTProvider)
	validateProviderName("tts", cfg.Providers.TTSProvider)
	validateProviderName("embeddings", cfg.Providers.EmbeddingsProvider)

	if cfg.Providers.LLMProvider == "" {
		errs = append(errs, errors.New("providers.llm_provider is required"))
	}
	if cfg.Providers.LLMModelID == "" {
		errs = append(errs, errors.New("providers.llm_model_id is required"))
	}
	if cfg.Providers.LLMBackupProvider != "" && cfg.Providers.LLMBackupProvider == cfg.Providers.LLMProvider {
		slog.Warn("llm_backup_provider equals llm_provider; fallback will retry the same backend",
			"provider", cfg.Providers.LLMProvider)
	}
	if cfg.Providers.STTProvider == "whisper" && cfg.Providers.WhisperServerURL == "" {
		errs = append(errs, errors.New("providers.whisper_server_url is required when stt_provider is whisper"))
	}
	if cfg.Providers.TTSProvider == "coqui" && cfg.Providers.CoquiServerURL == "" {
		errs = append(errs, errors.New("providers.coqui_server_url is required when tts_provider is coqui"))
	}
	if cfg.Providers.EmbeddingsProvider == "ollama" && cfg.Providers.OllamaServerURL == "" {
		errs = append(errs, errors.New("providers.ollama_server_url is required when embeddings_provider is ollama"))
	}
	if cfg.Providers.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.call_timeout %v must not be negative", cfg.Providers.CallTimeout))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}

	// Policy
	if cfg.Policy.LLMMaxTokens < 0 {
		errs = append(errs, fmt.Errorf("policy.llm_max_tokens %d must not be negative", cfg.Policy.LLMMaxTokens))
	}
	if cfg.Policy.MaxRunsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("policy.max_runs_per_minute %d must not be negative", cfg.Policy.MaxRunsPerMinute))
	}

	// Guardrails force overrides
	for _, f := range []struct{ key, val string }{
		{"guardrails.force_input_decision", cfg.Guardrails.ForceInputDecision},
		{"guardrails.force_output_decision", cfg.Guardrails.ForceOutputDecision},
	} {
		if f.val != "" && f.val != "allow" && f.val != "block" {
			errs = append(errs, fmt.Errorf("%s %q is invalid; valid values: allow, block", f.key, f.val))
		}
	}

	// Auth
	if cfg.Auth.WorkOSEnabled && cfg.Auth.WorkOSClientID == "" {
		errs = append(errs, errors.New("auth.workos_client_id is required when auth.workos_enabled is true"))
	}

	// Breaker
	if cfg.Breaker.FailureRate < 0 || cfg.Breaker.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_rate %.2f is out of range [0, 1]", cfg.Breaker.FailureRate))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
