package config

import (
	"errors"
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/cadenza-ai/cadenza/pkg/provider/embeddings"
	embollama "github.com/cadenza-ai/cadenza/pkg/provider/embeddings/ollama"
	embopenai "github.com/cadenza-ai/cadenza/pkg/provider/embeddings/openai"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	llmanthropic "github.com/cadenza-ai/cadenza/pkg/provider/llm/anthropic"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm/anyllm"
	llmopenai "github.com/cadenza-ai/cadenza/pkg/provider/llm/openai"
	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
	sttopenai "github.com/cadenza-ai/cadenza/pkg/provider/stt/openai"
	"github.com/cadenza-ai/cadenza/pkg/provider/stt/whisper"
	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
	"github.com/cadenza-ai/cadenza/pkg/provider/tts/coqui"
	"github.com/cadenza-ai/cadenza/pkg/provider/tts/elevenlabs"
)

// ErrProviderNotConfigured is returned by the Build* helpers when the
// requested provider name has no construction path.
var ErrProviderNotConfigured = errors.New("config: provider not configured")

// apiKey looks up the key for a provider name in Providers.Keys.
func (p ProvidersConfig) apiKey(name string) string {
	if p.Keys == nil {
		return ""
	}
	return p.Keys[name]
}

// BuildLLM constructs the LLM provider registered under name, with model as
// its default model. Known names: "openai", "anthropic", and any backend
// supported by any-llm-go ("gemini", "ollama", "deepseek", "mistral", "groq",
// "llamacpp", "llamafile").
func (p ProvidersConfig) BuildLLM(name, model string) (llm.Provider, error) {
	switch name {
	case "":
		return nil, fmt.Errorf("%w: empty llm provider name", ErrProviderNotConfigured)
	case "openai":
		return llmopenai.New(p.apiKey(name), model)
	case "anthropic":
		return llmanthropic.New(p.apiKey(name), model)
	default:
		var opts []anyllmlib.Option
		if key := p.apiKey(name); key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
		return anyllm.New(name, model, opts...)
	}
}

// BuildSTT constructs the configured STT provider.
func (p ProvidersConfig) BuildSTT() (stt.Provider, error) {
	switch p.STTProvider {
	case "whisper":
		return whisper.New(p.WhisperServerURL)
	case "openai":
		return sttopenai.New(p.apiKey("openai"))
	default:
		return nil, fmt.Errorf("%w: stt provider %q", ErrProviderNotConfigured, p.STTProvider)
	}
}

// BuildEmbeddings constructs the configured embeddings provider. dims is the
// vector width the interactions table was migrated with; when positive it is
// pinned on the provider so stored vectors match the column. Returns
// (nil, nil) when no provider is named; the recall enricher is simply
// disabled then.
func (p ProvidersConfig) BuildEmbeddings(dims int) (embeddings.Provider, error) {
	switch p.EmbeddingsProvider {
	case "":
		return nil, nil
	case "openai":
		var opts []embopenai.Option
		if dims > 0 {
			opts = append(opts, embopenai.WithDimensions(dims))
		}
		return embopenai.New(p.apiKey("openai"), p.EmbeddingsModelID, opts...)
	case "ollama":
		var opts []embollama.Option
		if dims > 0 {
			opts = append(opts, embollama.WithDimensions(dims))
		}
		return embollama.New(p.OllamaServerURL, p.EmbeddingsModelID, opts...)
	default:
		return nil, fmt.Errorf("%w: embeddings provider %q", ErrProviderNotConfigured, p.EmbeddingsProvider)
	}
}

// BuildTTS constructs the configured TTS provider.
func (p ProvidersConfig) BuildTTS() (tts.Provider, error) {
	switch p.TTSProvider {
	case "elevenlabs":
		return elevenlabs.New(p.apiKey("elevenlabs"))
	case "coqui":
		return coqui.New(p.CoquiServerURL)
	default:
		return nil, fmt.Errorf("%w: tts provider %q", ErrProviderNotConfigured, p.TTSProvider)
	}
}
