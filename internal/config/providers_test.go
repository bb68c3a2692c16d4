package config_test

import (
	"errors"
	"testing"

	"github.com/cadenza-ai/cadenza/internal/config"
)

func TestBuildEmbeddings_UnsetDisablesRecall(t *testing.T) {
	t.Parallel()

	p := config.ProvidersConfig{}
	embedder, err := p.BuildEmbeddings(1536)
	if err != nil {
		t.Fatalf("BuildEmbeddings: %v", err)
	}
	if embedder != nil {
		t.Errorf("embedder = %v, want nil when no provider is configured", embedder)
	}
}

func TestBuildEmbeddings_UnknownProvider(t *testing.T) {
	t.Parallel()

	p := config.ProvidersConfig{EmbeddingsProvider: "cohere"}
	_, err := p.BuildEmbeddings(0)
	if !errors.Is(err, config.ErrProviderNotConfigured) {
		t.Errorf("err = %v, want ErrProviderNotConfigured", err)
	}
}

func TestBuildEmbeddings_PinsSchemaWidth(t *testing.T) {
	t.Parallel()

	p := config.ProvidersConfig{
		EmbeddingsProvider: "ollama",
		EmbeddingsModelID:  "custom-embed",
		OllamaServerURL:    "http://127.0.0.1:19999",
	}
	embedder, err := p.BuildEmbeddings(1024)
	if err != nil {
		t.Fatalf("BuildEmbeddings: %v", err)
	}
	// The migrated column width wins over model lookup and live detection.
	if got := embedder.Dimensions(); got != 1024 {
		t.Errorf("Dimensions() = %d, want the schema's 1024", got)
	}
}
