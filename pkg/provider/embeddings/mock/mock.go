// Package mock is an in-memory embeddings.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider returns a canned vector and records the texts it was asked to
// embed. The zero value embeds everything to an empty vector.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by every Embed call.
	EmbedResult []float32

	// EmbedErr, when set, fails every Embed call.
	EmbedErr error

	// Dims overrides Dimensions; when zero, len(EmbedResult) is reported.
	Dims int

	// Model overrides ModelID; when empty, "mock-embed" is reported.
	Model string

	// Texts collects the inputs passed to Embed, in call order.
	Texts []string
}

func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

func (p *Provider) Dimensions() int {
	if p.Dims != 0 {
		return p.Dims
	}
	return len(p.EmbedResult)
}

func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// EmbeddedTexts returns a copy of the recorded inputs.
func (p *Provider) EmbeddedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}
