// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to feed controlled audio buffers without a live
// TTS backend, and to inspect the text chunks the caller synthesised.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte{0x01, 0x02}}
//	res, err := p.Synthesize(ctx, "Hello.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Audio is returned by every successful Synthesize call. When nil, the
	// text itself is returned as bytes so tests can assert ordering without
	// fabricating buffers.
	Audio []byte

	// Format is the format reported on results. Defaults to "pcm_16000".
	Format string

	// Err, if non-nil, is returned by Synthesize once ErrAfter successful
	// calls have completed.
	Err error

	// ErrAfter is the number of Synthesize calls that succeed before Err
	// applies. Zero means Err applies immediately.
	ErrAfter int

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Name implements tts.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (*tts.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})

	if p.Err != nil && len(p.Calls) > p.ErrAfter {
		return nil, p.Err
	}

	format := p.Format
	if format == "" {
		format = "pcm_16000"
	}
	audio := p.Audio
	if audio == nil {
		audio = []byte(text)
	}
	return &tts.Result{Audio: audio, Format: format}, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.Voices, nil
}

// Texts returns the synthesised text chunks in call order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
