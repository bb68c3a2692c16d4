// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the pipeline sends correct
// CompletionRequests and to feed controlled token streams without a live LLM
// backend. All fields should be set before the first call; mutating them
// during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{StreamText: "Hi there!", StreamChunkSize: 4}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Model is returned by ResolveModel when the requested model is empty.
	Model string

	// StreamText, when non-empty, is split into StreamChunkSize-sized chunks
	// and emitted on the stream channel followed by a FinishReason "stop"
	// chunk. Takes precedence over StreamChunks.
	StreamText string

	// StreamChunkSize is the chunk width used to split StreamText. Defaults to 4.
	StreamChunkSize int

	// StreamChunks is the explicit sequence of Chunk values emitted on the
	// channel returned by StreamCompletion when StreamText is empty.
	StreamChunks []llm.Chunk

	// FailAfterChunks, when > 0, emits that many chunks of StreamText and then
	// a FinishReason "error" chunk, simulating a mid-stream provider failure.
	FailAfterChunks int

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// CompleteResponse is returned by Complete. May be nil (returns an empty
	// response).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens; when zero the shared estimate
	// heuristic is used.
	TokenCount int

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// ResolveModel implements llm.Provider.
func (p *Provider) ResolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	if p.Model == "" {
		return "mock-model"
	}
	return p.Model
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	err := p.StreamErr
	chunks := p.buildChunks()
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// buildChunks materialises the configured stream. Must be called with p.mu held.
func (p *Provider) buildChunks() []llm.Chunk {
	if p.StreamText == "" {
		return p.StreamChunks
	}

	size := p.StreamChunkSize
	if size <= 0 {
		size = 4
	}

	var out []llm.Chunk
	for i := 0; i < len(p.StreamText); i += size {
		end := i + size
		if end > len(p.StreamText) {
			end = len(p.StreamText)
		}
		out = append(out, llm.Chunk{Text: p.StreamText[i:end]})
		if p.FailAfterChunks > 0 && len(out) >= p.FailAfterChunks {
			return append(out, llm.Chunk{FinishReason: llm.FinishError, Text: "mock: stream failed"})
		}
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{Model: p.ResolveModel(req.Model)}, nil
	}
	cp := *resp
	return &cp, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}
