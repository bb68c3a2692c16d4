// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcription results without
// a live STT backend, and to inspect the requests the caller made.
//
// Example:
//
//	p := &mock.Provider{Result: &stt.Result{Text: "hello world"}}
//	res, err := p.Transcribe(ctx, stt.Request{Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Result is returned by Transcribe when Results is empty. Nil yields an
	// empty result.
	Result *stt.Result

	// Results, when non-empty, is consumed one element per Transcribe call.
	// After the slice is exhausted, Result applies again. Use this together
	// with Errs to script retry sequences.
	Results []*stt.Result

	// Err, if non-nil, is returned by Transcribe when Errs is empty.
	Err error

	// Errs, when non-empty, is consumed one element per Transcribe call in
	// lockstep with Results. Nil elements mean success.
	Errs []error

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Name implements stt.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe implements stt.Provider. Each call pops the next scripted
// result/error pair when present; otherwise the fixed Result/Err apply.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: req})
	n := len(p.Calls) - 1

	var err error
	if n < len(p.Errs) {
		err = p.Errs[n]
	} else {
		err = p.Err
	}
	if err != nil {
		return nil, err
	}

	var res *stt.Result
	if n < len(p.Results) {
		res = p.Results[n]
	} else {
		res = p.Result
	}
	if res == nil {
		return &stt.Result{}, nil
	}
	cp := *res
	return &cp, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
