// Package resilience provides circuit breaker and retry primitives for
// provider calls.
//
// The central type is [Registry], a process-global set of per-key circuit
// breakers. Each `(operation, provider, model)` triple gets its own classic
// three-state breaker (closed → open → half-open) so one failing model does
// not block traffic to its siblings. [Retry] wraps transient provider errors
// with exponential backoff and jitter.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/types"
)

// ErrCircuitOpen is returned when a breaker is in the open state and the
// cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a breaker.
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to an excessive failure
	// rate. Calls are rejected immediately until the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Key identifies one breaker: the provider operation class, the provider
// name, and the concrete model (empty for STT/TTS backends without one).
type Key struct {
	Operation types.Operation
	Provider  string
	Model     string
}

// String renders the key in the form used by events and log lines,
// e.g. "llm:openai:gpt-4o".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Operation, k.Provider, k.Model)
}

// BreakerConfig holds tuning knobs shared by all breakers in a [Registry].
type BreakerConfig struct {
	// FailureRate is the rolling failure rate in [0,1] above which a closed
	// breaker opens. Default: 0.5.
	FailureRate float64

	// MinSamples is the minimum number of attempts inside the window before
	// the failure rate is evaluated. Default: 5.
	MinSamples int

	// Window is the rolling window over which attempts are counted.
	// Default: 60s.
	Window time.Duration

	// Cooldown is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	Cooldown time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the
	// half-open state before the breaker decides whether to close or re-open.
	// Default: 3.
	HalfOpenMax int
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	if cfg.FailureRate <= 0 || cfg.FailureRate > 1 {
		cfg.FailureRate = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return cfg
}

// outcome is one attempt result inside the rolling window.
type outcome struct {
	at time.Time
	ok bool
}

// breaker is the per-key state machine. All fields are guarded by mu.
type breaker struct {
	key Key
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	window        []outcome
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
}

func newBreaker(key Key, cfg BreakerConfig) *breaker {
	return &breaker{key: key, cfg: cfg, state: StateClosed}
}

// prune drops window entries older than the rolling window. Must be called
// with b.mu held.
func (b *breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// isOpen reports whether calls should be rejected right now, performing the
// open → half-open transition when the cooldown has elapsed.
func (b *breaker) isOpen(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = StateHalfOpen
			b.halfOpenCalls = 0
			b.halfOpenOK = 0
			slog.Info("circuit breaker transitioning to half-open", "key", b.key.String())
			return false
		}
		return true
	}
	if b.state == StateHalfOpen && b.halfOpenCalls >= b.cfg.HalfOpenMax {
		// Probe budget exhausted; wait for outcomes before admitting more.
		return true
	}
	return false
}

// noteAttempt counts a probe call in the half-open state.
func (b *breaker) noteAttempt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.halfOpenCalls++
	}
}

func (b *breaker) recordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now)
	b.window = append(b.window, outcome{at: now, ok: true})

	if b.state == StateHalfOpen {
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenMax {
			b.state = StateClosed
			b.window = nil
			b.halfOpenCalls = 0
			b.halfOpenOK = 0
			slog.Info("circuit breaker closed after successful probes", "key", b.key.String())
		}
	}
}

func (b *breaker) recordFailure(now time.Time, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now)
	b.window = append(b.window, outcome{at: now, ok: false})

	switch b.state {
	case StateHalfOpen:
		// Any failure in half-open immediately re-opens.
		b.state = StateOpen
		b.openedAt = now
		slog.Warn("circuit breaker re-opened from half-open",
			"key", b.key.String(),
			"reason", reason)

	case StateClosed:
		total := len(b.window)
		if total < b.cfg.MinSamples {
			return
		}
		fails := 0
		for _, o := range b.window {
			if !o.ok {
				fails++
			}
		}
		rate := float64(fails) / float64(total)
		if rate >= b.cfg.FailureRate {
			b.state = StateOpen
			b.openedAt = now
			slog.Warn("circuit breaker opened",
				"key", b.key.String(),
				"failure_rate", rate,
				"samples", total,
				"reason", reason)
		}
	}
}

func (b *breaker) currentState(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Registry holds one breaker per key. The registry itself is cheap; breakers
// are created lazily on first use.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[Key]*breaker
}

// NewRegistry creates a breaker registry with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[Key]*breaker),
	}
}

func (r *Registry) get(key Key) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}

// IsOpen reports whether calls for key should be rejected right now. It also
// performs the open → half-open transition when the cooldown has elapsed.
func (r *Registry) IsOpen(key Key) bool {
	return r.get(key).isOpen(time.Now())
}

// NoteAttempt records that a call for key is about to be made. Only relevant
// for half-open probe accounting; harmless otherwise.
func (r *Registry) NoteAttempt(key Key) {
	r.get(key).noteAttempt()
}

// RecordSuccess records a successful call for key.
func (r *Registry) RecordSuccess(key Key) {
	r.get(key).recordSuccess(time.Now())
}

// RecordFailure records a failed call for key. reason is carried into log
// output only; it does not affect the state machine.
func (r *Registry) RecordFailure(key Key, reason string) {
	r.get(key).recordFailure(time.Now(), reason)
}

// State returns the current state for key without side effects on the probe
// budget. If the breaker is open and the cooldown has elapsed, the returned
// state is [StateHalfOpen] (the actual transition happens on the next IsOpen).
func (r *Registry) State(key Key) State {
	return r.get(key).currentState(time.Now())
}

// Reset forces the breaker for key back to [StateClosed], clearing its window.
func (r *Registry) Reset(key Key) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.window = nil
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	slog.Info("circuit breaker manually reset", "key", key.String())
}
