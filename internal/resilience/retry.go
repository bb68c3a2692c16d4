package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// transientSubstrings marks provider errors worth retrying: transport-level
// failures that tend to clear on reconnect rather than semantic rejections.
var transientSubstrings = []string{"connection", "timeout", "disconnected", "pool"}

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt. Default: 3.
	MaxRetries int

	// BaseDelay is the delay before the first retry; it doubles on each
	// subsequent retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay time.Duration

	// Jitter is the fraction of the computed delay added as random jitter in
	// [0, Jitter*delay). Default: 0.5.
	Jitter float64
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.5
	}
	return cfg
}

// IsTransient reports whether err looks like a transient transport failure
// worth retrying. Nil errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Retry runs fn, retrying transient failures with exponential backoff and
// jitter. Non-transient errors abort immediately. The last error is returned
// when the retry budget is exhausted; ctx cancellation aborts the wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= cfg.MaxRetries {
			return err
		}

		delay := cfg.BaseDelay << attempt
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		delay += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("resilience: retry aborted: %w", ctx.Err())
		}
	}
}
