// Package retry provides backoff policies for queued jobs and a retry helper
// for startup connections.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/onboarding-workflow/internal/logging"
)

// Strategy names a backoff shape
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Backoff describes the delay between job attempts.
// It is serialized into the job record so every worker process applies the
// policy the producer chose.
type Backoff struct {
	Strategy   Strategy      `json:"strategy"`
	Delay      time.Duration `json:"delay"`
	MaxDelay   time.Duration `json:"maxDelay,omitempty"`
	Multiplier float64       `json:"multiplier,omitempty"`
}

// Fixed returns a constant-delay backoff
func Fixed(delay time.Duration) Backoff {
	return Backoff{Strategy: StrategyFixed, Delay: delay}
}

// Exponential returns a delay of initial*multiplier^(attempt-1) capped at max
func Exponential(initial, max time.Duration, multiplier float64) Backoff {
	return Backoff{Strategy: StrategyExponential, Delay: initial, MaxDelay: max, Multiplier: multiplier}
}

// Next returns the delay to wait after the given failed attempt (1-based)
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Strategy {
	case StrategyExponential:
		mult := b.Multiplier
		if mult <= 1 {
			mult = 2
		}
		delay := float64(b.Delay) * math.Pow(mult, float64(attempt-1))
		if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
		}
		return time.Duration(delay)
	default:
		return b.Delay
	}
}

// Envelope is the longest time a job can spend waiting between its attempts
func (b Backoff) Envelope(retries int) time.Duration {
	var total time.Duration
	for i := 1; i <= retries; i++ {
		total += b.Next(i)
	}
	return total
}

// Encode marshals the backoff for storage in a job record
func (b Backoff) Encode() string {
	data, _ := json.Marshal(b)
	return string(data)
}

// DecodeBackoff parses a stored backoff; an unreadable value degrades to fixed(fallback)
func DecodeBackoff(raw string, fallback time.Duration) Backoff {
	var b Backoff
	if raw == "" || json.Unmarshal([]byte(raw), &b) != nil || b.Strategy == "" {
		return Fixed(fallback)
	}
	return b
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithBackoff runs fn up to attempts times, sleeping per the backoff between failures
func WithBackoff(ctx context.Context, attempts int, backoff Backoff, fn RetryFunc) error {
	logger := logging.FromContext(ctx)
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := backoff.Next(attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": attempts,
			"delay":       delay.String(),
			"error":       lastErr.Error(),
		}).Warn("Operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
