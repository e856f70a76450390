// Package retry runs operations that can lose a race against storage
// contention, waiting a jittered exponential delay between attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before retry attempt n (1 is the first retry)
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Jittered is exponential backoff with full jitter:
// a random duration in [0, min(Initial*2^(attempt-1), Max)].
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Backoff
func (j Jittered) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(j.Initial) * math.Pow(2, float64(attempt-1))
	if j.Max > 0 && ceiling > float64(j.Max) {
		ceiling = float64(j.Max)
	}
	return time.Duration(rand.Float64() * ceiling) //nolint:gosec // jitter does not need crypto rand
}

// Policy bounds a retry loop
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether an error is worth another attempt
	Retryable func(error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. The last error is returned wrapped with the count.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff.Delay(attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		case <-timer.C:
		}
	}

	if p.Retryable != nil && p.Retryable(err) {
		return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
	return err
}
