// Package backoff provides capped exponential backoff with jitter for the
// daemon's transient-failure retries.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor in [0,1] added on top of the base.
	Jitter float64
}

// DefaultPolicy backs off 100ms..30s with factor 2 and 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the backoff for a 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	return time.Duration(math.Min(float64(p.Max), total))
}

// Sleep waits out the backoff for attempt, respecting context cancellation.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	d := policy.Delay(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times with backoff between failures.
// fn receives the 1-indexed attempt number. Context cancellation is checked
// before every attempt and during every sleep.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		return errors.Join(ErrMaxAttemptsExhausted, lastErr)
	}
	return ErrMaxAttemptsExhausted
}
