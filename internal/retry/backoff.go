// Package retry implements the exponential-backoff policy shared by the
// Research Adapter (spec §4.B: "retries up to 3 with exponential backoff")
// and the Batch Scheduler (spec §4.G: "initial 2s, factor 2, cap 30s, max
// 3 retries"). The Code Generator also wraps its provider calls in Do,
// with a Policy of its own.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy parameterizes an exponential backoff schedule.
type Policy struct {
	Initial    time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int
}

// ResearchPolicy matches spec §4.B: up to 3 retries, unspecified base —
// this engine uses the same shape as the scheduler's policy for
// consistency (initial 2s, factor 2, cap 30s).
func ResearchPolicy() Policy {
	return Policy{Initial: 2 * time.Second, Factor: 2, Cap: 30 * time.Second, MaxRetries: 3}
}

// SchedulerPolicy matches spec §4.G exactly.
func SchedulerPolicy() Policy {
	return Policy{Initial: 2 * time.Second, Factor: 2, Cap: 30 * time.Second, MaxRetries: 3}
}

// ErrRetryable must be returned (wrapped) by fn for Do to retry. Any other
// error is treated as non-retryable and returned immediately, matching
// spec §4.B's "non-retryable on authorization errors".
var ErrRetryable = errors.New("retryable")

// Do runs fn, retrying on errors that wrap ErrRetryable, up to
// p.MaxRetries additional attempts, sleeping an exponentially growing
// delay between attempts (capped at p.Cap). It returns the last error if
// all attempts are exhausted, or immediately on a non-retryable error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	delay := p.Initial
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrRetryable) {
			return lastErr
		}
		if attempt == p.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.Cap {
			delay = p.Cap
		}
	}
	return lastErr
}
