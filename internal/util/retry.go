package util

import (
	"context"
	"time"
)

// Backoff describes a capped exponential retry policy.
type Backoff struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// Base is the delay before the second attempt. Each later delay doubles.
	Base time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
	// OnRetry, if set, is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Delay returns the wait before the attempt following the given 1-based
// failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Do calls fn until it succeeds, the error is not retryable, attempts are
// exhausted or ctx is done. It returns the number of calls made and the last
// error. Cancellation is checked before every call and during every wait.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempt - 1, cerr
		}
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return attempt, err
		}

		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			break
		}
		wait := b.Delay(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, err
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := Backoff{Attempts: maxAttempts, Base: baseDelay}.Do(ctx, func(context.Context) error {
		return fn()
	})
	return err
}
