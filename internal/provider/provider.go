// Package provider defines the external market-data source used by the
// acquisition engine, its error classes, and the concrete adapters (Alpaca
// REST and a gRPC remote host).
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketcache/internal/domain"
)

// Provider is a slow, rate-limited source of historical bars. Every method
// may block on the network and must honour ctx.
type Provider interface {
	// Fetch returns bars with start <= Timestamp < end in ascending order.
	// An empty slice is a valid answer for ranges where the market was
	// closed.
	Fetch(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)

	// ValidateSymbol checks that the provider knows the symbol.
	ValidateSymbol(ctx context.Context, symbol string) (SymbolInfo, error)

	// EarliestAvailable returns the timestamp of the first bar the provider
	// can serve for the key.
	EarliestAvailable(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, error)

	// HealthCheck reports whether the provider is reachable.
	HealthCheck(ctx context.Context) (Health, error)
}

// SymbolInfo describes a validated instrument.
type SymbolInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Tradable bool   `json:"tradable"`
}

// Health is the result of a provider health check.
type Health struct {
	OK      bool          `json:"ok"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
}

// ---------------------------------------------------------------------------
// Error classes
// ---------------------------------------------------------------------------

var (
	// ErrSymbolNotFound is returned when the provider does not know a symbol.
	// It matches domain.ErrNotFound.
	ErrSymbolNotFound = fmt.Errorf("symbol %w", domain.ErrNotFound)
	// ErrRateLimited is returned when the provider throttled the call.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers network failures and provider-side 5xx errors.
	ErrTransient = errors.New("transient provider error")
	// ErrTruncated is returned when a response is known to be incomplete.
	ErrTruncated = errors.New("truncated response")
	// ErrPermanent covers failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent provider error")
)

// Error class labels, used for metrics and logs.
const (
	ClassNone        = ""
	ClassNotFound    = "not_found"
	ClassRateLimited = "rate_limited"
	ClassTransient   = "transient"
	ClassTruncated   = "truncated"
	ClassPermanent   = "permanent"
	ClassCancelled   = "cancelled"
	ClassUnknown     = "unknown"
)

// Class returns the error class label of err.
func Class(err error) string {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, domain.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrTruncated):
		return ClassTruncated
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrPermanent), errors.Is(err, domain.ErrInvalidData), errors.Is(err, domain.ErrInvalidArgument):
		return ClassPermanent
	}
	return ClassUnknown
}

// IsRetryable reports whether another attempt could succeed. Unknown errors
// are treated as retryable; not-found, permanent and cancellation are not.
func IsRetryable(err error) bool {
	switch Class(err) {
	case ClassNone, ClassNotFound, ClassPermanent, ClassCancelled:
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Helpers shared by adapters
// ---------------------------------------------------------------------------

// call runs fn on its own goroutine so that ctx cancellation is observed even
// when the underlying client has no context support. An abandoned call runs
// to completion in the background and its result is dropped.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// clip drops bars outside [start, end).
func clip(bars []domain.Bar, start, end time.Time) []domain.Bar {
	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
