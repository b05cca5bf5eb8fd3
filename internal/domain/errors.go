package domain

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and test with
// errors.Is.
var (
	// ErrNotFound is returned when a cache key or symbol has no data.
	ErrNotFound = errors.New("not found")
	// ErrInvalidData is returned when a series fails ordering or OHLC checks.
	ErrInvalidData = errors.New("invalid data")
	// ErrInvalidArgument is returned for malformed enum values and arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidRequest is returned when an acquisition request is rejected
	// before an operation is created.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProviderUnavailable is returned when the provider health check fails.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrCancelled is returned when an operation observed cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrKeyBusy is returned when a (symbol, timeframe) key already has an
	// acquisition running.
	ErrKeyBusy = errors.New("acquisition already running for key")
	// ErrOperationNotFound is returned for unknown operation IDs.
	ErrOperationNotFound = errors.New("operation not found")
)
