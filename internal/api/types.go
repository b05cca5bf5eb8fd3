package api

import (
	"fmt"
	"strings"
	"time"

	"marketcache/internal/acquire"
	"marketcache/internal/domain"
	"marketcache/internal/store"
)

// AcquireRequest is the JSON body of POST /api/v1/acquisitions. Start and
// End accept RFC 3339 timestamps or YYYY-MM-DD dates and may be omitted.
type AcquireRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Mode      string `json:"mode"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// toRequest converts the JSON form, rejecting malformed fields with
// domain.ErrInvalidRequest.
func (r AcquireRequest) toRequest() (acquire.Request, error) {
	tf, err := domain.ParseTimeframe(r.Timeframe)
	if err != nil {
		return acquire.Request{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	mode, err := domain.ParseMode(r.Mode)
	if err != nil {
		return acquire.Request{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	start, err := parseTime(r.Start)
	if err != nil {
		return acquire.Request{}, fmt.Errorf("%w: start: %w", domain.ErrInvalidRequest, err)
	}
	end, err := parseTime(r.End)
	if err != nil {
		return acquire.Request{}, fmt.Errorf("%w: end: %w", domain.ErrInvalidRequest, err)
	}
	return acquire.Request{Symbol: r.Symbol, Timeframe: tf, Mode: mode, Start: start, End: end}, nil
}

// AcquireResponse is returned with 202 Accepted.
type AcquireResponse struct {
	OperationID string `json:"operation_id"`
}

// SaveRequest is the JSON body of PUT /api/v1/bars/{symbol}/{timeframe}.
type SaveRequest struct {
	Bars []domain.Bar `json:"bars"`
}

// KeysResponse lists cached keys.
type KeysResponse struct {
	Keys []store.Key `json:"keys"`
}

// ListResponse lists operations.
type ListResponse struct {
	Operations []acquire.Status `json:"operations"`
}

// parseTime accepts "", RFC 3339 (with or without fractional seconds) or a
// bare date. The empty string yields the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cannot parse %q as RFC 3339 or YYYY-MM-DD", domain.ErrInvalidArgument, s)
	}
	return t, nil
}
