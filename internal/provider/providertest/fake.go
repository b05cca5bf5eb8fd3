// Package providertest provides a scripted in-memory Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketcache/internal/domain"
	"marketcache/internal/provider"
)

var _ provider.Provider = (*Fake)(nil)

// FetchCall records one Fetch invocation.
type FetchCall struct {
	Symbol    string
	Timeframe domain.Timeframe
	Start     time.Time
	End       time.Time
}

// Fake serves bars from an in-memory universe. Failures are scripted with
// FetchHook; calls are recorded for assertions.
type Fake struct {
	mu       sync.Mutex
	series   map[string][]domain.Bar
	earliest map[string]time.Time
	calls    []FetchCall

	// FetchHook, if set, runs before each Fetch with the 1-based call number.
	// A non-nil error fails the call.
	FetchHook func(n int, c FetchCall) error
	// EarliestErr fails every EarliestAvailable call.
	EarliestErr error
	// HealthErr fails every HealthCheck call.
	HealthErr error
	// Unknown lists symbols that ValidateSymbol rejects with
	// provider.ErrSymbolNotFound.
	Unknown map[string]bool
	// Delay is slept (honouring ctx) inside every Fetch.
	Delay time.Duration
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		series:   make(map[string][]domain.Bar),
		earliest: make(map[string]time.Time),
		Unknown:  make(map[string]bool),
	}
}

func key(symbol string, tf domain.Timeframe) string {
	return strings.ToUpper(symbol) + "/" + string(tf)
}

// SetSeries installs the full upstream history for a key.
func (f *Fake) SetSeries(symbol string, tf domain.Timeframe, bars []domain.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series[key(symbol, tf)] = bars
}

// SetEarliest overrides the earliest-available timestamp for a key.
func (f *Fake) SetEarliest(symbol string, tf domain.Timeframe, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.earliest[key(symbol, tf)] = t
}

// Calls returns a copy of the recorded Fetch calls.
func (f *Fake) Calls() []FetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchCall(nil), f.calls...)
}

// Fetch returns the installed bars in [start, end).
func (f *Fake) Fetch(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := FetchCall{Symbol: strings.ToUpper(symbol), Timeframe: tf, Start: start, End: end}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	n := len(f.calls)
	hook := f.FetchHook
	all := f.series[key(symbol, tf)]
	f.mu.Unlock()

	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if hook != nil {
		if err := hook(n, c); err != nil {
			return nil, err
		}
	}

	var out []domain.Bar
	for _, b := range all {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ValidateSymbol accepts every symbol not listed in Unknown.
func (f *Fake) ValidateSymbol(ctx context.Context, symbol string) (provider.SymbolInfo, error) {
	if err := ctx.Err(); err != nil {
		return provider.SymbolInfo{}, err
	}
	sym := strings.ToUpper(symbol)
	f.mu.Lock()
	unknown := f.Unknown[sym]
	f.mu.Unlock()
	if unknown {
		return provider.SymbolInfo{}, fmt.Errorf("validate %s: %w", sym, provider.ErrSymbolNotFound)
	}
	return provider.SymbolInfo{Symbol: sym, Name: sym + " Inc.", Exchange: "TEST", Tradable: true}, nil
}

// EarliestAvailable returns the override, or the first installed bar.
func (f *Fake) EarliestAvailable(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if f.EarliestErr != nil {
		return time.Time{}, f.EarliestErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.earliest[key(symbol, tf)]; ok {
		return t, nil
	}
	if bars := f.series[key(symbol, tf)]; len(bars) > 0 {
		return bars[0].Timestamp, nil
	}
	return time.Time{}, fmt.Errorf("earliest %s: %w", symbol, provider.ErrSymbolNotFound)
}

// HealthCheck fails with HealthErr when set.
func (f *Fake) HealthCheck(ctx context.Context) (provider.Health, error) {
	if err := ctx.Err(); err != nil {
		return provider.Health{}, err
	}
	if f.HealthErr != nil {
		return provider.Health{OK: false, Message: f.HealthErr.Error()}, f.HealthErr
	}
	return provider.Health{OK: true, Message: "ok"}, nil
}

// GenerateBars builds n consecutive, internally consistent bars spaced one
// timeframe apart starting at start.
func GenerateBars(start time.Time, tf domain.Timeframe, n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	step := tf.Duration()
	for i := range bars {
		p := 100 + float64(i%50)
		bars[i] = domain.Bar{
			Timestamp:  start.Add(time.Duration(i) * step).UTC(),
			Open:       p,
			High:       p + 2,
			Low:        p - 2,
			Close:      p + 1,
			Volume:     float64(1000 + i),
			TradeCount: int64(10 + i),
			VWAP:       p + 0.5,
		}
	}
	return bars
}
