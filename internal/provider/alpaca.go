package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"marketcache/internal/domain"
	"marketcache/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// earliestProbeStart is where EarliestAvailable starts looking. Alpaca's
// equity history begins in 2015/2016; anything before that returns nothing.
var earliestProbeStart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// AlpacaOptions configures an AlpacaProvider.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API, used for assets and clock
	DataURL   string // market data API
	Feed      string // "iex" or "sip"

	RateLimitPerMin int
	Burst           int
}

// AlpacaProvider implements Provider on top of the Alpaca market-data and
// trading REST APIs.
type AlpacaProvider struct {
	data    *marketdata.Client
	trading *alpaca.Client
	feed    marketdata.Feed
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials and
// rate limit.
func NewAlpacaProvider(opts AlpacaOptions) *AlpacaProvider {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	feed := opts.Feed
	if feed == "" {
		feed = "iex"
	}

	return &AlpacaProvider{
		data: marketdata.NewClient(dataOpts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		feed:    marketdata.Feed(feed),
		limiter: util.NewRateLimiter(opts.RateLimitPerMin, opts.Burst),
		log:     slog.Default().With("provider", "alpaca"),
	}
}

// Fetch downloads bars in [start, end). The SDK follows page tokens itself,
// so a successful response is complete.
func (p *AlpacaProvider) Fetch(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	frame, err := alpacaTimeFrame(tf)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// Alpaca treats End as inclusive; the extra bar is clipped below.
	raw, err := call(ctx, func() ([]marketdata.Bar, error) {
		return p.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: frame,
			Start:     start,
			End:       end,
			Feed:      p.feed,
		})
	})
	if err != nil {
		return nil, classifyAlpaca(fmt.Sprintf("GetBars %s %s", symbol, tf), err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     float64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	bars = clip(bars, start, end)

	p.log.Debug("fetched bars", "symbol", symbol, "timeframe", tf,
		"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339), "bars", len(bars))
	return bars, nil
}

// ValidateSymbol looks the symbol up in the asset master.
func (p *AlpacaProvider) ValidateSymbol(ctx context.Context, symbol string) (SymbolInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return SymbolInfo{}, err
	}
	asset, err := call(ctx, func() (*alpaca.Asset, error) {
		return p.trading.GetAsset(strings.ToUpper(symbol))
	})
	if err != nil {
		return SymbolInfo{}, classifyAlpaca("GetAsset "+symbol, err)
	}
	return SymbolInfo{
		Symbol:   asset.Symbol,
		Name:     asset.Name,
		Exchange: asset.Exchange,
		Tradable: asset.Tradable,
	}, nil
}

// EarliestAvailable asks for the single oldest bar of the key.
func (p *AlpacaProvider) EarliestAvailable(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, error) {
	frame, err := alpacaTimeFrame(tf)
	if err != nil {
		return time.Time{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	raw, err := call(ctx, func() ([]marketdata.Bar, error) {
		return p.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  frame,
			Start:      earliestProbeStart,
			End:        time.Now(),
			TotalLimit: 1,
			Feed:       p.feed,
		})
	})
	if err != nil {
		return time.Time{}, classifyAlpaca("GetBars(earliest) "+symbol, err)
	}
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("earliest bar for %s %s: %w", symbol, tf, ErrSymbolNotFound)
	}
	return raw[0].Timestamp.UTC(), nil
}

// HealthCheck calls the market clock endpoint.
func (p *AlpacaProvider) HealthCheck(ctx context.Context) (Health, error) {
	began := time.Now()
	clock, err := call(ctx, func() (*alpaca.Clock, error) {
		return p.trading.GetClock()
	})
	latency := time.Since(began)
	if err != nil {
		err = classifyAlpaca("GetClock", err)
		return Health{OK: false, Message: err.Error(), Latency: latency}, err
	}

	msg := "market closed"
	if clock.IsOpen {
		msg = "market open"
	}
	return Health{OK: true, Message: msg, Latency: latency}, nil
}

// alpacaTimeFrame maps a Timeframe onto the SDK's representation.
func alpacaTimeFrame(tf domain.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case domain.Timeframe1Min:
		return marketdata.NewTimeFrame(1, marketdata.Min), nil
	case domain.Timeframe5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case domain.Timeframe15Min:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case domain.Timeframe30Min:
		return marketdata.NewTimeFrame(30, marketdata.Min), nil
	case domain.Timeframe1Hour:
		return marketdata.NewTimeFrame(1, marketdata.Hour), nil
	case domain.Timeframe4Hour:
		return marketdata.NewTimeFrame(4, marketdata.Hour), nil
	case domain.Timeframe1Day:
		return marketdata.OneDay, nil
	case domain.Timeframe1Week:
		return marketdata.NewTimeFrame(1, marketdata.Week), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("%w: timeframe %q not supported by alpaca", ErrPermanent, tf)
}

// classifyAlpaca wraps err with the matching error class. HTTP status codes
// from *alpaca.APIError decide the class; anything else (network failures,
// decode errors) is treated as transient.
func classifyAlpaca(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrSymbolNotFound, err)
		case code == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
		case code >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		case code >= 400:
			return fmt.Errorf("%s: %w: %w", op, ErrPermanent, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
