// Package api exposes the bar cache and the acquisition orchestrator to
// callers: MarketDataService is the in-process surface and Server its HTTP
// transport.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketcache/internal/acquire"
	"marketcache/internal/domain"
	"marketcache/internal/metrics"
	"marketcache/internal/provider"
	"marketcache/internal/store"
)

// Acquirer is the orchestration control surface used by the service.
type Acquirer interface {
	Start(ctx context.Context, req acquire.Request) (string, error)
	Status(ctx context.Context, id string) (acquire.Status, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]acquire.Status, error)
	Subscribe(id string, bufSize int) (int, <-chan acquire.Progress, error)
	Unsubscribe(id string, subID int)
	Busy(symbol string, tf domain.Timeframe) bool
	WithKeyIdle(symbol string, tf domain.Timeframe, fn func() error) error
}

var _ Acquirer = (*acquire.Orchestrator)(nil)

// MarketDataService combines the synchronous cache path with the
// long-running acquisition path.
type MarketDataService struct {
	cache    store.BarCache
	acquirer Acquirer
	prov     provider.Provider // optional, used by Health
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewMarketDataService creates a MarketDataService. prov may be nil.
func NewMarketDataService(cache store.BarCache, acquirer Acquirer, prov provider.Provider, m *metrics.Metrics, log *slog.Logger) *MarketDataService {
	if log == nil {
		log = slog.Default()
	}
	return &MarketDataService{
		cache:    cache,
		acquirer: acquirer,
		prov:     prov,
		metrics:  m,
		log:      log.With("component", "service"),
	}
}

// ---------------------------------------------------------------------------
// Fast path
// ---------------------------------------------------------------------------

// LoadFromCache returns cached bars, optionally limited to rng. Reads are
// allowed while an acquisition writes the key.
func (s *MarketDataService) LoadFromCache(symbol string, tf domain.Timeframe, rng *domain.TimeRange) (domain.Series, error) {
	return s.cache.Load(symbol, tf, rng)
}

// SaveToCache replaces the cached series. It fails with domain.ErrKeyBusy
// while an acquisition runs for the key.
func (s *MarketDataService) SaveToCache(symbol string, tf domain.Timeframe, bars []domain.Bar) error {
	err := s.whileIdle(symbol, tf, func() error { return s.cache.Save(symbol, tf, bars) })
	if errors.Is(err, domain.ErrKeyBusy) {
		return fmt.Errorf("save %s/%s: %w", symbol, tf, domain.ErrKeyBusy)
	}
	s.metrics.RecordCacheWrite("save", err)
	return err
}

// GetCachedRange returns the first/last timestamps and count for the key.
func (s *MarketDataService) GetCachedRange(symbol string, tf domain.Timeframe) (domain.SeriesRange, error) {
	return s.cache.Range(symbol, tf)
}

// DeleteFromCache removes a cached series. It fails with domain.ErrKeyBusy
// while an acquisition runs for the key.
func (s *MarketDataService) DeleteFromCache(symbol string, tf domain.Timeframe) error {
	err := s.whileIdle(symbol, tf, func() error { return s.cache.Delete(symbol, tf) })
	if errors.Is(err, domain.ErrKeyBusy) {
		return fmt.Errorf("delete %s/%s: %w", symbol, tf, domain.ErrKeyBusy)
	}
	s.metrics.RecordCacheWrite("delete", err)
	return err
}

// whileIdle runs a cache write with the key reserved against new
// acquisitions.
func (s *MarketDataService) whileIdle(symbol string, tf domain.Timeframe, fn func() error) error {
	if s.acquirer == nil {
		return fn()
	}
	return s.acquirer.WithKeyIdle(symbol, tf, fn)
}

// Keys lists cached keys.
func (s *MarketDataService) Keys() ([]store.Key, error) {
	return s.cache.Keys()
}

// ---------------------------------------------------------------------------
// Acquisition
// ---------------------------------------------------------------------------

// StartAcquisition launches an acquisition and returns its operation ID.
func (s *MarketDataService) StartAcquisition(ctx context.Context, req acquire.Request) (string, error) {
	id, err := s.acquirer.Start(ctx, req)
	if err != nil {
		s.log.Info("acquisition rejected", "symbol", req.Symbol, "timeframe", req.Timeframe, "error", err)
		return "", err
	}
	return id, nil
}

// AcquisitionStatus returns the operation record.
func (s *MarketDataService) AcquisitionStatus(ctx context.Context, id string) (acquire.Status, error) {
	return s.acquirer.Status(ctx, id)
}

// CancelAcquisition requests cancellation.
func (s *MarketDataService) CancelAcquisition(ctx context.Context, id string) error {
	return s.acquirer.Cancel(ctx, id)
}

// ListAcquisitions lists known operations, newest first.
func (s *MarketDataService) ListAcquisitions(ctx context.Context) ([]acquire.Status, error) {
	return s.acquirer.List(ctx)
}

// SubscribeProgress streams progress snapshots of one operation.
func (s *MarketDataService) SubscribeProgress(id string, bufSize int) (int, <-chan acquire.Progress, error) {
	return s.acquirer.Subscribe(id, bufSize)
}

// UnsubscribeProgress ends a SubscribeProgress stream.
func (s *MarketDataService) UnsubscribeProgress(id string, subID int) {
	s.acquirer.Unsubscribe(id, subID)
}

// HealthReport is the /healthz document.
type HealthReport struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	Latency  string `json:"latency,omitempty"`
}

// Health reports service health including provider reachability.
func (s *MarketDataService) Health(ctx context.Context) HealthReport {
	if s.prov == nil {
		return HealthReport{OK: true, Provider: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h, err := s.prov.HealthCheck(ctx)
	if err != nil {
		return HealthReport{OK: false, Provider: err.Error(), Latency: h.Latency.String()}
	}
	return HealthReport{OK: true, Provider: h.Message, Latency: h.Latency.String()}
}
