package acquire

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketcache/internal/domain"
	"marketcache/internal/provider"
	"marketcache/internal/store"
)

// HeadCache remembers each key's earliest available timestamp. Lookups go to
// memory, then the optional persistent store, then the provider. Concurrent
// lookups for one key share a single provider call.
type HeadCache struct {
	prov    provider.Provider
	persist store.HeadStore // nil disables persistence
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	mem   map[store.Key]store.HeadRecord
}

// NewHeadCache builds a HeadCache. A ttl of zero keeps entries forever.
func NewHeadCache(prov provider.Provider, persist store.HeadStore, ttl time.Duration, log *slog.Logger) *HeadCache {
	if log == nil {
		log = slog.Default()
	}
	return &HeadCache{
		prov:    prov,
		persist: persist,
		ttl:     ttl,
		now:     time.Now,
		log:     log.With("component", "heads"),
		mem:     make(map[store.Key]store.HeadRecord),
	}
}

func (h *HeadCache) fresh(rec store.HeadRecord) bool {
	return h.ttl <= 0 || h.now().Sub(rec.FetchedAt) < h.ttl
}

// Earliest returns the earliest available timestamp for the key.
func (h *HeadCache) Earliest(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, error) {
	key := store.Key{Symbol: symbol, Timeframe: tf}

	h.mu.Lock()
	rec, ok := h.mem[key]
	h.mu.Unlock()
	if ok && h.fresh(rec) {
		return rec.Earliest, nil
	}

	v, err, _ := h.group.Do(key.String(), func() (any, error) {
		if h.persist != nil {
			rec, err := h.persist.GetHead(ctx, symbol, string(tf))
			switch {
			case err == nil && h.fresh(rec):
				h.remember(key, rec)
				return rec.Earliest, nil
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				h.log.Warn("reading persisted head timestamp", "key", key.String(), "error", err)
			}
		}

		t, err := h.prov.EarliestAvailable(ctx, symbol, tf)
		if err != nil {
			return time.Time{}, err
		}
		rec := store.HeadRecord{Symbol: symbol, Timeframe: string(tf), Earliest: t.UTC(), FetchedAt: h.now()}
		h.remember(key, rec)
		if h.persist != nil {
			if err := h.persist.PutHead(ctx, rec); err != nil {
				h.log.Warn("persisting head timestamp", "key", key.String(), "error", err)
			}
		}
		return rec.Earliest, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (h *HeadCache) remember(key store.Key, rec store.HeadRecord) {
	h.mu.Lock()
	h.mem[key] = rec
	h.mu.Unlock()
}
