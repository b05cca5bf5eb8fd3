// Package store defines storage interfaces for the local bar cache and for
// acquisition bookkeeping (operation history and earliest-timestamp lookups).
package store

import (
	"context"
	"time"

	"marketcache/internal/domain"
)

// Key identifies one cached series.
type Key struct {
	Symbol    string           `json:"symbol"`
	Timeframe domain.Timeframe `json:"timeframe"`
}

func (k Key) String() string { return k.Symbol + "/" + string(k.Timeframe) }

// BarCache is the synchronous local store for OHLCV series. Calls never touch
// the network and never block on anything but local disk.
type BarCache interface {
	// Load returns the cached series for the key. When rng is non-nil only
	// bars inside [rng.Start, rng.End) are returned; an empty overlap is not
	// an error. Returns domain.ErrNotFound when the key has no data.
	Load(symbol string, tf domain.Timeframe, rng *domain.TimeRange) (domain.Series, error)

	// Save validates bars and atomically replaces the stored series.
	Save(symbol string, tf domain.Timeframe, bars []domain.Bar) error

	// Merge unions incoming bars into the stored series (incoming wins on
	// equal timestamps) and atomically writes the result.
	Merge(symbol string, tf domain.Timeframe, incoming []domain.Bar) (domain.SeriesRange, error)

	// Range returns the first/last timestamps and bar count for the key.
	Range(symbol string, tf domain.Timeframe) (domain.SeriesRange, error)

	// Delete removes the stored series for the key.
	Delete(symbol string, tf domain.Timeframe) error

	// Keys lists every cached key.
	Keys() ([]Key, error)
}

// OperationRecord is the persisted form of an acquisition operation. Payload
// holds the JSON status document produced by the acquire package.
type OperationRecord struct {
	ID        string
	Symbol    string
	Timeframe string
	Mode      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   []byte
}

// OperationStore persists acquisition operation records.
type OperationStore interface {
	// SaveOperation inserts or replaces an operation record.
	SaveOperation(ctx context.Context, rec OperationRecord) error

	// GetOperation retrieves a record by ID, or domain.ErrNotFound.
	GetOperation(ctx context.Context, id string) (OperationRecord, error)

	// ListOperations returns the most recent records, newest first, up to limit.
	ListOperations(ctx context.Context, limit int) ([]OperationRecord, error)
}

// HeadRecord caches a provider's earliest-available timestamp for a key.
type HeadRecord struct {
	Symbol    string
	Timeframe string
	Earliest  time.Time
	FetchedAt time.Time
}

// HeadStore persists earliest-available timestamps between runs.
type HeadStore interface {
	// GetHead returns the cached record, or domain.ErrNotFound.
	GetHead(ctx context.Context, symbol, timeframe string) (HeadRecord, error)

	// PutHead inserts or replaces the record.
	PutHead(ctx context.Context, rec HeadRecord) error
}
