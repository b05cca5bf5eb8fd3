package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketcache/internal/domain"
)

// Compile-time interface check.
var _ BarCache = (*ParquetStore)(nil)

// ParquetStore implements BarCache with one Parquet file per (symbol,
// timeframe) key. Writes go to a temporary file that is renamed over the
// destination, so readers never observe a partially written series.
type ParquetStore struct {
	DataDir string

	locks sync.Map // Key -> *sync.RWMutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for cached bars.
type BarRecord struct {
	Timestamp  int64   `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

func toRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Timestamp:  b.Timestamp.UnixNano(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func fromRecord(r BarRecord) domain.Bar {
	return domain.Bar{
		Timestamp:  time.Unix(0, r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// ---------------------------------------------------------------------------
// BarCache implementation
// ---------------------------------------------------------------------------

// Load reads the series for the key, optionally restricted to rng.
func (s *ParquetStore) Load(symbol string, tf domain.Timeframe, rng *domain.TimeRange) (domain.Series, error) {
	key, err := makeKey(symbol, tf)
	if err != nil {
		return domain.Series{}, err
	}
	mu := s.lock(key)
	mu.RLock()
	defer mu.RUnlock()

	records, err := readParquetFile[BarRecord](s.barPath(key))
	if err != nil {
		return domain.Series{}, fmt.Errorf("loading %s: %w", key, err)
	}

	series := domain.Series{Symbol: key.Symbol, Timeframe: key.Timeframe, Bars: make([]domain.Bar, 0, len(records))}
	for _, r := range records {
		b := fromRecord(r)
		if rng != nil && !rng.Contains(b.Timestamp) {
			continue
		}
		series.Bars = append(series.Bars, b)
	}
	return series, nil
}

// Save validates bars and replaces the stored series.
func (s *ParquetStore) Save(symbol string, tf domain.Timeframe, bars []domain.Bar) error {
	key, err := makeKey(symbol, tf)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return fmt.Errorf("saving %s: %w: empty series", key, domain.ErrInvalidData)
	}
	if err := domain.ValidateBars(bars); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	return s.write(key, bars)
}

// Merge unions incoming into the stored series. A missing key is treated as
// an empty series.
func (s *ParquetStore) Merge(symbol string, tf domain.Timeframe, incoming []domain.Bar) (domain.SeriesRange, error) {
	key, err := makeKey(symbol, tf)
	if err != nil {
		return domain.SeriesRange{}, err
	}

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	var existing []domain.Bar
	records, err := readParquetFile[BarRecord](s.barPath(key))
	switch {
	case err == nil:
		existing = make([]domain.Bar, len(records))
		for i, r := range records {
			existing[i] = fromRecord(r)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.SeriesRange{}, fmt.Errorf("merging %s: %w", key, err)
	}

	if len(incoming) == 0 {
		return rangeOf(existing), nil
	}

	merged, err := MergeBars(existing, incoming)
	if err != nil {
		return domain.SeriesRange{}, fmt.Errorf("merging %s: %w", key, err)
	}
	if err := s.write(key, merged); err != nil {
		return domain.SeriesRange{}, err
	}
	return rangeOf(merged), nil
}

// Range returns the extent of the stored series.
func (s *ParquetStore) Range(symbol string, tf domain.Timeframe) (domain.SeriesRange, error) {
	key, err := makeKey(symbol, tf)
	if err != nil {
		return domain.SeriesRange{}, err
	}
	mu := s.lock(key)
	mu.RLock()
	defer mu.RUnlock()

	records, err := readParquetFile[BarRecord](s.barPath(key))
	if err != nil {
		return domain.SeriesRange{}, fmt.Errorf("range of %s: %w", key, err)
	}
	if len(records) == 0 {
		return domain.SeriesRange{}, nil
	}
	return domain.SeriesRange{
		Start: time.Unix(0, records[0].Timestamp).UTC(),
		End:   time.Unix(0, records[len(records)-1].Timestamp).UTC(),
		Count: len(records),
	}, nil
}

// Delete removes the stored series.
func (s *ParquetStore) Delete(symbol string, tf domain.Timeframe) error {
	key, err := makeKey(symbol, tf)
	if err != nil {
		return err
	}
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(s.barPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting %s: %w", key, domain.ErrNotFound)
		}
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Keys lists all cached keys, sorted by timeframe then symbol.
func (s *ParquetStore) Keys() ([]Key, error) {
	var keys []Key
	for _, tf := range domain.Timeframes {
		dir := filepath.Join(s.DataDir, "bars", string(tf))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".parquet") {
				continue
			}
			keys = append(keys, Key{Symbol: strings.TrimSuffix(name, ".parquet"), Timeframe: tf})
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].Timeframe != keys[j].Timeframe {
			return keys[i].Timeframe.Duration() < keys[j].Timeframe.Duration()
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys, nil
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// MergeBars unions two bar slices by timestamp. On equal timestamps the
// incoming bar replaces the existing one. The result is sorted and validated.
func MergeBars(existing, incoming []domain.Bar) ([]domain.Bar, error) {
	seen := make(map[int64]domain.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		seen[b.Timestamp.UnixNano()] = b
	}
	for _, b := range incoming {
		seen[b.Timestamp.UnixNano()] = b
	}

	merged := make([]domain.Bar, 0, len(seen))
	for _, b := range seen {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if err := domain.ValidateBars(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func rangeOf(bars []domain.Bar) domain.SeriesRange {
	if len(bars) == 0 {
		return domain.SeriesRange{}
	}
	return domain.SeriesRange{Start: bars[0].Timestamp, End: bars[len(bars)-1].Timestamp, Count: len(bars)}
}

// ---------------------------------------------------------------------------
// Keys, paths and locks
// ---------------------------------------------------------------------------

var symbolPattern = regexp.MustCompile(`^[A-Z0-9._-]{1,32}$`)

// NormalizeSymbol upper-cases symbol and checks that it is usable as a file
// name.
func NormalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(sym) || strings.HasPrefix(sym, ".") {
		return "", fmt.Errorf("%w: invalid symbol %q", domain.ErrInvalidArgument, symbol)
	}
	return sym, nil
}

// makeKey normalises the symbol and checks both key parts.
func makeKey(symbol string, tf domain.Timeframe) (Key, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Key{}, err
	}
	if !tf.Valid() {
		return Key{}, fmt.Errorf("%w: invalid timeframe %q", domain.ErrInvalidArgument, tf)
	}
	return Key{Symbol: sym, Timeframe: tf}, nil
}

// barPath returns the filesystem path for a key.
// Layout: <dataDir>/bars/<timeframe>/<SYMBOL>.parquet
func (s *ParquetStore) barPath(key Key) string {
	return filepath.Join(s.DataDir, "bars", string(key.Timeframe), key.Symbol+".parquet")
}

func (s *ParquetStore) lock(key Key) *sync.RWMutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// write replaces the key's file. Caller holds the key's write lock.
func (s *ParquetStore) write(key Key, bars []domain.Bar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = toRecord(b)
	}
	if err := writeParquetFile(s.barPath(key), records); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes records to a temporary sibling of path and renames
// it into place.
func writeParquetFile[T any](path string, records []T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := parquet.Write(tmp, records); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
