// Package domain defines the core types shared across the cache, provider
// and acquisition packages: bars, series, timeframes, gaps, segments and
// operation statuses.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Bars and series
// ---------------------------------------------------------------------------

// Bar is a single OHLCV bar. Timestamp is the bar's open time.
type Bar struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// Validate checks the bar's OHLC consistency: Low <= Open,Close <= High,
// finite values and non-negative volume.
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume, b.VWAP} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at %s", ErrInvalidData, b.Timestamp.Format(time.RFC3339))
		}
	}
	if b.Low > math.Min(b.Open, b.Close) || b.High < math.Max(b.Open, b.Close) {
		return fmt.Errorf("%w: inconsistent OHLC at %s (o=%v h=%v l=%v c=%v)",
			ErrInvalidData, b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: negative volume at %s", ErrInvalidData, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Series is an ordered run of bars for one (symbol, timeframe) key.
type Series struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Bars      []Bar     `json:"bars"`
}

// Len returns the number of bars.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// Empty reports whether the series is nil or has no bars.
func (s *Series) Empty() bool { return s.Len() == 0 }

// Start returns the timestamp of the first bar, or the zero time.
func (s *Series) Start() time.Time {
	if s.Empty() {
		return time.Time{}
	}
	return s.Bars[0].Timestamp
}

// End returns the timestamp of the last bar, or the zero time.
func (s *Series) End() time.Time {
	if s.Empty() {
		return time.Time{}
	}
	return s.Bars[len(s.Bars)-1].Timestamp
}

// Range summarises the series.
func (s *Series) Range() SeriesRange {
	return SeriesRange{Start: s.Start(), End: s.End(), Count: s.Len()}
}

// ValidateBars checks that timestamps are strictly increasing and that every
// bar is internally consistent.
func ValidateBars(bars []Bar) error {
	for i, b := range bars {
		if b.Timestamp.IsZero() {
			return fmt.Errorf("%w: bar %d has zero timestamp", ErrInvalidData, i)
		}
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: timestamps not strictly increasing at index %d (%s after %s)",
				ErrInvalidData, i, b.Timestamp.Format(time.RFC3339Nano), bars[i-1].Timestamp.Format(time.RFC3339Nano))
		}
	}
	return nil
}

// SeriesRange describes the extent of a cached series.
type SeriesRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// TimeRange is a half-open interval [Start, End). A zero Start or End leaves
// that side unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Timeframe
// ---------------------------------------------------------------------------

// Timeframe is the bar interval of a series.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe5Min  Timeframe = "5m"
	Timeframe15Min Timeframe = "15m"
	Timeframe30Min Timeframe = "30m"
	Timeframe1Hour Timeframe = "1h"
	Timeframe4Hour Timeframe = "4h"
	Timeframe1Day  Timeframe = "1d"
	Timeframe1Week Timeframe = "1w"
)

// Timeframes lists every supported timeframe, shortest first.
var Timeframes = []Timeframe{
	Timeframe1Min, Timeframe5Min, Timeframe15Min, Timeframe30Min,
	Timeframe1Hour, Timeframe4Hour, Timeframe1Day, Timeframe1Week,
}

// ParseTimeframe normalises s and returns the matching Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if tf.Duration() == 0 {
		return "", fmt.Errorf("%w: unknown timeframe %q", ErrInvalidArgument, s)
	}
	return tf, nil
}

// Duration returns the length of one bar, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe30Min:
		return 30 * time.Minute
	case Timeframe1Hour:
		return time.Hour
	case Timeframe4Hour:
		return 4 * time.Hour
	case Timeframe1Day:
		return 24 * time.Hour
	case Timeframe1Week:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }

func (tf Timeframe) String() string { return string(tf) }

// ---------------------------------------------------------------------------
// Mode
// ---------------------------------------------------------------------------

// Mode selects which missing ranges an acquisition fills.
type Mode int

const (
	// ModeTail fetches recent data after the cached range.
	ModeTail Mode = iota + 1
	// ModeBackfill fetches historical data before the cached range.
	ModeBackfill
	// ModeFull fetches every missing range, including interior holes.
	ModeFull
)

// ParseMode converts the wire name of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tail":
		return ModeTail, nil
	case "backfill":
		return ModeBackfill, nil
	case "full":
		return ModeFull, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, s)
}

func (m Mode) String() string {
	switch m {
	case ModeTail:
		return "tail"
	case ModeBackfill:
		return "backfill"
	case ModeFull:
		return "full"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool { return m >= ModeTail && m <= ModeFull }

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: invalid mode %d", ErrInvalidArgument, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ---------------------------------------------------------------------------
// Gaps and segments
// ---------------------------------------------------------------------------

// Gap is a half-open interval [Start, End) missing from the cache.
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (g Gap) Duration() time.Duration { return g.End.Sub(g.Start) }

func (g Gap) String() string {
	return fmt.Sprintf("[%s, %s)", g.Start.UTC().Format(time.RFC3339), g.End.UTC().Format(time.RFC3339))
}

// Segment is a bounded piece of a gap, fetched with a single provider call.
type Segment struct {
	Index    int       `json:"index"`    // position inside its gap plan, chronological
	Priority int       `json:"priority"` // 0 = fetched first
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

func (s Segment) String() string {
	return fmt.Sprintf("#%d [%s, %s)", s.Priority, s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
}

// SegmentStatus is the outcome of one segment.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentSucceeded SegmentStatus = "succeeded"
	SegmentFailed    SegmentStatus = "failed"
	SegmentSkipped   SegmentStatus = "skipped"
)

// ---------------------------------------------------------------------------
// Operation status and phase
// ---------------------------------------------------------------------------

// OperationStatus is the lifecycle status of a download operation.
type OperationStatus string

const (
	StatusRunning            OperationStatus = "running"
	StatusCompleted          OperationStatus = "completed"
	StatusPartiallyCompleted OperationStatus = "partially-completed"
	StatusFailed             OperationStatus = "failed"
	StatusCancelled          OperationStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Phase is the state-machine position of a running operation.
type Phase string

const (
	PhaseCreated          Phase = "created"
	PhaseValidatingRange  Phase = "validating-range"
	PhaseAnalyzingGaps    Phase = "analyzing-gaps"
	PhasePlanningSegments Phase = "planning-segments"
	PhaseFetching         Phase = "fetching"
	PhaseMerging          Phase = "merging"
	PhaseDone             Phase = "done"
)
