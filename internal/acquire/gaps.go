// Package acquire implements the acquisition engine: gap analysis, segment
// planning, resilient segment fetching and the operation orchestrator.
package acquire

import (
	"fmt"
	"time"

	"marketcache/internal/domain"
)

// AnalyzeGaps returns the sorted, non-overlapping ranges inside [start, end)
// that mode says must be fetched, given the cached series existing.
//
//   - tail:     [max(last, start), end)
//   - backfill: [start, min(first, end))
//   - full:     the backfill gap, every interior hole [prev+tf, next) where
//     consecutive bars are more than one timeframe apart, and the tail gap.
//
// A nil or empty existing series yields the whole window for every mode. The
// tail gap starts at the last cached bar so that a bar still forming when it
// was cached is refreshed.
func AnalyzeGaps(existing *domain.Series, mode domain.Mode, start, end time.Time, tf domain.Timeframe) ([]domain.Gap, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: mode %d", domain.ErrInvalidArgument, int(mode))
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: timeframe %q", domain.ErrInvalidArgument, tf)
	}
	if !start.Before(end) {
		return nil, nil
	}
	if existing.Empty() {
		return []domain.Gap{{Start: start, End: end}}, nil
	}

	first, last := existing.Start(), existing.End()
	var gaps []domain.Gap
	add := func(s, e time.Time) {
		if s.Before(start) {
			s = start
		}
		if e.After(end) {
			e = end
		}
		if s.Before(e) {
			gaps = append(gaps, domain.Gap{Start: s, End: e})
		}
	}

	switch mode {
	case domain.ModeTail:
		add(maxTime(last, start), end)
	case domain.ModeBackfill:
		add(start, minTime(first, end))
	case domain.ModeFull:
		add(start, minTime(first, end))
		step := tf.Duration()
		bars := existing.Bars
		for i := 1; i < len(bars); i++ {
			prev, next := bars[i-1].Timestamp, bars[i].Timestamp
			if !next.After(start) {
				continue
			}
			if !prev.Before(end) {
				break
			}
			if next.Sub(prev) > step {
				add(prev.Add(step), next)
			}
		}
		add(maxTime(last, start), end)
	}
	return gaps, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
