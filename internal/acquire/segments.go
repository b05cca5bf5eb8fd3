package acquire

import (
	"fmt"
	"time"

	"marketcache/internal/domain"
)

// PlanSegments splits every gap into consecutive windows no longer than
// maxSpan and orders them by mode: tail newest-first, backfill oldest-first,
// full chronological. Segment.Index is the chronological position and
// Segment.Priority the position in the returned order.
func PlanSegments(gaps []domain.Gap, maxSpan time.Duration, mode domain.Mode) ([]domain.Segment, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: mode %d", domain.ErrInvalidArgument, int(mode))
	}
	if maxSpan <= 0 {
		return nil, fmt.Errorf("%w: segment span must be positive, got %v", domain.ErrInvalidArgument, maxSpan)
	}

	var segs []domain.Segment
	for _, g := range gaps {
		for s := g.Start; s.Before(g.End); {
			e := s.Add(maxSpan)
			if e.After(g.End) {
				e = g.End
			}
			segs = append(segs, domain.Segment{Index: len(segs), Start: s, End: e})
			s = e
		}
	}

	switch mode {
	case domain.ModeTail:
		for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
			segs[i], segs[j] = segs[j], segs[i]
		}
	case domain.ModeBackfill, domain.ModeFull:
		// Gaps arrive sorted, so segments already are.
	}
	for i := range segs {
		segs[i].Priority = i
	}
	return segs, nil
}

// SegmentSpan returns the wall-clock span of a segment holding bars bars of
// timeframe tf.
func SegmentSpan(tf domain.Timeframe, bars int) time.Duration {
	if bars < 1 {
		bars = 1
	}
	return time.Duration(bars) * tf.Duration()
}
