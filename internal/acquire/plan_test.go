package acquire

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"marketcache/internal/domain"
	"marketcache/internal/provider/providertest"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func seriesOf(bars []domain.Bar) *domain.Series {
	return &domain.Series{Symbol: "TEST", Timeframe: domain.Timeframe1Day, Bars: bars}
}

func TestAnalyzeGapsTailScenario(t *testing.T) {
	existing := seriesOf(providertest.GenerateBars(day(1), domain.Timeframe1Day, 10)) // Jan1..Jan10

	gaps, err := AnalyzeGaps(existing, domain.ModeTail, day(1), day(15), domain.Timeframe1Day)
	if err != nil {
		t.Fatalf("AnalyzeGaps: %v", err)
	}
	if len(gaps) != 1 || !gaps[0].Start.Equal(day(10)) || !gaps[0].End.Equal(day(15)) {
		t.Errorf("gaps = %v, want [[Jan10, Jan15)]", gaps)
	}
}

func TestAnalyzeGapsAbsentSeries(t *testing.T) {
	for _, mode := range []domain.Mode{domain.ModeTail, domain.ModeBackfill, domain.ModeFull} {
		for _, existing := range []*domain.Series{nil, seriesOf(nil)} {
			gaps, err := AnalyzeGaps(existing, mode, day(1), day(31), domain.Timeframe1Day)
			if err != nil {
				t.Fatalf("%s: %v", mode, err)
			}
			if len(gaps) != 1 || !gaps[0].Start.Equal(day(1)) || !gaps[0].End.Equal(day(31)) {
				t.Errorf("%s: gaps = %v, want [[Jan1, Jan31)]", mode, gaps)
			}
		}
	}
}

func TestAnalyzeGapsModes(t *testing.T) {
	// Jan5..Jan9 and Jan13..Jan14 cached; Jan10..Jan12 missing.
	bars := append(providertest.GenerateBars(day(5), domain.Timeframe1Day, 5),
		providertest.GenerateBars(day(13), domain.Timeframe1Day, 2)...)
	existing := seriesOf(bars)

	cases := []struct {
		mode domain.Mode
		want []domain.Gap
	}{
		{domain.ModeTail, []domain.Gap{{Start: day(14), End: day(20)}}},
		{domain.ModeBackfill, []domain.Gap{{Start: day(1), End: day(5)}}},
		{domain.ModeFull, []domain.Gap{
			{Start: day(1), End: day(5)},
			{Start: day(10), End: day(13)},
			{Start: day(14), End: day(20)},
		}},
	}
	for _, c := range cases {
		got, err := AnalyzeGaps(existing, c.mode, day(1), day(20), domain.Timeframe1Day)
		if err != nil {
			t.Fatalf("%s: %v", c.mode, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("%s: gaps = %v, want %v", c.mode, got, c.want)
		}
		for i := range got {
			if !got[i].Start.Equal(c.want[i].Start) || !got[i].End.Equal(c.want[i].End) {
				t.Errorf("%s: gap %d = %v, want %v", c.mode, i, got[i], c.want[i])
			}
		}
	}
}

func TestAnalyzeGapsWindowInsideCache(t *testing.T) {
	existing := seriesOf(providertest.GenerateBars(day(1), domain.Timeframe1Day, 20))

	gaps, err := AnalyzeGaps(existing, domain.ModeBackfill, day(5), day(10), domain.Timeframe1Day)
	if err != nil || len(gaps) != 0 {
		t.Errorf("backfill inside cache: gaps = %v, err = %v", gaps, err)
	}
	gaps, err = AnalyzeGaps(existing, domain.ModeFull, day(5), day(10), domain.Timeframe1Day)
	if err != nil || len(gaps) != 0 {
		t.Errorf("full inside cache: gaps = %v, err = %v", gaps, err)
	}
}

func TestAnalyzeGapsInvalid(t *testing.T) {
	if _, err := AnalyzeGaps(nil, domain.Mode(0), day(1), day(2), domain.Timeframe1Day); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("bad mode err = %v", err)
	}
	if _, err := AnalyzeGaps(nil, domain.ModeTail, day(1), day(2), "2d"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("bad timeframe err = %v", err)
	}
	if gaps, err := AnalyzeGaps(nil, domain.ModeTail, day(2), day(2), domain.Timeframe1Day); err != nil || gaps != nil {
		t.Errorf("empty window = %v, %v", gaps, err)
	}
}

// TestAnalyzeGapsProperties checks on random series that gaps are sorted,
// non-overlapping, inside the window, and that in full mode every grid point
// of the window is either cached or inside a gap.
func TestAnalyzeGapsProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	tf := domain.Timeframe1Hour
	step := tf.Duration()
	origin := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for iter := 0; iter < 200; iter++ {
		var bars []domain.Bar
		for i := 0; i < 120; i++ {
			if rng.IntN(3) == 0 {
				continue
			}
			b := providertest.GenerateBars(origin.Add(time.Duration(i)*step), tf, 1)[0]
			bars = append(bars, b)
		}
		existing := seriesOf(bars)
		start := origin.Add(time.Duration(rng.IntN(60)) * step)
		end := start.Add(time.Duration(1+rng.IntN(100)) * step)

		for _, mode := range []domain.Mode{domain.ModeTail, domain.ModeBackfill, domain.ModeFull} {
			gaps, err := AnalyzeGaps(existing, mode, start, end, tf)
			if err != nil {
				t.Fatalf("iter %d %s: %v", iter, mode, err)
			}
			for i, g := range gaps {
				if !g.Start.Before(g.End) {
					t.Fatalf("iter %d %s: empty gap %v", iter, mode, g)
				}
				if g.Start.Before(start) || g.End.After(end) {
					t.Fatalf("iter %d %s: gap %v outside window", iter, mode, g)
				}
				if i > 0 && g.Start.Before(gaps[i-1].End) {
					t.Fatalf("iter %d %s: gaps overlap or unsorted: %v", iter, mode, gaps)
				}
			}
			if mode != domain.ModeFull {
				continue
			}

			cached := make(map[int64]bool, len(bars))
			for _, b := range bars {
				cached[b.Timestamp.UnixNano()] = true
			}
			for ts := start; ts.Before(end); ts = ts.Add(step) {
				if cached[ts.UnixNano()] {
					continue
				}
				covered := false
				for _, g := range gaps {
					if !ts.Before(g.Start) && ts.Before(g.End) {
						covered = true
						break
					}
				}
				if !covered {
					t.Fatalf("iter %d: %s neither cached nor in gaps %v", iter, ts, gaps)
				}
			}
		}
	}
}

func TestPlanSegmentsTenDaysThreeDaySpan(t *testing.T) {
	gaps := []domain.Gap{{Start: day(1), End: day(11)}}
	segs, err := PlanSegments(gaps, 3*24*time.Hour, domain.ModeBackfill)
	if err != nil {
		t.Fatalf("PlanSegments: %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4: %v", len(segs), segs)
	}
	wantStarts := []int{1, 4, 7, 10}
	for i, s := range segs {
		if !s.Start.Equal(day(wantStarts[i])) {
			t.Errorf("segment %d starts %s, want Jan%d", i, s.Start, wantStarts[i])
		}
		if s.Priority != i || s.Index != i {
			t.Errorf("segment %d priority/index = %d/%d", i, s.Priority, s.Index)
		}
	}
	if !segs[3].End.Equal(day(11)) {
		t.Errorf("last segment ends %s, want Jan11", segs[3].End)
	}
}

func TestPlanSegmentsOrdering(t *testing.T) {
	gaps := []domain.Gap{
		{Start: day(1), End: day(3)},
		{Start: day(10), End: day(14)},
	}
	span := 2 * 24 * time.Hour

	tail, err := PlanSegments(gaps, span, domain.ModeTail)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 3 || !tail[0].Start.Equal(day(12)) || !tail[2].Start.Equal(day(1)) {
		t.Errorf("tail order = %v", tail)
	}
	if tail[0].Priority != 0 || tail[0].Index != 2 {
		t.Errorf("tail first priority/index = %d/%d", tail[0].Priority, tail[0].Index)
	}

	full, err := PlanSegments(gaps, span, domain.ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(full); i++ {
		if !full[i-1].End.After(full[i-1].Start) || full[i].Start.Before(full[i-1].End) {
			t.Errorf("full order not chronological: %v", full)
		}
	}

	// Segments of a gap reassemble exactly into it.
	if !full[1].Start.Equal(day(10)) || !full[1].End.Equal(full[2].Start) || !full[2].End.Equal(day(14)) {
		t.Errorf("segments do not tile gap: %v", full)
	}
}

func TestPlanSegmentsInvalid(t *testing.T) {
	if _, err := PlanSegments(nil, 0, domain.ModeTail); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("zero span err = %v", err)
	}
	if _, err := PlanSegments(nil, time.Hour, domain.Mode(9)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("bad mode err = %v", err)
	}
	if segs, err := PlanSegments(nil, time.Hour, domain.ModeFull); err != nil || len(segs) != 0 {
		t.Errorf("no gaps = %v, %v", segs, err)
	}
}
