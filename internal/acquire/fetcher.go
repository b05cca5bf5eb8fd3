package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketcache/internal/domain"
	"marketcache/internal/metrics"
	"marketcache/internal/provider"
	"marketcache/internal/util"
)

// FetchRequest names the key and the planned segments of one run.
type FetchRequest struct {
	Symbol    string
	Timeframe domain.Timeframe
	Segments  []domain.Segment
}

// SegmentOutcome is the per-segment record kept on an operation.
type SegmentOutcome struct {
	Segment    domain.Segment       `json:"segment"`
	Status     domain.SegmentStatus `json:"status"`
	Attempts   int                  `json:"attempts"`
	Bars       int                  `json:"bars"`
	Error      string               `json:"error,omitempty"`
	ErrorClass string               `json:"error_class,omitempty"`
}

// FetchResult summarises a run. Failed segments are reported through the
// counts, never through Run's error.
type FetchResult struct {
	// Pending holds fetched bars not yet handed to a successful SaveFunc call.
	Pending     []domain.Bar
	BarsFetched int
	BarsSaved   int
	Succeeded   int
	Failed      int
	Skipped     int
	Outcomes    []SegmentOutcome
}

// SaveFunc persists bars fetched since the previous successful save.
type SaveFunc func(bars []domain.Bar) error

// Observer receives fetch progress. Calls come from the goroutine running
// Fetcher.Run.
type Observer interface {
	SegmentStarted(seg domain.Segment, done, total int)
	SegmentRetry(seg domain.Segment, attempt int, err error, wait time.Duration)
	SegmentFinished(out SegmentOutcome, done, total int)
	Saved(bars int, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SegmentStarted(domain.Segment, int, int) {}
func (NopObserver) SegmentRetry(domain.Segment, int, error, time.Duration) {}
func (NopObserver) SegmentFinished(SegmentOutcome, int, int) {}
func (NopObserver) Saved(int, error) {}

// Fetcher downloads segments one at a time in priority order, retrying
// retryable provider failures and saving progress periodically.
type Fetcher struct {
	Provider provider.Provider
	// Backoff sets attempts, base delay and cap. Retryable and OnRetry are
	// filled in per segment.
	Backoff util.Backoff
	// SaveInterval is the minimum wall-clock time between periodic saves.
	// Zero disables periodic saves; everything is returned in Pending.
	SaveInterval time.Duration
	// MaxTrailingGap, if positive, rejects a non-empty response whose last
	// bar closes more than this long before the segment end, treating it as
	// a silently truncated page. Zero accepts any trailing gap.
	MaxTrailingGap time.Duration

	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fetcher) log() *slog.Logger {
	if f.Log != nil {
		return f.Log
	}
	return slog.Default()
}

// Run fetches req.Segments. It returns an error wrapping domain.ErrCancelled
// only when ctx ends before every segment was attempted; the result still
// carries everything fetched up to that point.
func (f *Fetcher) Run(ctx context.Context, req FetchRequest, obs Observer, save SaveFunc) (FetchResult, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	total := len(req.Segments)
	res := FetchResult{Outcomes: make([]SegmentOutcome, total)}
	for i, seg := range req.Segments {
		res.Outcomes[i] = SegmentOutcome{Segment: seg, Status: domain.SegmentPending}
	}

	lastSave := f.now()
	skipRest := func(from int) {
		for j := from; j < total; j++ {
			res.Outcomes[j].Status = domain.SegmentSkipped
			res.Skipped++
		}
	}

	for i, seg := range req.Segments {
		if err := ctx.Err(); err != nil {
			skipRest(i)
			return res, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}

		obs.SegmentStarted(seg, i, total)
		bars, attempts, err := f.fetchSegment(ctx, req, seg, obs)
		out := &res.Outcomes[i]
		out.Attempts = attempts

		if err != nil && ctx.Err() != nil {
			// Interrupted mid-segment; the segment was not fully tried.
			skipRest(i)
			obs.SegmentFinished(*out, i+1, total)
			return res, fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}

		if err != nil {
			out.Status = domain.SegmentFailed
			out.Error = err.Error()
			out.ErrorClass = provider.Class(err)
			res.Failed++
			f.log().Warn("segment failed", "symbol", req.Symbol, "timeframe", req.Timeframe,
				"segment", seg.String(), "attempts", attempts, "error", err)
		} else {
			out.Status = domain.SegmentSucceeded
			out.Bars = len(bars)
			res.Succeeded++
			res.BarsFetched += len(bars)
			res.Pending = append(res.Pending, bars...)
		}
		f.Metrics.RecordSegment(string(out.Status), out.Bars)
		obs.SegmentFinished(*out, i+1, total)

		if save != nil && f.SaveInterval > 0 && len(res.Pending) > 0 && f.now().Sub(lastSave) >= f.SaveInterval {
			n := len(res.Pending)
			err := save(res.Pending)
			f.Metrics.RecordCacheWrite("periodic", err)
			if err != nil {
				f.log().Warn("periodic save failed, keeping bars for next interval",
					"symbol", req.Symbol, "timeframe", req.Timeframe, "bars", n, "error", err)
			} else {
				res.BarsSaved += n
				res.Pending = nil
			}
			obs.Saved(n, err)
			lastSave = f.now()
		}
	}
	return res, nil
}

// fetchSegment calls the provider with retries and validates the response.
func (f *Fetcher) fetchSegment(ctx context.Context, req FetchRequest, seg domain.Segment, obs Observer) ([]domain.Bar, int, error) {
	var bars []domain.Bar

	b := f.Backoff
	b.Retryable = provider.IsRetryable
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		class := provider.Class(err)
		f.Metrics.RecordRetry(class)
		f.log().Info("retrying segment", "symbol", req.Symbol, "timeframe", req.Timeframe,
			"segment", seg.String(), "attempt", attempt, "class", class, "wait", wait, "error", err)
		obs.SegmentRetry(seg, attempt, err, wait)
	}

	attempts, err := b.Do(ctx, func(ctx context.Context) error {
		began := time.Now()
		got, err := f.Provider.Fetch(ctx, req.Symbol, req.Timeframe, seg.Start, seg.End)
		f.Metrics.RecordProviderCall("fetch", provider.Class(err), time.Since(began))
		if err != nil {
			return err
		}
		if err := checkResponse(got, seg, req.Timeframe, f.MaxTrailingGap); err != nil {
			return err
		}
		bars = got
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return bars, attempts, nil
}

// checkResponse enforces the provider contract: ordered, consistent bars
// inside the segment, ending no more than maxTrailingGap before its end when
// that is positive. Violations are reported as truncation so they are
// retried.
func checkResponse(bars []domain.Bar, seg domain.Segment, tf domain.Timeframe, maxTrailingGap time.Duration) error {
	if err := domain.ValidateBars(bars); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTruncated, err)
	}
	if len(bars) == 0 {
		return nil
	}
	if first := bars[0].Timestamp; first.Before(seg.Start) {
		return fmt.Errorf("%w: bar at %s before segment start %s", provider.ErrTruncated,
			first.Format(time.RFC3339), seg.Start.Format(time.RFC3339))
	}
	if last := bars[len(bars)-1].Timestamp; !last.Before(seg.End) {
		return fmt.Errorf("%w: bar at %s at or after segment end %s", provider.ErrTruncated,
			last.Format(time.RFC3339), seg.End.Format(time.RFC3339))
	}
	if maxTrailingGap > 0 {
		last := bars[len(bars)-1].Timestamp
		if gap := seg.End.Sub(last.Add(tf.Duration())); gap > maxTrailingGap {
			return fmt.Errorf("%w: response ends at %s, %s before segment end %s", provider.ErrTruncated,
				last.Format(time.RFC3339), gap, seg.End.Format(time.RFC3339))
		}
	}
	return nil
}

// isCancellation reports whether err stems from context cancellation or
// deadline.
func isCancellation(err error) bool {
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
