package acquire

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"marketcache/internal/domain"
	"marketcache/internal/provider"
	"marketcache/internal/provider/providertest"
	"marketcache/internal/store"
)

var testNow = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	orc   *Orchestrator
	fake  *providertest.Fake
	cache *store.ParquetStore
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fake := providertest.New()
	fake.SetSeries("SPY", domain.Timeframe1Day, providertest.GenerateBars(day(1), domain.Timeframe1Day, 31))
	cache := store.NewParquetStore(t.TempDir())

	if opts.MaxSegmentBars == 0 {
		opts.MaxSegmentBars = 2
	}
	if opts.Backoff.Attempts == 0 {
		opts.Backoff = fastBackoff()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	orc := NewOrchestrator(cache, fake, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})
	return &harness{orc: orc, fake: fake, cache: cache}
}

func (h *harness) startAndWait(t *testing.T, req Request) Status {
	t.Helper()
	id, err := h.orc.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := h.orc.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return st
}

func TestOrchestratorCompletesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	req := Request{Symbol: "spy", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)}

	st := h.startAndWait(t, req)
	if st.Status != domain.StatusCompleted || st.Phase != domain.PhaseDone {
		t.Fatalf("status = %s/%s, error %q", st.Status, st.Phase, st.Error)
	}
	if st.SegmentsTotal != 5 || st.BarsFetched != 10 || len(st.FailedSegments) != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.Progress == nil || st.Progress.Percent != 100 {
		t.Errorf("final progress = %+v", st.Progress)
	}
	rng, err := h.cache.Range("SPY", domain.Timeframe1Day)
	if err != nil || rng.Count != 10 || !rng.Start.Equal(day(1)) || !rng.End.Equal(day(10)) {
		t.Fatalf("cached range = %+v, %v", rng, err)
	}

	// A second run only refreshes the last bar and leaves the cache unchanged.
	st = h.startAndWait(t, req)
	if st.Status != domain.StatusCompleted || st.SegmentsTotal != 1 {
		t.Errorf("second run = %s with %d segments", st.Status, st.SegmentsTotal)
	}
	again, _ := h.cache.Range("SPY", domain.Timeframe1Day)
	if again.Count != rng.Count || !again.Start.Equal(rng.Start) || !again.End.Equal(rng.End) {
		t.Errorf("range changed: %+v -> %+v", rng, again)
	}
}

func TestOrchestratorPartialFailure(t *testing.T) {
	h := newHarness(t, Options{})
	// Second of five chronological segments: [Jan3, Jan5).
	h.fake.FetchHook = func(_ int, c providertest.FetchCall) error {
		if c.Start.Equal(day(3)) {
			return fmt.Errorf("denied: %w", provider.ErrPermanent)
		}
		return nil
	}

	st := h.startAndWait(t, Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)})
	if st.Status != domain.StatusPartiallyCompleted {
		t.Fatalf("status = %s, want partially-completed", st.Status)
	}
	if st.SegmentsFailed != 1 || len(st.FailedSegments) != 1 || !st.FailedSegments[0].Segment.Start.Equal(day(3)) {
		t.Errorf("failed segments = %+v", st.FailedSegments)
	}
	if st.FailedSegments[0].ErrorClass != provider.ClassPermanent {
		t.Errorf("error class = %q", st.FailedSegments[0].ErrorClass)
	}

	s, err := h.cache.Load("SPY", domain.Timeframe1Day, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Bars) != 8 {
		t.Errorf("cached %d bars, want 8 (4 segments)", len(s.Bars))
	}
	for _, b := range s.Bars {
		if b.Timestamp.Equal(day(3)) || b.Timestamp.Equal(day(4)) {
			t.Errorf("bar from failed segment cached: %s", b.Timestamp)
		}
	}
}

func TestOrchestratorAllSegmentsFail(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.FetchHook = func(int, providertest.FetchCall) error { return provider.ErrPermanent }

	st := h.startAndWait(t, Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(5)})
	if st.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", st.Status)
	}
	if _, err := h.cache.Range("SPY", domain.Timeframe1Day); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cache written after total failure: %v", err)
	}
}

func TestOrchestratorCancelAtSegmentBoundary(t *testing.T) {
	h := newHarness(t, Options{})
	ids := make(chan string, 1)
	h.fake.FetchHook = func(n int, _ providertest.FetchCall) error {
		if n == 2 {
			if err := h.orc.Cancel(context.Background(), <-ids); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
		return nil
	}

	id, err := h.orc.Start(context.Background(), Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ids <- id

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := h.orc.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", st.Status)
	}
	if st.Progress == nil || st.Progress.Status != domain.StatusCancelled {
		t.Errorf("last snapshot = %+v", st.Progress)
	}

	s, err := h.cache.Load("SPY", domain.Timeframe1Day, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Bars) != 4 || !s.Bars[3].Timestamp.Equal(day(4)) {
		t.Errorf("cached %d bars ending %v, want segments 1-2 (Jan1..Jan4)", len(s.Bars), s.End())
	}
	skipped := 0
	for _, out := range st.Segments {
		if out.Status == domain.SegmentSkipped {
			skipped++
		}
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
}

func TestOrchestratorRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, Options{})
	cases := []Request{
		{Symbol: "", Timeframe: domain.Timeframe1Day, Mode: domain.ModeTail},
		{Symbol: "../x", Timeframe: domain.Timeframe1Day, Mode: domain.ModeTail},
		{Symbol: "SPY", Timeframe: "3d", Mode: domain.ModeTail},
		{Symbol: "SPY", Timeframe: domain.Timeframe1Day},
		{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(5), End: day(5)},
		{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: testNow.Add(time.Hour)},
	}
	for _, req := range cases {
		if _, err := h.orc.Start(context.Background(), req); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("Start(%+v) err = %v, want ErrInvalidRequest", req, err)
		}
	}
	if list, _ := h.orc.List(context.Background()); len(list) != 0 {
		t.Errorf("rejected requests created %d operations", len(list))
	}
}

func TestOrchestratorProviderChecks(t *testing.T) {
	h := newHarness(t, Options{ValidateSymbols: true})
	req := Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeTail}

	h.fake.HealthErr = errors.New("connection refused")
	if _, err := h.orc.Start(context.Background(), req); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("unhealthy provider err = %v", err)
	}
	h.fake.HealthErr = nil

	h.fake.Unknown["NOPE"] = true
	req.Symbol = "nope"
	if _, err := h.orc.Start(context.Background(), req); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("unknown symbol err = %v", err)
	}
}

func TestOrchestratorBusyKeyAndShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.Delay = time.Minute
	req := Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)}

	id, err := h.orc.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.orc.Busy("spy", domain.Timeframe1Day) {
		t.Error("key not busy while running")
	}
	if _, err := h.orc.Start(context.Background(), req); !errors.Is(err, domain.ErrKeyBusy) {
		t.Errorf("second start err = %v, want ErrKeyBusy", err)
	}
	other := req
	other.Timeframe = domain.Timeframe1Hour
	if h.orc.Busy(other.Symbol, other.Timeframe) {
		t.Error("different timeframe reported busy")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	st, err := h.orc.Status(ctx, id)
	if err != nil || st.Status != domain.StatusCancelled {
		t.Errorf("status after shutdown = %s, %v", st.Status, err)
	}
	if h.orc.Busy("SPY", domain.Timeframe1Day) {
		t.Error("key still busy after shutdown")
	}
	if _, err := h.orc.Start(context.Background(), other); !errors.Is(err, ErrClosed) {
		t.Errorf("start after shutdown err = %v", err)
	}
}

func TestOrchestratorWithKeyIdle(t *testing.T) {
	h := newHarness(t, Options{})
	req := Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)}

	err := h.orc.WithKeyIdle("spy", domain.Timeframe1Day, func() error {
		if _, err := h.orc.Start(context.Background(), req); !errors.Is(err, domain.ErrKeyBusy) {
			t.Errorf("start while reserved err = %v, want ErrKeyBusy", err)
		}
		other := req
		other.Timeframe = domain.Timeframe1Hour
		other.Start, other.End = day(1), day(2)
		id, err := h.orc.Start(context.Background(), other)
		if err != nil {
			t.Errorf("start on other key: %v", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = h.orc.Wait(ctx, id)
		return err
	})
	if err != nil {
		t.Fatalf("WithKeyIdle: %v", err)
	}

	h.fake.Delay = time.Minute
	id, err := h.orc.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start after release: %v", err)
	}
	called := false
	err = h.orc.WithKeyIdle("SPY", domain.Timeframe1Day, func() error { called = true; return nil })
	if !errors.Is(err, domain.ErrKeyBusy) || called {
		t.Errorf("WithKeyIdle while running: err = %v, called = %t", err, called)
	}
	if err := h.orc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestOrchestratorPeriodicSave(t *testing.T) {
	// Each reading of the clock advances it by an hour, so every segment
	// boundary is past the save interval.
	var ticks atomic.Int64
	clock := func() time.Time { return testNow.Add(time.Duration(ticks.Add(1)) * time.Hour) }
	h := newHarness(t, Options{SaveInterval: time.Hour, Now: clock})

	var cached []int
	h.fake.FetchHook = func(n int, _ providertest.FetchCall) error {
		if n == 1 {
			return nil
		}
		rng, err := h.cache.Range("SPY", domain.Timeframe1Day)
		if err != nil {
			return fmt.Errorf("range before call %d: %w", n, provider.ErrPermanent)
		}
		cached = append(cached, rng.Count)
		return nil
	}

	st := h.startAndWait(t, Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)})
	if st.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, error %q", st.Status, st.Error)
	}
	if want := []int{2, 4, 6, 8}; fmt.Sprint(cached) != fmt.Sprint(want) {
		t.Errorf("cached counts seen by later fetches = %v, want %v", cached, want)
	}
	if st.BarsFetched != 10 || st.BarsSaved != st.BarsFetched {
		t.Errorf("fetched %d saved %d", st.BarsFetched, st.BarsSaved)
	}
	rng, err := h.cache.Range("SPY", domain.Timeframe1Day)
	if err != nil || rng.Count != 10 {
		t.Errorf("cached range = %+v, %v", rng, err)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	h := newHarness(t, Options{OperationTimeout: 50 * time.Millisecond})
	h.fake.Delay = time.Minute

	st := h.startAndWait(t, Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)})
	if st.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", st.Status)
	}
	if !strings.Contains(st.Error, "deadline") {
		t.Errorf("error = %q, want deadline", st.Error)
	}
}

func TestOrchestratorEarliestClampAndFallback(t *testing.T) {
	h := newHarness(t, Options{FallbackLookback: 5 * 24 * time.Hour})
	h.fake.SetEarliest("SPY", domain.Timeframe1Day, day(20))

	st := h.startAndWait(t, Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeBackfill, Start: day(1), End: day(25)})
	if st.Status != domain.StatusCompleted || !st.Start.Equal(day(20)) {
		t.Errorf("clamped run = %s from %s", st.Status, st.Start)
	}
	if len(st.Warnings) != 1 || !strings.Contains(st.Warnings[0], "clamped") {
		t.Errorf("warnings = %q", st.Warnings)
	}
	if st.BarsFetched != 5 {
		t.Errorf("bars fetched = %d, want 5", st.BarsFetched)
	}

	// A failing lookup on another key falls back to now - lookback.
	h.fake.EarliestErr = errors.New("lookup timed out")
	h.fake.SetSeries("QQQ", domain.Timeframe1Day, providertest.GenerateBars(day(1), domain.Timeframe1Day, 31))
	st = h.startAndWait(t, Request{Symbol: "QQQ", Timeframe: domain.Timeframe1Day, Mode: domain.ModeTail})
	if st.Status != domain.StatusCompleted {
		t.Fatalf("fallback run = %s: %s", st.Status, st.Error)
	}
	if want := testNow.Add(-5 * 24 * time.Hour); !st.Start.Equal(want) || !st.End.Equal(testNow) {
		t.Errorf("resolved range = [%s, %s), want [%s, %s)", st.Start, st.End, want, testNow)
	}
	if len(st.Warnings) == 0 || !strings.Contains(st.Warnings[0], "earliest") {
		t.Errorf("warnings = %q", st.Warnings)
	}
}

func TestOrchestratorEmptyRangeAfterClamp(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.SetEarliest("SPY", domain.Timeframe1Day, day(20))

	st := h.startAndWait(t, Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(10)})
	if st.Status != domain.StatusCompleted || st.SegmentsTotal != 0 {
		t.Errorf("collapsed range = %s with %d segments", st.Status, st.SegmentsTotal)
	}
	if len(h.fake.Calls()) != 0 {
		t.Errorf("provider fetched %d times", len(h.fake.Calls()))
	}
}

func TestOrchestratorSubscribe(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.fake.FetchHook = func(n int, _ providertest.FetchCall) error {
		if n == 1 {
			<-release
		}
		return nil
	}

	id, err := h.orc.Start(context.Background(), Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(11)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, ch, err := h.orc.Subscribe(id, 256)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(release)

	var last Progress
	prevPercent := -1.0
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case p, ok := <-ch:
			if !ok {
				done = true
				break
			}
			if p.Percent < prevPercent {
				t.Errorf("percent went backwards: %v -> %v", prevPercent, p.Percent)
			}
			prevPercent = p.Percent
			last = p
		case <-timeout:
			t.Fatal("subscription not closed")
		}
	}
	if last.Status != domain.StatusCompleted || last.Percent != 100 || last.OperationID != id {
		t.Errorf("last snapshot = %+v", last)
	}

	// Subscribing to a finished operation yields the final snapshot only.
	_, ch, err = h.orc.Subscribe(id, 1)
	if err != nil {
		t.Fatalf("Subscribe after finish: %v", err)
	}
	if p := <-ch; p.Status != domain.StatusCompleted {
		t.Errorf("late snapshot = %+v", p)
	}
	if _, ok := <-ch; ok {
		t.Error("late subscription not closed")
	}

	if _, _, err := h.orc.Subscribe("missing", 1); !errors.Is(err, domain.ErrOperationNotFound) {
		t.Errorf("unknown id err = %v", err)
	}
}

func TestOrchestratorHistoryPersistence(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	h := newHarness(t, Options{History: db, HistoryLimit: 1})
	req := Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeFull, Start: day(1), End: day(5)}
	first := h.startAndWait(t, req)
	second := h.startAndWait(t, req)

	// Only one finished operation stays in memory; the other comes from SQLite.
	got, err := h.orc.Status(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("Status(first): %v", err)
	}
	if got.Status != domain.StatusCompleted || got.SegmentsTotal != first.SegmentsTotal || got.Mode != domain.ModeFull {
		t.Errorf("persisted status = %+v", got)
	}
	if err := h.orc.Cancel(context.Background(), first.ID); err != nil {
		t.Errorf("Cancel of persisted operation: %v", err)
	}

	fresh := NewOrchestrator(h.cache, h.fake, Options{History: db})
	if st, err := fresh.Status(context.Background(), second.ID); err != nil || st.Status != domain.StatusCompleted {
		t.Errorf("status after restart = %+v, %v", st, err)
	}
	if _, err := fresh.Status(context.Background(), "nope"); !errors.Is(err, domain.ErrOperationNotFound) {
		t.Errorf("unknown id err = %v", err)
	}
	list, err := fresh.List(context.Background())
	if err != nil || len(list) != 2 {
		t.Errorf("List after restart = %d entries, %v", len(list), err)
	}
}

func TestHeadCachePersistsAcrossInstances(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "heads.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	fake := providertest.New()
	fake.SetEarliest("SPY", domain.Timeframe1Min, day(2))

	hc := NewHeadCache(fake, db, time.Hour, nil)
	got, err := hc.Earliest(context.Background(), "SPY", domain.Timeframe1Min)
	if err != nil || !got.Equal(day(2)) {
		t.Fatalf("Earliest = %v, %v", got, err)
	}

	fake.EarliestErr = errors.New("provider down")
	again := NewHeadCache(fake, db, time.Hour, nil)
	got, err = again.Earliest(context.Background(), "SPY", domain.Timeframe1Min)
	if err != nil || !got.Equal(day(2)) {
		t.Errorf("persisted Earliest = %v, %v", got, err)
	}

	expired := NewHeadCache(fake, db, time.Hour, nil)
	expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := expired.Earliest(context.Background(), "SPY", domain.Timeframe1Min); err == nil {
		t.Error("expired entry served without asking the provider")
	}
}
