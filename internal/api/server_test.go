package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketcache/internal/acquire"
	"marketcache/internal/domain"
	"marketcache/internal/metrics"
	"marketcache/internal/provider/providertest"
	"marketcache/internal/store"
	"marketcache/internal/util"
)

type testEnv struct {
	ts   *httptest.Server
	fake *providertest.Fake
	orc  *acquire.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := providertest.New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake.SetSeries("SPY", domain.Timeframe1Day, providertest.GenerateBars(start, domain.Timeframe1Day, 31))

	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cache := store.NewParquetStore(t.TempDir())
	orc := acquire.NewOrchestrator(cache, fake, acquire.Options{
		MaxSegmentBars: 5,
		Backoff:        util.Backoff{Attempts: 2, Base: time.Millisecond},
		Metrics:        m,
	})
	svc := NewMarketDataService(cache, orc, fake, m, nil)
	ts := httptest.NewServer(NewServer(svc, m, reg, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})
	return &testEnv{ts: ts, fake: fake, orc: orc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, b)
	}
}

func TestBarsFastPath(t *testing.T) {
	e := newTestEnv(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := providertest.GenerateBars(start, domain.Timeframe1Hour, 24)

	expectStatus(t, e.do(t, "PUT", "/api/v1/bars/aapl/1h", SaveRequest{Bars: bars}), http.StatusNoContent)

	resp := e.do(t, "GET", "/api/v1/bars/AAPL/1h?start=2024-03-01T06:00:00Z&end=2024-03-01T12:00:00Z", nil)
	expectStatus(t, resp, http.StatusOK)
	series := decode[domain.Series](t, resp)
	if series.Symbol != "AAPL" || len(series.Bars) != 6 || !series.Bars[0].Timestamp.Equal(start.Add(6*time.Hour)) {
		t.Errorf("series = %s with %d bars", series.Symbol, len(series.Bars))
	}

	resp = e.do(t, "GET", "/api/v1/bars/AAPL/1h/range", nil)
	expectStatus(t, resp, http.StatusOK)
	rng := decode[domain.SeriesRange](t, resp)
	if rng.Count != 24 || !rng.End.Equal(start.Add(23*time.Hour)) {
		t.Errorf("range = %+v", rng)
	}

	resp = e.do(t, "GET", "/api/v1/keys", nil)
	expectStatus(t, resp, http.StatusOK)
	keys := decode[KeysResponse](t, resp)
	if len(keys.Keys) != 1 || keys.Keys[0].Symbol != "AAPL" || keys.Keys[0].Timeframe != domain.Timeframe1Hour {
		t.Errorf("keys = %+v", keys)
	}

	expectStatus(t, e.do(t, "DELETE", "/api/v1/bars/AAPL/1h", nil), http.StatusNoContent)
	expectStatus(t, e.do(t, "GET", "/api/v1/bars/AAPL/1h", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, "GET", "/api/v1/bars/AAPL/1h/range", nil), http.StatusNotFound)
}

func TestBarsRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)
	bad := providertest.GenerateBars(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), domain.Timeframe1Day, 2)
	bad[1].Low = bad[1].High + 1

	expectStatus(t, e.do(t, "PUT", "/api/v1/bars/AAPL/1d", SaveRequest{Bars: bad}), http.StatusBadRequest)
	expectStatus(t, e.do(t, "PUT", "/api/v1/bars/AAPL/1d", SaveRequest{}), http.StatusBadRequest)
	expectStatus(t, e.do(t, "GET", "/api/v1/bars/AAPL/2d", nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, "GET", "/api/v1/bars/AAPL/1d?start=yesterday", nil), http.StatusBadRequest)
}

func waitTerminal(t *testing.T, e *testEnv, id string) acquire.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.do(t, "GET", "/api/v1/acquisitions/"+id, nil)
		expectStatus(t, resp, http.StatusOK)
		st := decode[acquire.Status](t, resp)
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation %s did not finish", id)
	return acquire.Status{}
}

func TestAcquisitionLifecycle(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "POST", "/api/v1/acquisitions", AcquireRequest{
		Symbol: "spy", Timeframe: "1d", Mode: "full", Start: "2024-01-01", End: "2024-01-21",
	})
	expectStatus(t, resp, http.StatusAccepted)
	id := decode[AcquireResponse](t, resp).OperationID
	if id == "" {
		t.Fatal("empty operation id")
	}

	st := waitTerminal(t, e, id)
	if st.Status != domain.StatusCompleted || st.SegmentsTotal != 4 || st.BarsFetched != 20 {
		t.Errorf("status = %s, segments %d, bars %d", st.Status, st.SegmentsTotal, st.BarsFetched)
	}
	if st.Mode != domain.ModeFull || st.Progress == nil || st.Progress.Percent != 100 {
		t.Errorf("record = %+v", st)
	}

	resp = e.do(t, "GET", "/api/v1/acquisitions", nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decode[ListResponse](t, resp); len(list.Operations) != 1 || list.Operations[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	resp = e.do(t, "GET", "/api/v1/bars/SPY/1d/range", nil)
	expectStatus(t, resp, http.StatusOK)
	if rng := decode[domain.SeriesRange](t, resp); rng.Count != 20 {
		t.Errorf("cached count = %d, want 20", rng.Count)
	}

	// Events of a finished operation: the final snapshot, then the end marker.
	resp = e.do(t, "GET", "/api/v1/acquisitions/"+id+"/events", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "event: progress") || !strings.Contains(string(body), `"status":"completed"`) ||
		!strings.HasSuffix(string(body), "event: end\ndata: {}\n\n") {
		t.Errorf("event stream = %q", body)
	}
}

func TestAcquisitionErrors(t *testing.T) {
	e := newTestEnv(t)

	expectStatus(t, e.do(t, "POST", "/api/v1/acquisitions", AcquireRequest{Symbol: "SPY", Timeframe: "1d", Mode: "sideways"}), http.StatusBadRequest)
	expectStatus(t, e.do(t, "POST", "/api/v1/acquisitions", AcquireRequest{Symbol: "SPY", Timeframe: "1d", Mode: "tail", Start: "2024-02-01", End: "2024-01-01"}), http.StatusBadRequest)
	expectStatus(t, e.do(t, "GET", "/api/v1/acquisitions/unknown", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, "DELETE", "/api/v1/acquisitions/unknown", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, "GET", "/api/v1/acquisitions/unknown/events", nil), http.StatusNotFound)

	e.fake.HealthErr = errors.New("down")
	expectStatus(t, e.do(t, "POST", "/api/v1/acquisitions", AcquireRequest{Symbol: "SPY", Timeframe: "1d", Mode: "tail"}), http.StatusServiceUnavailable)
	expectStatus(t, e.do(t, "GET", "/healthz", nil), http.StatusServiceUnavailable)
}

func TestBusyKeyAndCancel(t *testing.T) {
	e := newTestEnv(t)
	e.fake.Delay = time.Minute

	resp := e.do(t, "POST", "/api/v1/acquisitions", AcquireRequest{Symbol: "SPY", Timeframe: "1d", Mode: "full", Start: "2024-01-01", End: "2024-01-21"})
	expectStatus(t, resp, http.StatusAccepted)
	id := decode[AcquireResponse](t, resp).OperationID

	expectStatus(t, e.do(t, "POST", "/api/v1/acquisitions", AcquireRequest{Symbol: "SPY", Timeframe: "1d", Mode: "tail"}), http.StatusConflict)
	bars := providertest.GenerateBars(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), domain.Timeframe1Day, 3)
	expectStatus(t, e.do(t, "PUT", "/api/v1/bars/SPY/1d", SaveRequest{Bars: bars}), http.StatusConflict)
	expectStatus(t, e.do(t, "DELETE", "/api/v1/bars/SPY/1d", nil), http.StatusConflict)
	// Other keys and reads stay available.
	expectStatus(t, e.do(t, "PUT", "/api/v1/bars/QQQ/1d", SaveRequest{Bars: bars}), http.StatusNoContent)
	expectStatus(t, e.do(t, "GET", "/api/v1/bars/SPY/1d", nil), http.StatusNotFound)

	expectStatus(t, e.do(t, "DELETE", "/api/v1/acquisitions/"+id, nil), http.StatusAccepted)
	if st := waitTerminal(t, e, id); st.Status != domain.StatusCancelled {
		t.Errorf("status after cancel = %s", st.Status)
	}
	expectStatus(t, e.do(t, "PUT", "/api/v1/bars/SPY/1d", SaveRequest{Bars: bars}), http.StatusNoContent)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "GET", "/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	if rep := decode[HealthReport](t, resp); !rep.OK {
		t.Errorf("health = %+v", rep)
	}

	resp = e.do(t, "GET", "/metrics", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `marketcache_http_requests_total{code="2xx",route="GET /healthz"} 1`) {
		t.Errorf("metrics missing request counter:\n%s", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrInvalidData, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrOperationNotFound, http.StatusNotFound},
		{domain.ErrKeyBusy, http.StatusConflict},
		{domain.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{acquire.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

// startDuringSave starts an acquisition for the key being saved, from
// inside the write.
type startDuringSave struct {
	*store.ParquetStore
	orc      *acquire.Orchestrator
	startErr error
}

func (c *startDuringSave) Save(symbol string, tf domain.Timeframe, bars []domain.Bar) error {
	_, c.startErr = c.orc.Start(context.Background(), acquire.Request{Symbol: symbol, Timeframe: tf, Mode: domain.ModeTail})
	return c.ParquetStore.Save(symbol, tf, bars)
}

func TestSaveHoldsKeyAgainstAcquisition(t *testing.T) {
	fake := providertest.New()
	ps := store.NewParquetStore(t.TempDir())
	orc := acquire.NewOrchestrator(ps, fake, acquire.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})
	cache := &startDuringSave{ParquetStore: ps, orc: orc}
	svc := NewMarketDataService(cache, orc, fake, nil, nil)

	bars := providertest.GenerateBars(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), domain.Timeframe1Day, 3)
	if err := svc.SaveToCache("SPY", domain.Timeframe1Day, bars); err != nil {
		t.Fatalf("SaveToCache: %v", err)
	}
	if !errors.Is(cache.startErr, domain.ErrKeyBusy) {
		t.Errorf("start during save err = %v, want ErrKeyBusy", cache.startErr)
	}
	if _, err := orc.Start(context.Background(), acquire.Request{Symbol: "SPY", Timeframe: domain.Timeframe1Day, Mode: domain.ModeTail}); err != nil {
		t.Errorf("start after save: %v", err)
	}
}
