// Package metrics holds the Prometheus collectors for acquisitions, provider
// calls and cache writes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketcache"

// Metrics is the collector set. All Record methods are safe on a nil
// *Metrics, which disables instrumentation.
type Metrics struct {
	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	OperationsRunning  prometheus.Gauge
	OperationDuration  *prometheus.HistogramVec

	Segments    *prometheus.CounterVec
	Retries     *prometheus.CounterVec
	BarsFetched prometheus.Counter

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	CacheWrites *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors. Call Register to expose them.
func New() *Metrics {
	return &Metrics{
		OperationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Acquisition operations started",
		}, []string{"mode", "timeframe"}),
		OperationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_finished_total",
			Help:      "Acquisition operations finished, by terminal status",
		}, []string{"status"}),
		OperationsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_running",
			Help:      "Acquisition operations currently running",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall-clock duration of acquisition operations",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"status"}),

		Segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Segments processed, by outcome",
		}, []string{"status"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_retries_total",
			Help:      "Segment fetch retries, by error class",
		}, []string{"class"}),
		BarsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_fetched_total",
			Help:      "Bars downloaded from the provider",
		}),

		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls, by method and error class",
		}, []string{"method", "class"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes, by kind and result",
		}, []string{"kind", "result"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests, by route pattern and status code",
		}, []string{"route", "code"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.OperationsStarted,
		m.OperationsFinished,
		m.OperationsRunning,
		m.OperationDuration,
		m.Segments,
		m.Retries,
		m.BarsFetched,
		m.ProviderCalls,
		m.ProviderLatency,
		m.CacheWrites,
		m.HTTPRequests,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ---------------------------------------------------------------------------
// Recording helpers
// ---------------------------------------------------------------------------

// RecordOperationStarted counts a started operation.
func (m *Metrics) RecordOperationStarted(mode, timeframe string) {
	if m == nil {
		return
	}
	m.OperationsStarted.WithLabelValues(mode, timeframe).Inc()
	m.OperationsRunning.Inc()
}

// RecordOperationFinished counts a terminal operation and its duration.
func (m *Metrics) RecordOperationFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsFinished.WithLabelValues(status).Inc()
	m.OperationsRunning.Dec()
	m.OperationDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordSegment counts a finished segment and the bars it produced.
func (m *Metrics) RecordSegment(status string, bars int) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(status).Inc()
	if bars > 0 {
		m.BarsFetched.Add(float64(bars))
	}
}

// RecordRetry counts a retry caused by an error of the given class.
func (m *Metrics) RecordRetry(class string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(class).Inc()
}

// RecordProviderCall counts one provider call and observes its latency.
func (m *Metrics) RecordProviderCall(method, class string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if class == "" {
		class = "ok"
	}
	m.ProviderCalls.WithLabelValues(method, class).Inc()
	m.ProviderLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordCacheWrite counts a cache write of the given kind.
func (m *Metrics) RecordCacheWrite(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CacheWrites.WithLabelValues(kind, result).Inc()
}

// RecordHTTPRequest counts one API request.
func (m *Metrics) RecordHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
