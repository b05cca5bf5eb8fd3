package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketcache/internal/acquire"
	"marketcache/internal/domain"
	"marketcache/internal/metrics"
)

// Server is the HTTP transport for MarketDataService.
type Server struct {
	svc      *MarketDataService
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer // nil disables /metrics
	log      *slog.Logger
}

// NewServer creates the HTTP server. gatherer may be nil.
func NewServer(svc *MarketDataService, m *metrics.Metrics, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, metrics: m, gatherer: gatherer, log: log.With("component", "http")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handle(mux, "POST /api/v1/acquisitions", s.handleStartAcquisition)
	s.handle(mux, "GET /api/v1/acquisitions", s.handleListAcquisitions)
	s.handle(mux, "GET /api/v1/acquisitions/{id}", s.handleAcquisitionStatus)
	s.handle(mux, "DELETE /api/v1/acquisitions/{id}", s.handleCancelAcquisition)
	s.handle(mux, "GET /api/v1/acquisitions/{id}/events", s.handleAcquisitionEvents)

	s.handle(mux, "GET /api/v1/bars/{symbol}/{timeframe}", s.handleLoadBars)
	s.handle(mux, "PUT /api/v1/bars/{symbol}/{timeframe}", s.handleSaveBars)
	s.handle(mux, "GET /api/v1/bars/{symbol}/{timeframe}/range", s.handleRange)
	s.handle(mux, "DELETE /api/v1/bars/{symbol}/{timeframe}", s.handleDeleteBars)
	s.handle(mux, "GET /api/v1/keys", s.handleKeys)

	s.handle(mux, "GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// handle registers fn under pattern, counting requests by route and status.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		began := time.Now()
		fn(rec, r)
		s.metrics.RecordHTTPRequest(pattern, rec.code)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "code", rec.code,
			"elapsed", time.Since(began).Round(time.Microsecond))
	})
}

// statusRecorder captures the response code. It forwards Flush so that
// server-sent events keep streaming.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidData),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrKeyBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, acquire.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
