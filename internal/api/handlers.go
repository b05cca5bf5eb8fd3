package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"marketcache/internal/domain"
	"marketcache/internal/store"
)

// maxBodyBytes bounds a PUT of bars.
const maxBodyBytes = 256 << 20

// ---------------------------------------------------------------------------
// Acquisitions
// ---------------------------------------------------------------------------

func (s *Server) handleStartAcquisition(w http.ResponseWriter, r *http.Request) {
	var body AcquireRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := s.svc.StartAcquisition(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/acquisitions/"+id)
	writeJSON(w, http.StatusAccepted, AcquireResponse{OperationID: id})
}

func (s *Server) handleListAcquisitions(w http.ResponseWriter, r *http.Request) {
	ops, err := s.svc.ListAcquisitions(r.Context())
	if err != nil {
		// Partial listings still carry the in-memory operations.
		s.log.Warn("listing acquisitions", "error", err)
	}
	writeJSON(w, http.StatusOK, ListResponse{Operations: ops})
}

func (s *Server) handleAcquisitionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.AcquisitionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelAcquisition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.CancelAcquisition(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := s.svc.AcquisitionStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// pathKey extracts and checks the {timeframe} path value. The symbol is
// normalised by the cache.
func pathKey(r *http.Request) (string, domain.Timeframe, error) {
	tf, err := domain.ParseTimeframe(r.PathValue("timeframe"))
	if err != nil {
		return "", "", err
	}
	return r.PathValue("symbol"), tf, nil
}

func (s *Server) handleLoadBars(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := pathKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeDomainError(w, fmt.Errorf("start: %w", err))
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		writeDomainError(w, fmt.Errorf("end: %w", err))
		return
	}
	var rng *domain.TimeRange
	if !start.IsZero() || !end.IsZero() {
		rng = &domain.TimeRange{Start: start, End: end}
	}

	series, err := s.svc.LoadFromCache(symbol, tf, rng)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if series.Bars == nil {
		series.Bars = []domain.Bar{}
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleSaveBars(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := pathKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var body SaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.svc.SaveToCache(symbol, tf, body.Bars); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := pathKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rng, err := s.svc.GetCachedRange(symbol, tf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rng)
}

func (s *Server) handleDeleteBars(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := pathKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.svc.DeleteFromCache(symbol, tf); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	keys, err := s.svc.Keys()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if keys == nil {
		keys = []store.Key{}
	}
	writeJSON(w, http.StatusOK, KeysResponse{Keys: keys})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.svc.Health(r.Context())
	code := http.StatusOK
	if !rep.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}
