package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepAliveInterval spaces SSE comments sent while an operation is quiet.
const keepAliveInterval = 15 * time.Second

// handleAcquisitionEvents streams progress snapshots as server-sent events.
// The stream starts with the current snapshot and ends after the terminal
// one, or when the client disconnects.
func (s *Server) handleAcquisitionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subID, ch, err := s.svc.SubscribeProgress(id, 256)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer s.svc.UnsubscribeProgress(id, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("sse client subscribed", "op", id, "subID", subID)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sse client disconnected", "op", id, "subID", subID)
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case p, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				s.log.Error("encoding progress event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
