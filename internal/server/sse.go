package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleExtract starts an extraction run and streams its progress as
// server-sent events. The stream ends after exactly one terminal event
// (complete, error, or fatal_error). A disconnecting client does not stop
// the run.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resume := r.URL.Query().Get("resume") == "true"

	stream, err := s.orchestrator.Run(r.Context(), id, resume)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Client gone; the run continues without us.
			return
		case ev, open := <-stream.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				zap.L().Warn("server: marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}
