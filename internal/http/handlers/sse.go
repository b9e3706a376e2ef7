package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// JobStream handles GET /v1/jobs/{job_id}/stream. It serves the job's event
// log as server-sent events until the terminal event or client disconnect.
// Reconnecting clients resubscribe and immediately receive a replay of the
// current state before any live event.
func (a *App) JobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	ch, cancel, err := a.Events.Subscribe(jobID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a single SSE frame named after the event type.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
