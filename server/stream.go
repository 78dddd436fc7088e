package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/pipeline"
)

// sseKeepalive paces comment lines on idle streams so proxies and
// clients don't time the connection out between events.
const sseKeepalive = 30 * time.Second

// handleStream serves one run's progress as Server-Sent Events. The
// first event is a snapshot of the run's current state, so clients
// attaching mid-run (or after a reconnect) don't need a separate fetch.
// The stream closes after a terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Subscribe before reading the snapshot: anything published after
	// this point is delivered, so the snapshot can only be ahead of the
	// stream, never behind it.
	events, cancel := s.notifier.Subscribe(id)
	defer cancel()

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		s.logger.Errorw("Failed to load run for stream", logger.FieldRunID, id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, pipeline.EventSnapshot, run); err != nil {
		return
	}
	flusher.Flush()

	s.logger.Debugw("SSE stream attached", logger.FieldRunID, id)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case ev := <-events:
			if err := writeSSE(w, ev.Type, ev.Data); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE frames one event in SSE wire format.
func writeSSE(w io.Writer, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
