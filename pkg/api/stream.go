package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const streamHeartbeat = 15 * time.Second

// handleEventStream relays live events as server-sent events. trace_id and
// type narrow the stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	traceID := r.URL.Query().Get("trace_id")
	eventType := r.URL.Query().Get("type")

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if traceID != "" && ev.TraceID != traceID {
				continue
			}
			if eventType != "" && ev.Type != eventType {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("dropping unencodable event", "event_id", ev.ID, "error", err.Error())
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}
