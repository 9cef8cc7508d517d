package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"roomcal/internal/broadcast"
	appLog "roomcal/internal/log"
)

// handleStream holds a Server-Sent Events response open and writes one
// data frame per change notification. The session is registered for as
// long as the handler runs.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "change stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := broadcast.NewStreamSink(s.streamBuffer)
	id := s.broadcaster.Register(sink)
	defer func() {
		s.broadcaster.Unregister(id)
		sink.Close()
	}()

	if _, err := fmt.Fprintf(w, ": connected %s\n\n", id); err != nil {
		return
	}
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		t := s.clock.NewTicker(s.keepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sink.Done():
			// Dropped by the broadcaster; the client reconnects and refetches.
			appLog.Debug("stream: session closed by broadcaster", "session_id", id)
			return
		case msg := <-sink.Messages():
			data, err := json.Marshal(msg)
			if err != nil {
				appLog.Error("stream: encode message", err, "session_id", id)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				appLog.Debug("stream: write failed", "session_id", id, "err", err)
				return
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				appLog.Debug("stream: keep-alive failed", "session_id", id, "err", err)
				return
			}
			flusher.Flush()
		}
	}
}
