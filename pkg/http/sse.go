package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/bus"
)

// keepaliveInterval paces the SSE heartbeat: a comment line to defeat
// proxy buffering plus a heartbeat envelope so clients can detect a
// silent stream.
const keepaliveInterval = 15 * time.Second

// handleStream keeps a long-lived SSE connection open and forwards
// every bus envelope for the requested call as a data frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		writeDetail(w, http.StatusBadRequest, "Missing call_id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.eventBus.Subscribe(callID)
	defer s.eventBus.Unsubscribe(sub)

	s.logger.WithFields(logrus.Fields{
		"call_id": callID,
	}).Info("Realtime stream connected")
	defer s.logger.WithField("call_id", callID).Info("Realtime stream disconnected")

	greeting, _ := json.Marshal(map[string]interface{}{
		"type":      bus.TypeConnected,
		"call_id":   callID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if !writeSSEData(w, flusher, greeting) {
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case data, open := <-sub.Messages():
			if !open {
				// Bus shutdown: tell the client before closing.
				final, _ := json.Marshal(map[string]interface{}{
					"type":      bus.TypeStatus,
					"call_id":   callID,
					"status":    "stream_closed",
					"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				})
				writeSSEData(w, flusher, final)
				return
			}
			if !writeSSEData(w, flusher, data) {
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			heartbeat, _ := json.Marshal(map[string]interface{}{
				"type":      bus.TypeHeartbeat,
				"call_id":   callID,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if !writeSSEData(w, flusher, heartbeat) {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEData(w http.ResponseWriter, flusher http.Flusher, data []byte) bool {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
