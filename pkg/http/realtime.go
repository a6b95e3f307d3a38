package http

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"callpulse-server/pkg/bus"
	"callpulse-server/pkg/errors"
	"callpulse-server/pkg/health"
	"callpulse-server/pkg/metrics"
)

var fallbackAudioExtensions = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac", ".opus"}

func (s *Server) handleCallSnapshot(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	call, ok := s.repo.GetCall(callID)
	if !ok {
		writeJSON(w, http.StatusOK, s.idleSnapshot(callID))
		return
	}
	writeJSON(w, http.StatusOK, s.buildSnapshot(call))
}

func (s *Server) handleCallAudio(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	maxSeconds := parseQueryInt(r, "max_seconds", 0)

	wav, err := s.audioStore.RenderWAV(callID, maxSeconds)
	if err == nil {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s_live.wav"`, callID))
		w.Header().Set("X-Live-Audio", "1")
		w.WriteHeader(http.StatusOK)
		w.Write(wav)
		return
	}

	if parseQueryBool(r, "fallback") {
		if path := resolveFallbackRecording(s.cfg.Realtime.UploadsDir, callID); path != "" {
			w.Header().Set("X-Live-Audio", "0")
			http.ServeFile(w, r, path)
			return
		}
	}

	writeError(w, errors.Wrap(errors.ErrBufferUnavailable, "Live audio not found", map[string]interface{}{
		"call_id": callID,
	}))
}

func (s *Server) handleCallAudioMeta(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	liveAudio := s.audioStore.Snapshot(callID)

	fallbackAvailable := resolveFallbackRecording(s.cfg.Realtime.UploadsDir, callID) != ""
	preferred := "fallback"
	if liveAudio.Available {
		preferred = "live"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call_id":                  callID,
		"live_audio":               liveAudio,
		"fallback_audio_available": fallbackAvailable,
		"preferred_source":         preferred,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	openOnly := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("open_only"))) != "false"
	limit := parseQueryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alertList(s.repo.RecentAlerts(callID, openOnly, limit)),
	})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid alert id")
		return
	}

	alert, changed, err := s.repo.AckAlert(alertID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	// Publish only on the transition so repeated acks stay quiet.
	if changed {
		metrics.RecordAlertAck()
		s.eventBus.Publish(alert.CallID, map[string]interface{}{
			"type":    bus.TypeSupervisorAlertAck,
			"call_id": alert.CallID,
			"alert":   alert,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"alert": alert,
	})
}

func (s *Server) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	s.writeWorkerHealth(w, r, s.cfg.Genesys.StatusPath, s.cfg.Genesys.HealthStaleSeconds)
}

func (s *Server) handleAudioHookHealth(w http.ResponseWriter, r *http.Request) {
	s.writeWorkerHealth(w, r, s.cfg.AudioHook.StatusPath, s.cfg.AudioHook.HealthStaleSeconds)
}

func (s *Server) writeWorkerHealth(w http.ResponseWriter, r *http.Request, statusPath string, defaultStale int) {
	staleAfter := parseQueryInt(r, "stale_after", defaultStale)

	report, err := health.Check(statusPath, staleAfter, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).WithField("path", statusPath).Warn("Worker status file unreadable")
		writeJSON(w, http.StatusInternalServerError, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// resolveFallbackRecording finds an uploaded recording for the call:
// the first <uploads_dir>/<call_id>_* file with an audio extension.
func resolveFallbackRecording(uploadsDir, callID string) string {
	if uploadsDir == "" || callID == "" {
		return ""
	}

	matches, err := filepath.Glob(filepath.Join(uploadsDir, callID+"_*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)

	for _, match := range matches {
		ext := strings.ToLower(filepath.Ext(match))
		for _, allowed := range fallbackAudioExtensions {
			if ext == allowed {
				if info, err := os.Stat(match); err == nil && !info.IsDir() {
					return match
				}
			}
		}
	}
	return ""
}

func parseQueryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseQueryBool(r *http.Request, key string) bool {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key)))
	return raw == "1" || raw == "true" || raw == "yes"
}
