package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpulse-server/pkg/audio"
	"callpulse-server/pkg/bus"
	"callpulse-server/pkg/config"
	"callpulse-server/pkg/store"
)

func newTestServer(t *testing.T, ingestToken string) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		HTTP: config.HTTPConfig{Port: 0, EnableMetrics: false},
		Realtime: config.RealtimeConfig{
			IngestToken:                ingestToken,
			NegativeSentimentThreshold: -0.45,
			HighRiskThreshold:          0.72,
			AlertCooldownSeconds:       75,
			SupervisorKeywordTriggers: []string{
				"manager", "supervisor", "escalate", "cancel account", "lawyer", "legal", "complaint", "refund now",
			},
			AudioWindowSeconds:     300,
			AudioDefaultSampleRate: 16000,
			AudioDefaultChannels:   1,
			AudioMaxChunkBytes:     2_000_000,
			UploadsDir:             t.TempDir(),
		},
		Genesys:   config.GenesysConfig{StatusPath: t.TempDir() + "/connector_status.json", HealthStaleSeconds: 90},
		AudioHook: config.AudioHookConfig{StatusPath: t.TempDir() + "/audiohook_status.json", HealthStaleSeconds: 90},
	}

	repo := store.NewRepository()
	audioStore := audio.NewStore(logger, t.TempDir(), cfg.Realtime.AudioWindowSeconds, cfg.Realtime.AudioMaxChunkBytes)
	eventBus := bus.New(logger)

	return NewServer(logger, cfg, repo, audioStore, eventBus, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return decoded
}

func TestIngestNegativeSentimentFiresAlert(t *testing.T) {
	s := newTestServer(t, "")

	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
		"call_id":    "RT-1",
		"event_type": "transcript",
		"sentiment":  -0.8,
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "RT-1", body["call_id"])
	assert.GreaterOrEqual(t, body["risk_score"].(float64), 0.32)

	alerts := body["alerts"].([]interface{})
	require.Len(t, alerts, 1)
	alert := alerts[0].(map[string]interface{})
	assert.Equal(t, "negative_sentiment", alert["type"])
	assert.Equal(t, "high", alert["severity"])
}

func TestIngestCooldownSuppressesSecondAlert(t *testing.T) {
	s := newTestServer(t, "")

	payload := map[string]interface{}{
		"call_id":    "RT-1",
		"event_type": "transcript",
		"sentiment":  -0.8,
	}

	first := postJSON(t, s.Handler(), "/api/realtime/events", payload, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Len(t, decodeBody(t, first)["alerts"].([]interface{}), 1)

	second := postJSON(t, s.Handler(), "/api/realtime/events", payload, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Empty(t, decodeBody(t, second)["alerts"].([]interface{}))
}

func TestIngestEscalationStacking(t *testing.T) {
	s := newTestServer(t, "")

	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
		"call_id":    "RT-3",
		"event_type": "transcript",
		"text":       "get me your supervisor",
		"sentiment":  -0.9,
		"metadata":   map[string]interface{}{"metrics": map[string]interface{}{"dead_air_seconds": 7}},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	severities := map[string]string{}
	for _, raw := range body["alerts"].([]interface{}) {
		alert := raw.(map[string]interface{})
		severities[alert["type"].(string)] = alert["severity"].(string)
	}

	require.Len(t, severities, 4)
	assert.Equal(t, "critical", severities["escalation_keyword"])
	assert.Equal(t, "high", severities["negative_sentiment"])
	assert.Equal(t, "medium", severities["dead_air"])
	assert.Equal(t, "high", severities["high_risk"])
	assert.GreaterOrEqual(t, body["risk_score"].(float64), 0.72)
}

func TestIngestRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/realtime/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestIngestRequiresCallID(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{"event_type": "transcript"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestTokenEnforced(t *testing.T) {
	s := newTestServer(t, "sekrit")
	payload := map[string]interface{}{"call_id": "RT-1"}

	rec := postJSON(t, s.Handler(), "/api/realtime/events", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, s.Handler(), "/api/realtime/events", payload, map[string]string{"X-Cloud-Token": "sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, s.Handler(), "/api/realtime/events", payload, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, s.Handler(), "/api/realtime/events", payload, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestCallIDAliases(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
		"conversation_id": "CONV-9",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONV-9", decodeBody(t, rec)["call_id"])
}

func TestIngestUnknownEventTypeBecomesCustom(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
		"call_id":    "RT-1",
		"event_type": "routing.estimate",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decodeBody(t, rec)["snapshot"].(map[string]interface{})
	events := snapshot["events"].([]interface{})
	require.Len(t, events, 1)
	event := events[0].(map[string]interface{})
	assert.Equal(t, "custom", event["type"])
	assert.Equal(t, "routing.estimate", event["metadata"].(map[string]interface{})["source_event_type"])
}

func TestIngestEndEventMarksCallEnded(t *testing.T) {
	s := newTestServer(t, "")

	postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{"call_id": "RT-1"}, nil)
	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
		"call_id":    "RT-1",
		"event_type": "end",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decodeBody(t, rec)["snapshot"].(map[string]interface{})
	assert.Equal(t, "ended", snapshot["status"])
}

func TestAudioChunkIngestPCM(t *testing.T) {
	s := newTestServer(t, "")

	pcm := make([]byte, 16000*2/5) // 200ms at 16kHz mono
	rec := postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":        "RT-1",
		"audio_b64":      base64.StdEncoding.EncodeToString(pcm),
		"audio_encoding": "pcm_s16le",
		"sample_rate":    16000,
		"channels":       1,
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	audioMeta := body["audio"].(map[string]interface{})
	assert.Equal(t, true, audioMeta["available"])
	assert.InDelta(t, 0.2, audioMeta["duration_seconds"].(float64), 0.01)
	assert.Equal(t, float64(1), body["ingested_events"])

	snapshot := body["snapshot"].(map[string]interface{})
	events := snapshot["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "audio_chunk", events[0].(map[string]interface{})["type"])
}

func TestAudioChunkIngestTranscriptSegments(t *testing.T) {
	s := newTestServer(t, "")

	pcm := make([]byte, 3200)
	rec := postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":        "RT-1",
		"audio_b64":      base64.StdEncoding.EncodeToString(pcm),
		"audio_encoding": "pcm_s16le",
		"transcript_segments": []map[string]interface{}{
			{"text": "hello", "speaker": "agent"},
			{"text": "I want to cancel account", "speaker": "customer", "sentiment": -0.7},
		},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["ingested_events"])

	types := map[string]bool{}
	for _, raw := range body["alerts"].([]interface{}) {
		types[raw.(map[string]interface{})["type"].(string)] = true
	}
	assert.True(t, types["escalation_keyword"])
	assert.True(t, types["negative_sentiment"])
}

func TestAudioChunkIngestMuLaw(t *testing.T) {
	s := newTestServer(t, "")

	ulaw := bytes.Repeat([]byte{0xFF}, 800) // 100ms at 8kHz
	rec := postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":        "RT-1",
		"audio_b64":      base64.StdEncoding.EncodeToString(ulaw),
		"audio_encoding": "PCMU",
		"sample_rate":    8000,
		"channels":       1,
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	audioMeta := decodeBody(t, rec)["audio"].(map[string]interface{})
	assert.InDelta(t, 0.1, audioMeta["duration_seconds"].(float64), 0.01)
}

func TestAudioChunkRejectsBadBase64(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":   "RT-1",
		"audio_b64": "!!!not-base64!!!",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAudioChunkRejectsUnknownEncoding(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":        "RT-1",
		"audio_b64":      base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
		"audio_encoding": "opus",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotUnknownCallIsIdle(t *testing.T) {
	s := newTestServer(t, "")

	rec, body := getJSON(t, s.Handler(), "/api/realtime/calls/NOPE/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "NOPE", body["call_id"])
	assert.Equal(t, "unknown", body["status"])
	assert.Equal(t, float64(0), body["risk_score"])
	assert.Empty(t, body["events"])
	assert.Empty(t, body["alerts"])
	liveAudio := body["live_audio"].(map[string]interface{})
	assert.Equal(t, false, liveAudio["available"])
}

func TestSnapshotReflectsIngestedEvents(t *testing.T) {
	s := newTestServer(t, "")

	for i := 0; i < 3; i++ {
		postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
			"call_id": "RT-1",
			"text":    fmt.Sprintf("line %d", i),
		}, nil)
	}

	rec, body := getJSON(t, s.Handler(), "/api/realtime/calls/RT-1/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	events := body["events"].([]interface{})
	require.Len(t, events, 3)
	assert.Equal(t, "line 0", events[0].(map[string]interface{})["text"])
	assert.Equal(t, "line 2", events[2].(map[string]interface{})["text"])
}

func TestAlertAckFlow(t *testing.T) {
	s := newTestServer(t, "")

	rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
		"call_id":   "RT-1",
		"sentiment": -0.9,
	}, nil)
	alerts := decodeBody(t, rec)["alerts"].([]interface{})
	require.NotEmpty(t, alerts)
	alertID := int64(alerts[0].(map[string]interface{})["id"].(float64))

	ackRec := postJSON(t, s.Handler(), fmt.Sprintf("/api/realtime/alerts/%d/ack", alertID), nil, nil)
	require.Equal(t, http.StatusOK, ackRec.Code)
	first := decodeBody(t, ackRec)["alert"].(map[string]interface{})
	assert.Equal(t, true, first["acknowledged"])
	firstAt := first["acknowledged_at"].(string)

	time.Sleep(5 * time.Millisecond)
	ackRec2 := postJSON(t, s.Handler(), fmt.Sprintf("/api/realtime/alerts/%d/ack", alertID), nil, nil)
	require.Equal(t, http.StatusOK, ackRec2.Code)
	second := decodeBody(t, ackRec2)["alert"].(map[string]interface{})
	assert.Equal(t, firstAt, second["acknowledged_at"], "repeated ack must return the original timestamp")
}

func TestAlertAckNotFound(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/api/realtime/alerts/4242/ack", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAlertsFilters(t *testing.T) {
	s := newTestServer(t, "")

	postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{"call_id": "RT-1", "sentiment": -0.9}, nil)
	postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{"call_id": "RT-2", "text": "complaint"}, nil)

	rec, body := getJSON(t, s.Handler(), "/api/realtime/alerts?call_id=RT-1")
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := body["alerts"].([]interface{})
	require.NotEmpty(t, alerts)
	for _, raw := range alerts {
		assert.Equal(t, "RT-1", raw.(map[string]interface{})["call_id"])
	}
}

func TestCallAudioEndpointServesWAV(t *testing.T) {
	s := newTestServer(t, "")

	pcm := make([]byte, 3200)
	postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":        "RT-1",
		"audio_b64":      base64.StdEncoding.EncodeToString(pcm),
		"audio_encoding": "pcm_s16le",
		"sample_rate":    16000,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/realtime/calls/RT-1/audio", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Live-Audio"))
	assert.Equal(t, "RIFF", rec.Body.String()[:4])
	assert.Len(t, rec.Body.Bytes(), 44+len(pcm))
}

func TestCallAudioMissingWithoutFallbackIs404(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/realtime/calls/RT-404/audio", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallAudioMeta(t *testing.T) {
	s := newTestServer(t, "")

	rec, body := getJSON(t, s.Handler(), "/api/realtime/calls/RT-1/audio/meta")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", body["preferred_source"])
	assert.Equal(t, false, body["fallback_audio_available"])

	pcm := make([]byte, 3200)
	postJSON(t, s.Handler(), "/api/realtime/audio/chunk", map[string]interface{}{
		"call_id":   "RT-1",
		"audio_b64": base64.StdEncoding.EncodeToString(pcm),
	}, nil)

	_, body = getJSON(t, s.Handler(), "/api/realtime/calls/RT-1/audio/meta")
	assert.Equal(t, "live", body["preferred_source"])
}

func TestWorkerHealthMissingStatusFile(t *testing.T) {
	s := newTestServer(t, "")

	rec, body := getJSON(t, s.Handler(), "/api/integrations/genesys/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["healthy"])
	assert.Equal(t, "not_running", body["state"])
}
