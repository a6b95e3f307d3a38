package http

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/alerting"
	"callpulse-server/pkg/bus"
	"callpulse-server/pkg/errors"
	"callpulse-server/pkg/media"
	"callpulse-server/pkg/metrics"
	"callpulse-server/pkg/store"
)

var knownEventTypes = map[string]bool{
	store.EventTypeTranscript:   true,
	store.EventTypeSentiment:    true,
	store.EventTypeStatus:       true,
	store.EventTypeMetric:       true,
	store.EventTypeAlertTrigger: true,
	store.EventTypeAudioChunk:   true,
	store.EventTypeEnd:          true,
	store.EventTypeCustom:       true,
}

type normalizedPayload struct {
	CallID     string
	Provider   string
	EventType  string
	Speaker    string
	Text       string
	Sentiment  *float64
	Confidence *float64
	Status     string
	AgentID    string
	CustomerID string
	OccurredAt time.Time
	Metadata   map[string]interface{}
}

type ingestResult struct {
	Call     store.RealtimeCall
	Event    store.RealtimeEvent
	Alerts   []store.SupervisorAlert
	Snapshot callSnapshot
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if !s.isIngestAuthorized(r) {
		metrics.RecordIngestFailure("unauthorized")
		writeDetail(w, http.StatusUnauthorized, "Unauthorized ingest token")
		return
	}

	payload, err := decodeJSONBody(r)
	if err != nil {
		metrics.RecordIngestFailure("invalid_body")
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	result, err := s.ingestPayload(payload)
	if err != nil {
		metrics.RecordIngestFailure("rejected")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"call_id":         result.Call.CallID,
		"risk_score":      result.Call.RiskScore,
		"sentiment_score": result.Call.SentimentScore,
		"alerts":          alertList(result.Alerts),
		"snapshot":        result.Snapshot,
	})
}

func (s *Server) handleIngestAudioChunk(w http.ResponseWriter, r *http.Request) {
	if !s.isIngestAuthorized(r) {
		metrics.RecordIngestFailure("unauthorized")
		writeDetail(w, http.StatusUnauthorized, "Unauthorized ingest token")
		return
	}

	payload, err := decodeJSONBody(r)
	if err != nil {
		metrics.RecordIngestFailure("invalid_body")
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	callID := extractCallID(payload)
	if callID == "" {
		metrics.RecordIngestFailure("missing_call_id")
		writeDetail(w, http.StatusBadRequest, "Missing call_id")
		return
	}

	pcm, sampleRate, channels, occurredAt, err := s.decodeAudioChunk(payload)
	if err != nil {
		metrics.RecordIngestFailure("audio_decode")
		writeError(w, err)
		return
	}

	audioState, err := s.audioStore.Append(callID, pcm, sampleRate, channels, occurredAt)
	if err != nil {
		metrics.RecordIngestFailure("audio_append")
		writeError(w, err)
		return
	}
	metrics.AddAudioChunkBytes(len(pcm))

	eventPayloads := buildEventsFromAudioPayload(payload, callID, audioState)

	var warnings []string
	var results []ingestResult
	for _, eventPayload := range eventPayloads {
		result, err := s.ingestPayload(eventPayload)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"detail":   "No realtime events were ingested from audio payload",
			"audio":    audioState,
			"warnings": warnings,
		})
		return
	}

	seen := make(map[int64]bool)
	var alerts []store.SupervisorAlert
	for _, result := range results {
		for _, alert := range result.Alerts {
			if !seen[alert.ID] {
				seen[alert.ID] = true
				alerts = append(alerts, alert)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"call_id":         callID,
		"audio":           audioState,
		"ingested_events": len(results),
		"alerts":          alertList(alerts),
		"snapshot":        results[len(results)-1].Snapshot,
		"warnings":        warnings,
	})
}

// ingestPayload is the shared path behind both ingest endpoints: it
// normalizes the payload, persists the event, runs the alert
// evaluator, and fans the results out on the event bus.
func (s *Server) ingestPayload(payload map[string]interface{}) (ingestResult, error) {
	normalized, err := normalizePayload(payload)
	if err != nil {
		return ingestResult{}, err
	}

	now := time.Now().UTC()
	unlock := s.lockCall(normalized.CallID)
	defer unlock()

	previous, existed := s.repo.GetCall(normalized.CallID)

	call := s.repo.UpsertCall(normalized.CallID, store.CallMutation{
		Provider:   normalized.Provider,
		Status:     normalized.Status,
		AgentID:    normalized.AgentID,
		CustomerID: normalized.CustomerID,
		Speaker:    normalized.Speaker,
		Text:       normalized.Text,
		Metadata:   normalized.Metadata,
		Now:        now,
	})

	event := s.repo.AppendEvent(store.RealtimeEvent{
		CallID:     normalized.CallID,
		EventType:  normalized.EventType,
		Speaker:    normalized.Speaker,
		Text:       normalized.Text,
		Sentiment:  normalized.Sentiment,
		Confidence: normalized.Confidence,
		OccurredAt: normalized.OccurredAt,
		Metadata:   normalized.Metadata,
	})
	metrics.RecordEventIngested(event.EventType)

	updated, drafts := alerting.Evaluate(call, event, s.alertCfg, s.repo, now)

	call = s.repo.UpsertCall(normalized.CallID, store.CallMutation{
		RiskScore:      &updated.RiskScore,
		SentimentScore: &updated.SentimentScore,
		Now:            now,
	})

	var alerts []store.SupervisorAlert
	for _, draft := range drafts {
		alert := s.repo.AppendAlert(store.SupervisorAlert{
			CallID:    normalized.CallID,
			Type:      draft.Type,
			Severity:  draft.Severity,
			Message:   draft.Message,
			Metadata:  draft.Metadata,
			CreatedAt: now,
		})
		alerts = append(alerts, alert)
		metrics.RecordAlert(alert.Type, alert.Severity)
		s.alertSink.Publish(alert)
	}

	s.eventBus.Publish(call.CallID, map[string]interface{}{
		"type":            bus.TypeRealtimeEvent,
		"call_id":         call.CallID,
		"provider":        call.Provider,
		"status":          call.Status,
		"event":           event,
		"risk_score":      call.RiskScore,
		"sentiment_score": call.SentimentScore,
	})

	if existed && previous.Status != call.Status {
		s.eventBus.Publish(call.CallID, map[string]interface{}{
			"type":      bus.TypeStatus,
			"call_id":   call.CallID,
			"provider":  call.Provider,
			"status":    call.Status,
			"timestamp": now.Format(time.RFC3339Nano),
		})
	}

	for _, alert := range alerts {
		s.eventBus.Publish(call.CallID, map[string]interface{}{
			"type":       bus.TypeSupervisorAlert,
			"call_id":    call.CallID,
			"provider":   call.Provider,
			"risk_score": call.RiskScore,
			"alert":      alert,
		})
	}

	s.logger.WithFields(logrus.Fields{
		"call_id":    call.CallID,
		"event_type": event.EventType,
		"alerts":     len(alerts),
		"risk_score": call.RiskScore,
	}).Info("Realtime event ingested")

	return ingestResult{
		Call:     call,
		Event:    event,
		Alerts:   alerts,
		Snapshot: s.buildSnapshot(call),
	}, nil
}

func decodeJSONBody(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(err, "cannot read request body")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "invalid JSON body")
	}
	return payload, nil
}

func normalizePayload(payload map[string]interface{}) (normalizedPayload, error) {
	callID := extractCallID(payload)
	if callID == "" {
		return normalizedPayload{}, errors.Wrap(errors.ErrInvalidInput, "Missing call_id")
	}

	metadata := stringMap(payload["metadata"])
	if metrics := stringMap(payload["metrics"]); len(metrics) > 0 {
		metadata["metrics"] = metrics
	}

	eventType := strings.ToLower(stringField(payload, "event_type"))
	if eventType == "" {
		eventType = store.EventTypeTranscript
	}
	if !knownEventTypes[eventType] {
		metadata["source_event_type"] = eventType
		eventType = store.EventTypeCustom
	}

	text := stringField(payload, "text")
	if text == "" {
		text = stringField(payload, "transcript")
	}

	return normalizedPayload{
		CallID:     callID,
		Provider:   defaultString(stringField(payload, "provider"), "generic"),
		EventType:  eventType,
		Speaker:    strings.ToLower(stringField(payload, "speaker")),
		Text:       text,
		Sentiment:  clampedFloat(payload["sentiment"], -1, 1),
		Confidence: clampedFloat(payload["confidence"], 0, 1),
		Status:     normalizeStatus(strings.ToLower(stringField(payload, "status")), eventType),
		AgentID:    stringField(payload, "agent_id"),
		CustomerID: stringField(payload, "customer_id"),
		OccurredAt: parseTimestamp(firstNonNil(payload["timestamp"], payload["occurred_at"])),
		Metadata:   metadata,
	}, nil
}

func normalizeStatus(status, eventType string) string {
	if eventType == store.EventTypeEnd {
		return store.CallStatusEnded
	}
	switch status {
	case "":
		return ""
	case "ended", "completed", "closed", "disconnected", "terminated":
		return store.CallStatusEnded
	case "unknown":
		return store.CallStatusUnknown
	default:
		return store.CallStatusActive
	}
}

func (s *Server) decodeAudioChunk(payload map[string]interface{}) (pcm []byte, sampleRate, channels int, occurredAt time.Time, err error) {
	chunkB64 := ""
	for _, key := range []string{"audio_b64", "chunk_b64", "audio_chunk_b64", "audio_chunk"} {
		if value := stringField(payload, key); value != "" {
			chunkB64 = value
			break
		}
	}
	if chunkB64 == "" {
		return nil, 0, 0, time.Time{}, errors.Wrap(errors.ErrInvalidInput, "Missing audio chunk base64 (audio_b64)")
	}

	raw, decodeErr := base64.StdEncoding.DecodeString(chunkB64)
	if decodeErr != nil {
		return nil, 0, 0, time.Time{}, errors.Wrap(errors.ErrDecodeFailure, "Invalid base64 audio payload")
	}
	if len(raw) == 0 {
		return nil, 0, 0, time.Time{}, errors.Wrap(errors.ErrInvalidInput, "Empty decoded audio payload")
	}

	encoding := strings.ToLower(stringField(payload, "audio_encoding"))
	if encoding == "" {
		encoding = strings.ToLower(stringField(payload, "encoding"))
	}
	if encoding == "" {
		encoding = "pcm_s16le"
	}

	sampleRate = intFromPayload(payload, "sample_rate", s.cfg.Realtime.AudioDefaultSampleRate)
	channels = intFromPayload(payload, "channels", s.cfg.Realtime.AudioDefaultChannels)
	occurredAt = parseTimestamp(firstNonNil(payload["timestamp"], payload["occurred_at"]))

	switch encoding {
	case "wav", "wave", "audio/wav", "audio/x-wav":
		info, parseErr := media.ParseWAV(raw)
		if parseErr != nil {
			return nil, 0, 0, time.Time{}, parseErr
		}
		return info.PCM, info.SampleRate, info.Channels, occurredAt, nil
	case "pcm_s16le", "pcm16", "s16le":
		if media.HasRIFFHeader(raw) {
			info, parseErr := media.ParseWAV(raw)
			if parseErr != nil {
				return nil, 0, 0, time.Time{}, parseErr
			}
			return info.PCM, info.SampleRate, info.Channels, occurredAt, nil
		}
		return raw, sampleRate, channels, occurredAt, nil
	default:
		decoded, codecErr := media.DecodeAudioPayload(raw, encoding)
		if codecErr != nil {
			return nil, 0, 0, time.Time{}, codecErr
		}
		return decoded, sampleRate, channels, occurredAt, nil
	}
}

// buildEventsFromAudioPayload derives the event payloads carried by an
// audio chunk: transcript segments win over a flat transcript, and a
// synthetic audio_chunk event keeps the call active when neither is
// present.
func buildEventsFromAudioPayload(payload map[string]interface{}, callID string, audioState interface{}) []map[string]interface{} {
	provider := defaultString(stringField(payload, "provider"), "generic")
	status := defaultString(strings.ToLower(stringField(payload, "status")), "active")
	agentID := stringField(payload, "agent_id")
	customerID := stringField(payload, "customer_id")
	fallbackSpeaker := strings.ToLower(stringField(payload, "speaker"))
	fallbackTimestamp := firstNonNil(payload["timestamp"], payload["occurred_at"])

	baseMetadata := stringMap(payload["metadata"])
	baseMetadata["audio"] = audioState

	segments, _ := payload["transcript_segments"].([]interface{})
	if segments == nil {
		segments, _ = payload["segments"].([]interface{})
	}
	if len(segments) > 50 {
		segments = segments[:50]
	}

	var events []map[string]interface{}
	for _, rawSegment := range segments {
		segment, ok := rawSegment.(map[string]interface{})
		if !ok {
			continue
		}
		text := stringField(segment, "text")
		if text == "" {
			text = stringField(segment, "transcript")
		}
		if text == "" {
			continue
		}

		merged := make(map[string]interface{}, len(baseMetadata))
		for k, v := range baseMetadata {
			merged[k] = v
		}
		for k, v := range stringMap(segment["metadata"]) {
			merged[k] = v
		}

		events = append(events, map[string]interface{}{
			"provider":    provider,
			"call_id":     callID,
			"event_type":  defaultString(strings.ToLower(stringField(segment, "event_type")), store.EventTypeTranscript),
			"speaker":     defaultString(strings.ToLower(stringField(segment, "speaker")), fallbackSpeaker),
			"text":        text,
			"sentiment":   segment["sentiment"],
			"confidence":  segment["confidence"],
			"status":      defaultString(strings.ToLower(stringField(segment, "status")), status),
			"timestamp":   firstNonNil(segment["timestamp"], segment["occurred_at"], fallbackTimestamp),
			"agent_id":    defaultString(stringField(segment, "agent_id"), agentID),
			"customer_id": defaultString(stringField(segment, "customer_id"), customerID),
			"metadata":    merged,
		})
	}
	if len(events) > 0 {
		return events
	}

	text := stringField(payload, "text")
	if text == "" {
		text = stringField(payload, "transcript")
	}
	eventType := store.EventTypeTranscript
	if text == "" {
		eventType = store.EventTypeAudioChunk
	}

	return []map[string]interface{}{{
		"provider":    provider,
		"call_id":     callID,
		"event_type":  eventType,
		"speaker":     fallbackSpeaker,
		"text":        text,
		"sentiment":   payload["sentiment"],
		"confidence":  payload["confidence"],
		"status":      status,
		"timestamp":   fallbackTimestamp,
		"agent_id":    agentID,
		"customer_id": customerID,
		"metadata":    baseMetadata,
	}}
}

func extractCallID(payload map[string]interface{}) string {
	for _, key := range []string{"call_id", "conversation_id", "session_id"} {
		if value := stringField(payload, key); value != "" {
			return value
		}
	}
	return ""
}

func stringField(payload map[string]interface{}, key string) string {
	value, ok := payload[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return ""
}

func stringMap(raw interface{}) map[string]interface{} {
	if m, ok := raw.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return make(map[string]interface{})
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func firstNonNil(values ...interface{}) interface{} {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func clampedFloat(raw interface{}, lo, hi float64) *float64 {
	value, ok := floatValue(raw)
	if !ok {
		return nil
	}
	clamped := math.Max(lo, math.Min(hi, value))
	return &clamped
}

func floatValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		parsed, err := v.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func intFromPayload(payload map[string]interface{}, key string, fallback int) int {
	if value, ok := floatValue(payload[key]); ok && value > 0 {
		return int(value)
	}
	return fallback
}

// parseTimestamp accepts RFC 3339 strings and unix epoch numbers; the
// server clock is used when the field is missing or unparseable.
func parseTimestamp(raw interface{}) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), int64((v-math.Floor(v))*1e9)).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			break
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Now().UTC()
}
