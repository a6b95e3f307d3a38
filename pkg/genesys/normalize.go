package genesys

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"callpulse-server/pkg/store"
)

var conversationTopicPattern = regexp.MustCompile(`(?i)conversations\.([a-f0-9-]{16,})`)

// MapNotification normalizes one Genesys notification into zero or
// more realtime ingest payloads. Notifications without a resolvable
// conversation id are dropped; unrecognized shapes become custom events
// with the raw body preserved in metadata.
func MapNotification(notification map[string]interface{}) []map[string]interface{} {
	topic := stringValue(notification["topicName"])
	if topic == "" {
		topic = stringValue(notification["topic"])
	}
	if topic == "" {
		return nil
	}

	eventBody, _ := notification["eventBody"].(map[string]interface{})
	if eventBody == nil {
		eventBody = map[string]interface{}{}
	}

	callID := extractConversationID(topic, eventBody)
	if callID == "" {
		return nil
	}

	rawType := extractRawEventType(topic, eventBody)
	status := extractStatus(rawType, eventBody)
	sentiment := extractSentiment(eventBody)
	confidence := extractConfidence(eventBody)
	occurredAt := extractOccurredAt(notification, eventBody)
	speaker := extractSpeaker(eventBody)
	agentID := extractAgentID(eventBody)
	customerID := extractCustomerID(eventBody)

	records := extractTextRecords(eventBody)
	if len(records) == 0 {
		records = []textRecord{{Source: "topic_only", Speaker: speaker}}
	}
	if len(records) > 6 {
		records = records[:6]
	}

	payloads := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		recordSpeaker := record.Speaker
		if recordSpeaker == "" {
			recordSpeaker = speaker
		}

		metadata := map[string]interface{}{
			"genesys_topic":      topic,
			"genesys_source":     record.Source,
			"genesys_event_keys": sortedKeys(eventBody, 40),
		}
		if deadAir := extractDeadAir(eventBody); deadAir != nil {
			metadata["metrics"] = map[string]interface{}{"dead_air_seconds": *deadAir}
		}

		eventType := classifyEventType(record.Text, status, rawType)
		if eventType == store.EventTypeCustom {
			metadata["genesys_event_type"] = rawType
			metadata["genesys_event_body"] = eventBody
		}

		payload := map[string]interface{}{
			"provider":    "genesys_cloud",
			"call_id":     callID,
			"event_type":  eventType,
			"speaker":     recordSpeaker,
			"text":        record.Text,
			"status":      status,
			"timestamp":   occurredAt,
			"agent_id":    agentID,
			"customer_id": customerID,
			"metadata":    metadata,
		}
		if sentiment != nil {
			payload["sentiment"] = *sentiment
		}
		if confidence != nil {
			payload["confidence"] = *confidence
		}

		payloads = append(payloads, payload)
	}

	return payloads
}

// classifyEventType folds the provider's free-form event names into
// the ingest enum: text carries a transcript, a terminal status ends
// the call, and everything else is custom.
func classifyEventType(text, status, rawType string) string {
	if text != "" {
		return store.EventTypeTranscript
	}
	if status == store.CallStatusEnded {
		return store.EventTypeEnd
	}
	switch rawType {
	case "sentiment":
		return store.EventTypeSentiment
	case "metric", "metrics":
		return store.EventTypeMetric
	default:
		return store.EventTypeCustom
	}
}

type textRecord struct {
	Text    string
	Speaker string
	Source  string
}

func extractConversationID(topic string, eventBody map[string]interface{}) string {
	candidates := []interface{}{
		eventBody["conversationId"],
		eventBody["conversation_id"],
		eventBody["id"],
	}
	if conversation, ok := eventBody["conversation"].(map[string]interface{}); ok {
		candidates = append(candidates, conversation["id"], conversation["conversationId"])
	}

	for _, candidate := range candidates {
		if value := stringValue(candidate); value != "" {
			return value
		}
	}

	if match := conversationTopicPattern.FindStringSubmatch(topic); match != nil {
		return match[1]
	}
	return ""
}

func extractRawEventType(topic string, eventBody map[string]interface{}) string {
	explicit := strings.ToLower(stringValue(eventBody["eventType"]))
	if explicit == "" {
		explicit = strings.ToLower(stringValue(eventBody["type"]))
	}
	if explicit != "" {
		return explicit
	}

	parts := strings.Split(topic, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return strings.ToLower(parts[i])
		}
	}
	return store.EventTypeTranscript
}

func extractStatus(rawType string, eventBody map[string]interface{}) string {
	raw := strings.ToLower(stringValue(eventBody["status"]))
	if raw == "" {
		raw = strings.ToLower(stringValue(eventBody["state"]))
	}
	if raw == "" {
		raw = strings.ToLower(stringValue(eventBody["conversationState"]))
	}

	endTokens := []string{"disconnect", "terminated", "ended", "complete", "closed"}
	if raw != "" {
		for _, token := range endTokens {
			if strings.Contains(raw, token) {
				return store.CallStatusEnded
			}
		}
		return store.CallStatusActive
	}

	for _, token := range []string{"disconnect", "terminate", "end", "complete"} {
		if strings.Contains(rawType, token) {
			return store.CallStatusEnded
		}
	}
	return store.CallStatusActive
}

func extractOccurredAt(notification, eventBody map[string]interface{}) string {
	for _, key := range []string{"eventTime", "timestamp", "eventDate", "createdDate", "startTime"} {
		if parsed, ok := parseProviderTime(eventBody[key]); ok {
			return parsed.Format(time.RFC3339Nano)
		}
	}

	if metadata, ok := notification["metadata"].(map[string]interface{}); ok {
		if parsed, ok := parseProviderTime(metadata["messageTime"]); ok {
			return parsed.Format(time.RFC3339Nano)
		}
	}

	return time.Now().UTC().Format(time.RFC3339Nano)
}

func extractSpeaker(eventBody map[string]interface{}) string {
	for _, key := range []string{"speaker", "speakerType", "participantPurpose", "purpose", "role"} {
		if value := strings.ToLower(stringValue(eventBody[key])); value != "" {
			return normalizeSpeaker(value)
		}
	}

	if participants, ok := eventBody["participants"].([]interface{}); ok {
		for _, raw := range participants {
			participant, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			purpose := stringValue(participant["purpose"])
			if purpose == "" {
				purpose = stringValue(participant["participantPurpose"])
			}
			state := strings.ToLower(stringValue(participant["state"]))
			if purpose != "" && (state == "connected" || state == "alerting") {
				return normalizeSpeaker(purpose)
			}
		}
	}
	return ""
}

func extractAgentID(eventBody map[string]interface{}) string {
	for _, key := range []string{"agentId", "agent_id", "userId"} {
		if value := stringValue(eventBody[key]); value != "" {
			return value
		}
	}

	if participants, ok := eventBody["participants"].([]interface{}); ok {
		for _, raw := range participants {
			participant, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			purpose := strings.ToLower(stringValue(participant["purpose"]))
			if purpose != "agent" && purpose != "user" {
				continue
			}
			if value := stringValue(participant["userId"]); value != "" {
				return value
			}
			if value := stringValue(participant["id"]); value != "" {
				return value
			}
		}
	}
	return ""
}

func extractCustomerID(eventBody map[string]interface{}) string {
	for _, key := range []string{"customerId", "externalContactId", "customer_id"} {
		if value := stringValue(eventBody[key]); value != "" {
			return value
		}
	}

	if participants, ok := eventBody["participants"].([]interface{}); ok {
		for _, raw := range participants {
			participant, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			purpose := strings.ToLower(stringValue(participant["purpose"]))
			if purpose != "customer" && purpose != "external" {
				continue
			}
			if value := stringValue(participant["id"]); value != "" {
				return value
			}
			if value := stringValue(participant["externalContactId"]); value != "" {
				return value
			}
		}
	}
	return ""
}

func extractTextRecords(eventBody map[string]interface{}) []textRecord {
	var records []textRecord

	if transcripts, ok := eventBody["transcripts"].([]interface{}); ok {
		for _, raw := range transcripts {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			text := firstString(entry, "text", "transcript", "utteranceText")
			if text == "" {
				continue
			}
			speaker := firstString(entry, "speaker", "participantPurpose", "role")
			records = append(records, textRecord{Text: text, Speaker: normalizeSpeaker(speaker), Source: "transcripts"})
		}
	}

	if utterances, ok := eventBody["utterances"].([]interface{}); ok {
		for _, raw := range utterances {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			text := firstString(entry, "text", "utteranceText")
			if text == "" {
				continue
			}
			speaker := firstString(entry, "speaker", "role")
			records = append(records, textRecord{Text: text, Speaker: normalizeSpeaker(speaker), Source: "utterances"})
		}
	}

	for _, key := range []string{"text", "transcript", "utteranceText", "message"} {
		switch value := eventBody[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				records = append(records, textRecord{Text: trimmed, Source: key})
			}
		case map[string]interface{}:
			nested := firstString(value, "text", "body")
			if nested != "" {
				records = append(records, textRecord{Text: nested, Source: key})
			}
		}
	}

	seen := make(map[string]bool)
	deduped := records[:0]
	for _, record := range records {
		key := strings.ToLower(record.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, record)
	}
	return deduped
}

func extractSentiment(eventBody map[string]interface{}) *float64 {
	for _, candidate := range []interface{}{
		eventBody["sentiment"],
		eventBody["sentimentScore"],
		eventBody["overallSentiment"],
		eventBody["sentiment_score"],
	} {
		if parsed := parseSentiment(candidate); parsed != nil {
			return parsed
		}
	}

	if sentiment, ok := eventBody["sentiment"].(map[string]interface{}); ok {
		for _, key := range []string{"score", "overall", "value"} {
			if parsed := parseSentiment(sentiment[key]); parsed != nil {
				return parsed
			}
		}
	}
	return nil
}

func extractConfidence(eventBody map[string]interface{}) *float64 {
	candidates := []interface{}{
		eventBody["confidence"],
		eventBody["confidenceScore"],
		eventBody["sentimentConfidence"],
	}
	if sentiment, ok := eventBody["sentiment"].(map[string]interface{}); ok {
		candidates = append(candidates, sentiment["confidence"], sentiment["confidenceScore"])
	}

	for _, candidate := range candidates {
		if parsed, ok := numberValue(candidate); ok {
			clamped := parsed
			if clamped < 0 {
				clamped = 0
			}
			if clamped > 1 {
				clamped = 1
			}
			return &clamped
		}
	}
	return nil
}

func extractDeadAir(eventBody map[string]interface{}) *float64 {
	for _, key := range []string{"deadAirSeconds", "silenceSeconds", "dead_air_seconds"} {
		if parsed, ok := numberValue(eventBody[key]); ok {
			if parsed < 0 {
				parsed = 0
			}
			return &parsed
		}
	}
	return nil
}

func normalizeSpeaker(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return ""
	case "agent", "user", "acd":
		return "agent"
	case "customer", "external", "client":
		return "customer"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func parseSentiment(raw interface{}) *float64 {
	if value, ok := numberValue(raw); ok {
		if value < -1 {
			value = -1
		}
		if value > 1 {
			value = 1
		}
		return &value
	}

	switch strings.ToLower(stringValue(raw)) {
	case "negative", "neg":
		v := -0.7
		return &v
	case "neutral":
		v := 0.0
		return &v
	case "positive", "pos":
		v := 0.7
		return &v
	default:
		return nil
	}
}

func parseProviderTime(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05"} {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func stringValue(raw interface{}) string {
	if text, ok := raw.(string); ok {
		return strings.TrimSpace(text)
	}
	return ""
}

func numberValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func firstString(entry map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if value := stringValue(entry[key]); value != "" {
			return value
		}
	}
	return ""
}

func sortedKeys(m map[string]interface{}, limit int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
