package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpulse-server/pkg/store"
)

func defaultTestConfig() Config {
	return NewConfig(-0.45, 0.72, 75*time.Second, []string{
		"manager", "supervisor", "escalate", "cancel account", "lawyer", "legal", "complaint", "refund now",
	})
}

type fakeHistory struct {
	last map[string]time.Time
}

func (h *fakeHistory) LastAlertAt(callID, alertType string) (time.Time, bool) {
	at, ok := h.last[callID+"/"+alertType]
	return at, ok
}

func floatPtr(v float64) *float64 { return &v }

func TestNegativeSentimentAlert(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	call := store.RealtimeCall{CallID: "RT-1", Status: store.CallStatusActive}
	event := store.RealtimeEvent{CallID: "RT-1", EventType: store.EventTypeTranscript, Sentiment: floatPtr(-0.8)}

	updated, drafts := Evaluate(call, event, cfg, nil, now)

	require.Len(t, drafts, 1)
	assert.Equal(t, AlertNegativeSentiment, drafts[0].Type)
	assert.Equal(t, store.SeverityHigh, drafts[0].Severity)
	assert.GreaterOrEqual(t, updated.RiskScore, 0.32)
	assert.InDelta(t, -0.24, updated.SentimentScore, 0.001)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{last: map[string]time.Time{
		"RT-1/" + AlertNegativeSentiment: now.Add(-10 * time.Second),
	}}

	call := store.RealtimeCall{CallID: "RT-1", RiskScore: 0.48, SentimentScore: -0.24}
	event := store.RealtimeEvent{CallID: "RT-1", EventType: store.EventTypeTranscript, Sentiment: floatPtr(-0.8)}

	_, drafts := Evaluate(call, event, cfg, history, now)
	assert.Empty(t, drafts)
}

func TestCooldownExpires(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{last: map[string]time.Time{
		"RT-1/" + AlertNegativeSentiment: now.Add(-80 * time.Second),
	}}

	call := store.RealtimeCall{CallID: "RT-1"}
	event := store.RealtimeEvent{CallID: "RT-1", Sentiment: floatPtr(-0.8)}

	_, drafts := Evaluate(call, event, cfg, history, now)
	require.Len(t, drafts, 1)
	assert.Equal(t, AlertNegativeSentiment, drafts[0].Type)
}

func TestEscalationStackingFiresHighRisk(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	call := store.RealtimeCall{CallID: "RT-3"}
	event := store.RealtimeEvent{
		CallID:    "RT-3",
		EventType: store.EventTypeTranscript,
		Text:      "get me your supervisor",
		Sentiment: floatPtr(-0.9),
		Metadata: map[string]interface{}{
			"metrics": map[string]interface{}{"dead_air_seconds": 7.0},
		},
	}

	updated, drafts := Evaluate(call, event, cfg, nil, now)

	types := make(map[string]string, len(drafts))
	for _, d := range drafts {
		types[d.Type] = d.Severity
	}

	require.Len(t, drafts, 4)
	assert.Equal(t, store.SeverityCritical, types[AlertEscalationKeyword])
	assert.Equal(t, store.SeverityHigh, types[AlertNegativeSentiment])
	assert.Equal(t, store.SeverityMedium, types[AlertDeadAir])
	assert.Equal(t, store.SeverityHigh, types[AlertHighRisk])
	assert.GreaterOrEqual(t, updated.RiskScore, 0.72)
}

func TestKeywordMatchingIsWordBounded(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Now().UTC()
	call := store.RealtimeCall{CallID: "RT-1"}

	// "legally" must not trip the "legal" trigger.
	event := store.RealtimeEvent{CallID: "RT-1", Text: "that is legally binding"}
	_, drafts := Evaluate(call, event, cfg, nil, now)
	assert.Empty(t, drafts)

	event = store.RealtimeEvent{CallID: "RT-1", Text: "I will get LEGAL advice"}
	_, drafts = Evaluate(call, event, cfg, nil, now)
	require.Len(t, drafts, 1)
	assert.Equal(t, AlertEscalationKeyword, drafts[0].Type)
}

func TestDeadAirBelowThresholdDoesNotFire(t *testing.T) {
	cfg := defaultTestConfig()
	call := store.RealtimeCall{CallID: "RT-1"}
	event := store.RealtimeEvent{
		CallID:   "RT-1",
		Metadata: map[string]interface{}{"metrics": map[string]interface{}{"dead_air_seconds": 3.0}},
	}

	_, drafts := Evaluate(call, event, cfg, nil, time.Now().UTC())
	assert.Empty(t, drafts)
}

func TestExplicitMetricRiskFeedsSignal(t *testing.T) {
	cfg := defaultTestConfig()
	call := store.RealtimeCall{CallID: "RT-1"}
	event := store.RealtimeEvent{
		CallID:   "RT-1",
		Metadata: map[string]interface{}{"metrics": map[string]interface{}{"risk": 1.0}},
	}

	updated, _ := Evaluate(call, event, cfg, nil, time.Now().UTC())
	assert.InDelta(t, 0.4, updated.RiskScore, 0.001)
}

func TestScoresStayInRangeUnderRepeatedIngest(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	call := store.RealtimeCall{CallID: "RT-1"}

	sentiments := []float64{-1, -0.9, 1, -1, 0.5, -1, -1, -1, 1, 1}
	for i, s := range sentiments {
		event := store.RealtimeEvent{
			CallID:    "RT-1",
			Text:      "escalate this to your manager and lawyer now",
			Sentiment: floatPtr(s),
			Metadata:  map[string]interface{}{"metrics": map[string]interface{}{"dead_air_seconds": 60.0}},
		}
		call, _ = Evaluate(call, event, cfg, nil, now.Add(time.Duration(i)*time.Second))

		assert.GreaterOrEqual(t, call.RiskScore, 0.0)
		assert.LessOrEqual(t, call.RiskScore, 1.0)
		assert.GreaterOrEqual(t, call.SentimentScore, -1.0)
		assert.LessOrEqual(t, call.SentimentScore, 1.0)
	}
}

func TestSentimentUnchangedWhenEventHasNone(t *testing.T) {
	cfg := defaultTestConfig()
	call := store.RealtimeCall{CallID: "RT-1", SentimentScore: -0.5}
	event := store.RealtimeEvent{CallID: "RT-1", EventType: store.EventTypeAudioChunk}

	updated, _ := Evaluate(call, event, cfg, nil, time.Now().UTC())
	assert.Equal(t, -0.5, updated.SentimentScore)
}

func TestDeterministicForSameInputs(t *testing.T) {
	cfg := defaultTestConfig()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	call := store.RealtimeCall{CallID: "RT-1", RiskScore: 0.3, SentimentScore: 0.1}
	event := store.RealtimeEvent{CallID: "RT-1", Text: "complaint", Sentiment: floatPtr(-0.6)}

	first, firstDrafts := Evaluate(call, event, cfg, nil, now)
	second, secondDrafts := Evaluate(call, event, cfg, nil, now)

	assert.Equal(t, first, second)
	assert.Equal(t, firstDrafts, secondDrafts)
}
