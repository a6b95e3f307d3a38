package alerting

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"callpulse-server/pkg/store"
)

// Alert rule tags.
const (
	AlertNegativeSentiment = "negative_sentiment"
	AlertEscalationKeyword = "escalation_keyword"
	AlertDeadAir           = "dead_air"
	AlertHighRisk          = "high_risk"
)

const (
	deadAirAlertSeconds = 5.0
	keywordSignal       = 0.9
	riskPriorWeight     = 0.6
	riskSignalWeight    = 0.4
	riskHighBoost       = 0.16
	riskCriticalBoost   = 0.2
	sentimentPriorWt    = 0.7
	sentimentEventWt    = 0.3
)

// Config holds the evaluator thresholds. Build it with NewConfig so the
// keyword patterns are compiled once.
type Config struct {
	NegativeSentimentThreshold float64
	HighRiskThreshold          float64
	Cooldown                   time.Duration
	KeywordTriggers            []string

	keywordTerms    []string
	keywordPatterns []*regexp.Regexp
}

// NewConfig compiles the keyword triggers into case-insensitive
// word-boundary patterns.
func NewConfig(negThreshold, highRiskThreshold float64, cooldown time.Duration, triggers []string) Config {
	cfg := Config{
		NegativeSentimentThreshold: negThreshold,
		HighRiskThreshold:          highRiskThreshold,
		Cooldown:                   cooldown,
		KeywordTriggers:            triggers,
	}
	for _, term := range triggers {
		term = strings.TrimSpace(strings.ToLower(term))
		if term == "" {
			continue
		}
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			continue
		}
		cfg.keywordTerms = append(cfg.keywordTerms, term)
		cfg.keywordPatterns = append(cfg.keywordPatterns, pattern)
	}
	return cfg
}

// AlertHistory exposes the last firing time per (call, type), used for
// cooldown suppression.
type AlertHistory interface {
	LastAlertAt(callID, alertType string) (time.Time, bool)
}

// Draft is a rule-fired alert that has not been persisted yet.
type Draft struct {
	Type     string
	Severity string
	Message  string
	Metadata map[string]interface{}
}

// Evaluate applies the alert rules to one ingested event and returns
// the updated call state plus any newly fired alerts. It is a pure
// function of its inputs: wall-clock is read once by the caller and
// passed through, and history lookups are the only external reads.
func Evaluate(call store.RealtimeCall, event store.RealtimeEvent, cfg Config, history AlertHistory, now time.Time) (store.RealtimeCall, []Draft) {
	var drafts []Draft

	keywordHits := cfg.matchKeywords(event.Text)
	deadAir := extractDeadAirSeconds(event.Metadata)
	explicitRisk := extractMetricRisk(event.Metadata)

	canEmit := func(alertType string) bool {
		if history == nil {
			return true
		}
		last, ok := history.LastAlertAt(call.CallID, alertType)
		if !ok {
			return true
		}
		return now.Sub(last) >= cfg.Cooldown
	}

	if event.Sentiment != nil && *event.Sentiment <= cfg.NegativeSentimentThreshold && canEmit(AlertNegativeSentiment) {
		drafts = append(drafts, Draft{
			Type:     AlertNegativeSentiment,
			Severity: store.SeverityHigh,
			Message:  fmt.Sprintf("Negative sentiment detected (%.2f) in live call.", *event.Sentiment),
			Metadata: map[string]interface{}{
				"sentiment": *event.Sentiment,
				"threshold": cfg.NegativeSentimentThreshold,
				"event_id":  event.ID,
			},
		})
	}

	if len(keywordHits) > 0 && canEmit(AlertEscalationKeyword) {
		preview := keywordHits
		if len(preview) > 4 {
			preview = preview[:4]
		}
		drafts = append(drafts, Draft{
			Type:     AlertEscalationKeyword,
			Severity: store.SeverityCritical,
			Message:  "Escalation keywords detected: " + strings.Join(preview, ", "),
			Metadata: map[string]interface{}{
				"keywords": keywordHits,
				"event_id": event.ID,
			},
		})
	}

	if deadAir != nil && *deadAir >= deadAirAlertSeconds && canEmit(AlertDeadAir) {
		drafts = append(drafts, Draft{
			Type:     AlertDeadAir,
			Severity: store.SeverityMedium,
			Message:  fmt.Sprintf("Extended dead air detected (%.1fs).", *deadAir),
			Metadata: map[string]interface{}{
				"dead_air_seconds": *deadAir,
				"event_id":         event.ID,
			},
		})
	}

	signal := eventSignal(event.Sentiment, len(keywordHits) > 0, deadAir, explicitRisk)

	highHits, criticalHits := 0, 0
	for _, d := range drafts {
		switch d.Severity {
		case store.SeverityHigh:
			highHits++
		case store.SeverityCritical:
			criticalHits++
		}
	}

	risk := riskPriorWeight*call.RiskScore + riskSignalWeight*signal
	risk += riskHighBoost*float64(highHits) + riskCriticalBoost*float64(criticalHits)
	call.RiskScore = round2(clamp(risk, 0, 1))

	if event.Sentiment != nil {
		call.SentimentScore = round3(clamp(sentimentPriorWt*call.SentimentScore+sentimentEventWt**event.Sentiment, -1, 1))
	}
	call.UpdatedAt = now

	if call.RiskScore >= cfg.HighRiskThreshold && canEmit(AlertHighRisk) {
		drafts = append(drafts, Draft{
			Type:     AlertHighRisk,
			Severity: store.SeverityHigh,
			Message:  fmt.Sprintf("Live risk score crossed threshold (%.2f).", call.RiskScore),
			Metadata: map[string]interface{}{
				"risk_score": call.RiskScore,
				"threshold":  cfg.HighRiskThreshold,
				"event_id":   event.ID,
			},
		})
	}

	return call, drafts
}

func (c Config) matchKeywords(text string) []string {
	if text == "" {
		return nil
	}

	var hits []string
	for i, pattern := range c.keywordPatterns {
		if pattern.MatchString(text) {
			hits = append(hits, c.keywordTerms[i])
		}
	}
	return hits
}

// eventSignal derives the risk contribution of a single event as the
// strongest of its negative-sentiment, keyword, dead-air, and explicit
// risk signals.
func eventSignal(sentiment *float64, keywordHit bool, deadAir, explicitRisk *float64) float64 {
	signal := 0.0

	if sentiment != nil && *sentiment < 0 {
		signal = math.Max(signal, math.Min(1, -*sentiment))
	}
	if keywordHit {
		signal = math.Max(signal, keywordSignal)
	}
	if deadAir != nil && *deadAir > 0 {
		signal = math.Max(signal, math.Min(1, *deadAir/10))
	}
	if explicitRisk != nil {
		signal = math.Max(signal, clamp(*explicitRisk, 0, 1))
	}

	return signal
}

func extractDeadAirSeconds(metadata map[string]interface{}) *float64 {
	sources := []map[string]interface{}{metadata}
	if metrics, ok := metadata["metrics"].(map[string]interface{}); ok {
		sources = append(sources, metrics)
	}

	for _, source := range sources {
		if source == nil {
			continue
		}
		for _, key := range []string{"dead_air_seconds", "silence_seconds", "silence_duration"} {
			if raw, ok := source[key]; ok {
				if value, ok := parseFloat(raw); ok {
					v := math.Max(0, value)
					return &v
				}
			}
		}
	}
	return nil
}

func extractMetricRisk(metadata map[string]interface{}) *float64 {
	metrics, ok := metadata["metrics"].(map[string]interface{})
	if !ok {
		return nil
	}
	if raw, ok := metrics["risk"]; ok {
		if value, ok := parseFloat(raw); ok {
			return &value
		}
	}
	return nil
}

func parseFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
