package http

import (
	"time"

	"callpulse-server/pkg/audio"
	"callpulse-server/pkg/store"
)

const (
	snapshotEventLimit = 50
	snapshotAlertLimit = 20
)

// callSnapshot is the JSON shape returned by the snapshot endpoint and
// embedded in ingest responses.
type callSnapshot struct {
	CallID         string                  `json:"call_id"`
	Provider       string                  `json:"provider"`
	Status         string                  `json:"status"`
	RiskScore      float64                 `json:"risk_score"`
	SentimentScore float64                 `json:"sentiment_score"`
	UpdatedAt      string                  `json:"updated_at,omitempty"`
	Events         []store.RealtimeEvent   `json:"events"`
	Alerts         []store.SupervisorAlert `json:"alerts"`
	LiveAudio      audio.Snapshot          `json:"live_audio"`
}

// buildSnapshot assembles the current call view: state, the most recent
// events in chronological order, open alerts, and audio metadata.
func (s *Server) buildSnapshot(call store.RealtimeCall) callSnapshot {
	events := s.repo.RecentEvents(call.CallID, snapshotEventLimit)
	// RecentEvents is newest-first; present them oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	alerts := s.repo.RecentAlerts(call.CallID, true, snapshotAlertLimit)

	return callSnapshot{
		CallID:         call.CallID,
		Provider:       call.Provider,
		Status:         call.Status,
		RiskScore:      call.RiskScore,
		SentimentScore: call.SentimentScore,
		UpdatedAt:      call.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Events:         eventList(events),
		Alerts:         alertList(alerts),
		LiveAudio:      s.audioStore.Snapshot(call.CallID),
	}
}

// idleSnapshot is returned for calls the repository has never seen.
func (s *Server) idleSnapshot(callID string) callSnapshot {
	return callSnapshot{
		CallID:    callID,
		Provider:  "generic",
		Status:    store.CallStatusUnknown,
		Events:    []store.RealtimeEvent{},
		Alerts:    []store.SupervisorAlert{},
		LiveAudio: s.audioStore.Snapshot(callID),
	}
}

func eventList(events []store.RealtimeEvent) []store.RealtimeEvent {
	if events == nil {
		return []store.RealtimeEvent{}
	}
	return events
}

func alertList(alerts []store.SupervisorAlert) []store.SupervisorAlert {
	if alerts == nil {
		return []store.SupervisorAlert{}
	}
	return alerts
}
