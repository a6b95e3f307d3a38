package store

import (
	"sort"
	"sync"
	"time"

	"callpulse-server/pkg/errors"
)

const maxLastTextLen = 2400

// Repository is the in-process persistence layer for realtime calls,
// events, and supervisor alerts. IDs are globally monotonic; all
// operations are safe under concurrent callers and readers only ever
// observe committed copies.
type Repository struct {
	mu sync.RWMutex

	calls        map[string]*RealtimeCall
	eventsByCall map[string][]*RealtimeEvent
	alerts       []*SupervisorAlert
	alertsByID   map[int64]*SupervisorAlert

	nextEventID int64
	nextAlertID int64
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		calls:        make(map[string]*RealtimeCall),
		eventsByCall: make(map[string][]*RealtimeEvent),
		alertsByID:   make(map[int64]*SupervisorAlert),
		nextEventID:  1,
		nextAlertID:  1,
	}
}

// UpsertCall creates or mutates the call identified by callID and
// returns the post-mutation state. Empty mutation fields are ignored;
// UpdatedAt is always refreshed.
func (r *Repository) UpsertCall(callID string, m CallMutation) RealtimeCall {
	now := m.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		status := m.Status
		if status == "" {
			status = CallStatusActive
		}
		provider := m.Provider
		if provider == "" {
			provider = "generic"
		}
		call = &RealtimeCall{
			CallID:    callID,
			Provider:  provider,
			Status:    status,
			CreatedAt: now,
			Metadata:  make(map[string]interface{}),
		}
		r.calls[callID] = call
	}

	if m.Provider != "" {
		call.Provider = m.Provider
	}
	if m.Status != "" {
		call.Status = m.Status
	}
	if m.AgentID != "" {
		call.AgentID = m.AgentID
	}
	if m.CustomerID != "" {
		call.CustomerID = m.CustomerID
	}
	if m.Speaker != "" {
		call.LastSpeaker = m.Speaker
	}
	if m.Text != "" {
		text := m.Text
		if len(text) > maxLastTextLen {
			text = text[:maxLastTextLen]
		}
		call.LastText = text
	}
	if m.RiskScore != nil {
		call.RiskScore = *m.RiskScore
	}
	if m.SentimentScore != nil {
		call.SentimentScore = *m.SentimentScore
	}
	for k, v := range m.Metadata {
		call.Metadata[k] = v
	}
	call.UpdatedAt = now

	return copyCall(call)
}

// GetCall returns a copy of the call state, if known.
func (r *Repository) GetCall(callID string) (RealtimeCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return RealtimeCall{}, false
	}
	return copyCall(call), true
}

// AppendEvent persists an event, assigning the next monotonic ID.
func (r *Repository) AppendEvent(event RealtimeEvent) RealtimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = r.nextEventID
	r.nextEventID++
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	stored := event
	r.eventsByCall[event.CallID] = append(r.eventsByCall[event.CallID], &stored)
	return event
}

// AppendAlert persists a supervisor alert, assigning the next monotonic ID.
func (r *Repository) AppendAlert(alert SupervisorAlert) SupervisorAlert {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert.ID = r.nextAlertID
	r.nextAlertID++
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	stored := alert
	r.alerts = append(r.alerts, &stored)
	r.alertsByID[alert.ID] = &stored
	return alert
}

// RecentEvents returns up to limit events for the call, newest first.
func (r *Repository) RecentEvents(callID string, limit int) []RealtimeEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.eventsByCall[callID]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}

	out := make([]RealtimeEvent, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *events[i])
	}
	return out
}

// RecentAlerts returns alerts newest first, optionally filtered to a
// single call and to unacknowledged alerts only.
func (r *Repository) RecentAlerts(callID string, openOnly bool, limit int) []SupervisorAlert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SupervisorAlert, 0, limit)
	for i := len(r.alerts) - 1; i >= 0; i-- {
		alert := r.alerts[i]
		if callID != "" && alert.CallID != callID {
			continue
		}
		if openOnly && alert.Acknowledged {
			continue
		}
		out = append(out, *alert)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// AckAlert marks the alert acknowledged and reports whether this call
// performed the transition. The operation is idempotent: acknowledging
// an already-acknowledged alert returns the original timestamp.
func (r *Repository) AckAlert(alertID int64, now time.Time) (SupervisorAlert, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alertsByID[alertID]
	if !ok {
		return SupervisorAlert{}, false, errors.Wrap(errors.ErrAlertNotFound, "cannot acknowledge alert", map[string]interface{}{
			"alert_id": alertID,
		})
	}

	changed := false
	if !alert.Acknowledged {
		if now.IsZero() {
			now = time.Now().UTC()
		}
		alert.Acknowledged = true
		ackedAt := now
		alert.AcknowledgedAt = &ackedAt
		changed = true
	}
	return *alert, changed, nil
}

// LastAlertAt returns the creation time of the most recent alert of the
// given type for the call. Used by the evaluator's cooldown check.
func (r *Repository) LastAlertAt(callID, alertType string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.alerts) - 1; i >= 0; i-- {
		alert := r.alerts[i]
		if alert.CallID == callID && alert.Type == alertType {
			return alert.CreatedAt, true
		}
	}
	return time.Time{}, false
}

func copyCall(call *RealtimeCall) RealtimeCall {
	out := *call
	out.Metadata = make(map[string]interface{}, len(call.Metadata))
	for k, v := range call.Metadata {
		out.Metadata[k] = v
	}
	return out
}
