package health

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/errors"
)

// Worker states persisted to the status file.
const (
	StateStarting       = "starting"
	StateConnecting     = "connecting"
	StateAuthenticated  = "authenticated"
	StateChannelCreated = "channel_created"
	StateSubscribed     = "subscribed"
	StateRunning        = "running"
	StateDegraded       = "degraded"
	StateStopping       = "stopping"
	StateStopped        = "stopped"
	StateError          = "error"
)

// HeartbeatInterval is the ceiling between periodic status refreshes.
const HeartbeatInterval = 30 * time.Second

// Writer persists a worker status record to a file. Every write goes
// through a temp file and an atomic rename so health probes never
// observe a partial document.
type Writer struct {
	logger *logrus.Logger
	path   string

	mu     sync.Mutex
	fields map[string]interface{}
}

// NewWriter creates a status writer and persists the initial record.
func NewWriter(logger *logrus.Logger, path string, initial map[string]interface{}) *Writer {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"state":      StateStarting,
		"started_at": now,
		"updated_at": now,
		"pid":        os.Getpid(),
		"last_error": "",
	}
	for k, v := range initial {
		fields[k] = v
	}

	w := &Writer{logger: logger, path: path, fields: fields}
	w.persist(true)
	return w
}

// Set merges updates into the status record and persists it.
func (w *Writer) Set(updates map[string]interface{}) {
	w.mu.Lock()
	for k, v := range updates {
		w.fields[k] = v
	}
	w.fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	w.mu.Unlock()

	w.persist(false)
}

// SetState records a state transition.
func (w *Writer) SetState(state string) {
	w.Set(map[string]interface{}{"state": state})
}

// SetError records an error state with the failure detail.
func (w *Writer) SetError(err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	w.Set(map[string]interface{}{"state": StateError, "last_error": detail})
}

// Increment adds delta to a numeric counter field and persists.
func (w *Writer) Increment(key string, delta int) {
	w.mu.Lock()
	current, _ := w.fields[key].(int)
	if asFloat, ok := w.fields[key].(float64); ok {
		current = int(asFloat)
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	w.fields[key] = next
	w.fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	w.mu.Unlock()

	w.persist(false)
}

// Snapshot returns a copy of the current status fields.
func (w *Writer) Snapshot() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]interface{}, len(w.fields))
	for k, v := range w.fields {
		out[k] = v
	}
	return out
}

// RunHeartbeat refreshes updated_at periodically until the context is
// canceled, keeping the status file from going stale while the worker
// is idle.
func (w *Writer) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Set(nil)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Writer) persist(initial bool) {
	w.mu.Lock()
	payload, err := json.MarshalIndent(w.fields, "", "  ")
	w.mu.Unlock()
	if err != nil {
		w.logger.WithError(err).Warn("Failed to encode worker status")
		return
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logStatusWriteFailure(err, initial)
		return
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		w.logStatusWriteFailure(err, initial)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		w.logStatusWriteFailure(err, initial)
	}
}

func (w *Writer) logStatusWriteFailure(err error, initial bool) {
	entry := w.logger.WithError(err).WithField("path", w.path)
	if initial {
		entry.Warn("Failed to write initial worker status file")
	} else {
		entry.Debug("Failed to write worker status file")
	}
}

// Report is the health evaluation of one worker status file.
type Report struct {
	Healthy           bool                   `json:"healthy"`
	State             string                 `json:"state"`
	AgeSeconds        float64                `json:"age_seconds"`
	StaleAfterSeconds int                    `json:"stale_after_seconds"`
	StatusPath        string                 `json:"status_path"`
	Reason            string                 `json:"reason,omitempty"`
	Status            map[string]interface{} `json:"status,omitempty"`
}

// Check reads the status file and evaluates worker health: the record
// must be fresher than staleAfter seconds and the state must not be a
// terminal one. A read or parse failure returns a non-nil error so the
// caller can answer 500.
func Check(path string, staleAfter int, now time.Time) (Report, error) {
	if staleAfter < 10 {
		staleAfter = 10
	}

	report := Report{
		StaleAfterSeconds: staleAfter,
		StatusPath:        path,
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		report.State = "not_running"
		report.Reason = "status_file_missing"
		return report, nil
	}
	if err != nil {
		report.State = "unknown"
		report.Reason = "status_file_unreadable"
		return report, errors.Wrap(err, "cannot read worker status file", map[string]interface{}{"path": path})
	}

	var status map[string]interface{}
	if err := json.Unmarshal(raw, &status); err != nil {
		report.State = "unknown"
		report.Reason = "status_file_unreadable"
		return report, errors.Wrap(err, "cannot parse worker status file", map[string]interface{}{"path": path})
	}

	state, _ := status["state"].(string)
	if state == "" {
		state = "unknown"
	}
	report.State = state
	report.Status = status

	updatedAt := time.Time{}
	if raw, ok := status["updated_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			updatedAt = parsed
		} else if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			updatedAt = parsed
		}
	}

	age := now.Sub(updatedAt).Seconds()
	if updatedAt.IsZero() {
		age = float64(staleAfter) + 1
	}
	if age < 0 {
		age = 0
	}
	report.AgeSeconds = float64(int(age*100)) / 100

	report.Healthy = age <= float64(staleAfter) && state != StateError && state != StateStopped
	return report, nil
}
