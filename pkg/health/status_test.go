package health

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestWriterPersistsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime", "connector_status.json")
	w := NewWriter(testLogger(), path, map[string]interface{}{
		"forwarded_events": 0,
	})

	w.SetState(StateRunning)
	w.Increment("forwarded_events", 3)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, StateRunning, status["state"])
	assert.Equal(t, float64(3), status["forwarded_events"])
	assert.NotEmpty(t, status["updated_at"])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestWriterSetError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w := NewWriter(testLogger(), path, nil)
	w.SetError(assert.AnError)

	snapshot := w.Snapshot()
	assert.Equal(t, StateError, snapshot["state"])
	assert.NotEmpty(t, snapshot["last_error"])
}

func TestCheckHealthyFreshRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w := NewWriter(testLogger(), path, nil)
	w.SetState(StateRunning)

	report, err := Check(path, 90, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, StateRunning, report.State)
	assert.LessOrEqual(t, report.AgeSeconds, 90.0)
	assert.Equal(t, path, report.StatusPath)
}

func TestCheckStaleIsUnhealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	stale := map[string]interface{}{
		"state":      StateRunning,
		"updated_at": time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	report, err := Check(path, 90, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Greater(t, report.AgeSeconds, 90.0)
}

func TestCheckTerminalStatesAreUnhealthy(t *testing.T) {
	for _, state := range []string{StateError, StateStopped} {
		path := filepath.Join(t.TempDir(), "status.json")
		w := NewWriter(testLogger(), path, nil)
		w.SetState(state)

		report, err := Check(path, 90, time.Now().UTC())
		require.NoError(t, err)
		assert.Falsef(t, report.Healthy, "state %s must be unhealthy", state)
	}
}

func TestCheckMissingFile(t *testing.T) {
	report, err := Check(filepath.Join(t.TempDir(), "missing.json"), 90, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, "not_running", report.State)
	assert.Equal(t, "status_file_missing", report.Reason)
}

func TestCheckCorruptFileReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	report, err := Check(path, 90, time.Now().UTC())
	require.Error(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, "status_file_unreadable", report.Reason)
}

func TestCheckStaleAfterFloor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w := NewWriter(testLogger(), path, nil)
	w.SetState(StateRunning)

	report, err := Check(path, 1, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 10, report.StaleAfterSeconds)
}
