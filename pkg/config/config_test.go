package config

import (
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

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8009, cfg.HTTP.Port)
	assert.Equal(t, -0.45, cfg.Realtime.NegativeSentimentThreshold)
	assert.Equal(t, 0.72, cfg.Realtime.HighRiskThreshold)
	assert.Equal(t, 75, cfg.Realtime.AlertCooldownSeconds)
	assert.Equal(t, 300, cfg.Realtime.AudioWindowSeconds)
	assert.Equal(t, 2_000_000, cfg.Realtime.AudioMaxChunkBytes)
	assert.Contains(t, cfg.Realtime.SupervisorKeywordTriggers, "supervisor")
	assert.Equal(t, 9011, cfg.AudioHook.Port)
	assert.Equal(t, "/audiohook/ws", cfg.AudioHook.Path)
	assert.Equal(t, 750, cfg.AudioHook.FlushIntervalMS)
	assert.Equal(t, 300, cfg.AudioHook.MinChunkDurationMS)
	assert.Equal(t, 2000, cfg.AudioHook.MaxChunkDurationMS)
	assert.Equal(t, "https://login.mypurecloud.com", cfg.Genesys.LoginBaseURL)
	assert.Equal(t, 5, cfg.Genesys.RetryMaxAttempts)
	assert.Equal(t, 1.5, cfg.Genesys.RetryBackoffSeconds)
	assert.Equal(t, "queues_users", cfg.Genesys.TopicBuilderMode)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("REALTIME_INGEST_TOKEN", "secret-token")
	t.Setenv("REALTIME_ALERT_COOLDOWN_SECONDS", "120")
	t.Setenv("REALTIME_SUPERVISOR_KEYWORD_TRIGGERS", "manager, chargeback ")
	t.Setenv("GENESYS_LOGIN_BASE_URL", "https://login.mypurecloud.ie/")
	t.Setenv("GENESYS_AUDIOHOOK_PATH", "hooks/media/")
	t.Setenv("GENESYS_HTTP_TIMEOUT_SECONDS", "45")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, "secret-token", cfg.Realtime.IngestToken)
	assert.Equal(t, 120, cfg.Realtime.AlertCooldownSeconds)
	assert.Equal(t, []string{"manager", "chargeback"}, cfg.Realtime.SupervisorKeywordTriggers)
	assert.Equal(t, "https://login.mypurecloud.ie", cfg.Genesys.LoginBaseURL)
	assert.Equal(t, "/hooks/media", cfg.AudioHook.Path)
	assert.Equal(t, 45*time.Second, cfg.Genesys.HTTPTimeout)
}

func TestLoadEnforcesFloors(t *testing.T) {
	t.Setenv("REALTIME_ALERT_COOLDOWN_SECONDS", "1")
	t.Setenv("GENESYS_RETRY_BACKOFF_SECONDS", "0.01")
	t.Setenv("GENESYS_AUDIOHOOK_MIN_CHUNK_DURATION_MS", "5")
	t.Setenv("GENESYS_TOPIC_BUILDER_REFRESH_SECONDS", "10")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Realtime.AlertCooldownSeconds)
	assert.Equal(t, 0.2, cfg.Genesys.RetryBackoffSeconds)
	assert.Equal(t, 80, cfg.AudioHook.MinChunkDurationMS)
	assert.Equal(t, 60, cfg.Genesys.TopicBuilderRefreshSeconds)
}

func TestTokenFallbackChain(t *testing.T) {
	t.Setenv("REALTIME_INGEST_TOKEN", "root-token")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, "root-token", cfg.Genesys.TargetIngestToken)
	assert.Equal(t, "root-token", cfg.AudioHook.TargetIngestToken)
}

func TestValidateConnector(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	err = cfg.ValidateConnector(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GENESYS_CLIENT_ID")

	cfg.Genesys.ClientID = "client"
	cfg.Genesys.ClientSecret = "secret"
	assert.NoError(t, cfg.ValidateConnector(false))

	cfg.Genesys.TargetIngestURL = ""
	assert.Error(t, cfg.ValidateConnector(false))
	assert.NoError(t, cfg.ValidateConnector(true))
}

func TestValidateAudioHook(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateAudioHook(false))

	cfg.AudioHook.TargetAudioIngestURL = ""
	assert.Error(t, cfg.ValidateAudioHook(false))
	assert.NoError(t, cfg.ValidateAudioHook(true))
}
