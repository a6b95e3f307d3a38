package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the complete application configuration, loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	HTTP      HTTPConfig
	Realtime  RealtimeConfig
	Genesys   GenesysConfig
	AudioHook AudioHookConfig
	Messaging MessagingConfig
	Logging   LoggingConfig
}

// HTTPConfig holds the core API server settings.
type HTTPConfig struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

// RealtimeConfig holds ingest, alerting, and rolling-audio settings.
type RealtimeConfig struct {
	IngestToken                string
	NegativeSentimentThreshold float64
	HighRiskThreshold          float64
	AlertCooldownSeconds       int
	SupervisorKeywordTriggers  []string

	AudioDir               string
	AudioWindowSeconds     int
	AudioDefaultSampleRate int
	AudioDefaultChannels   int
	AudioMaxChunkBytes     int

	UploadsDir string
}

// GenesysConfig holds the notification connector settings.
type GenesysConfig struct {
	LoginBaseURL string
	APIBaseURL   string
	ClientID     string
	ClientSecret string

	SubscriptionTopics []string
	QueueIDs           []string
	UserIDs            []string

	TargetIngestURL   string
	TargetIngestToken string

	VerifySSL             bool
	HTTPTimeout           time.Duration
	RetryMaxAttempts      int
	RetryBackoffSeconds   float64
	ReconnectDelaySeconds int

	TopicBuilderMode              string
	TopicBuilderQueueNameFilters  []string
	TopicBuilderUserNameFilters   []string
	TopicBuilderEmailDomainFilter []string
	TopicBuilderMaxQueues         int
	TopicBuilderMaxUsers          int
	TopicBuilderRefreshSeconds    int

	StatusPath         string
	HealthStaleSeconds int
}

// AudioHookConfig holds the media listener settings.
type AudioHookConfig struct {
	Host string
	Port int
	Path string

	TargetAudioIngestURL string
	TargetEventIngestURL string
	TargetIngestToken    string

	VerifySSL           bool
	HTTPTimeout         time.Duration
	RetryMaxAttempts    int
	RetryBackoffSeconds float64

	FlushIntervalMS    int
	MinChunkDurationMS int
	MaxChunkDurationMS int

	StatusPath         string
	HealthStaleSeconds int
}

// MessagingConfig holds the optional AMQP alert mirror settings.
type MessagingConfig struct {
	AMQPURL         string
	AlertExchange   string
	AlertRoutingKey string
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level logrus.Level
}

// Load reads configuration from the environment (and a .env file when
// present) and applies defaults.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Debug("No .env file loaded")
	}

	dataDir := getEnvString("DATA_DIR", "data")
	runtimeDir := filepath.Join(dataDir, "runtime")

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:          getEnvInt("HTTP_PORT", 8009),
			ReadTimeout:   time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)) * time.Second,
			WriteTimeout:  time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)) * time.Second,
			EnableMetrics: getEnvBool("HTTP_ENABLE_METRICS", true),
		},
		Realtime: RealtimeConfig{
			IngestToken:                strings.TrimSpace(os.Getenv("REALTIME_INGEST_TOKEN")),
			NegativeSentimentThreshold: getEnvFloat("REALTIME_NEGATIVE_SENTIMENT_THRESHOLD", -0.45),
			HighRiskThreshold:          getEnvFloat("REALTIME_HIGH_RISK_THRESHOLD", 0.72),
			AlertCooldownSeconds:       maxInt(5, getEnvInt("REALTIME_ALERT_COOLDOWN_SECONDS", 75)),
			SupervisorKeywordTriggers: getEnvCSV("REALTIME_SUPERVISOR_KEYWORD_TRIGGERS",
				"manager,supervisor,escalate,cancel account,lawyer,legal,complaint,refund now"),
			AudioDir:               getEnvString("REALTIME_AUDIO_DIR", filepath.Join(runtimeDir, "live_audio")),
			AudioWindowSeconds:     maxInt(1, getEnvInt("REALTIME_AUDIO_WINDOW_SECONDS", 300)),
			AudioDefaultSampleRate: getEnvInt("REALTIME_AUDIO_DEFAULT_SAMPLE_RATE", 16000),
			AudioDefaultChannels:   getEnvInt("REALTIME_AUDIO_DEFAULT_CHANNELS", 1),
			AudioMaxChunkBytes:     getEnvInt("REALTIME_AUDIO_MAX_CHUNK_BYTES", 2_000_000),
			UploadsDir:             getEnvString("UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
		},
		Genesys: GenesysConfig{
			LoginBaseURL:                  normalizeBaseURL(getEnvString("GENESYS_LOGIN_BASE_URL", "https://login.mypurecloud.com")),
			APIBaseURL:                    normalizeBaseURL(getEnvString("GENESYS_API_BASE_URL", "https://api.mypurecloud.com")),
			ClientID:                      strings.TrimSpace(os.Getenv("GENESYS_CLIENT_ID")),
			ClientSecret:                  strings.TrimSpace(os.Getenv("GENESYS_CLIENT_SECRET")),
			SubscriptionTopics:            getEnvCSV("GENESYS_SUBSCRIPTION_TOPICS", ""),
			QueueIDs:                      getEnvCSV("GENESYS_QUEUE_IDS", ""),
			UserIDs:                       getEnvCSV("GENESYS_USER_IDS", ""),
			TargetIngestURL:               strings.TrimSpace(getEnvString("GENESYS_TARGET_INGEST_URL", "http://127.0.0.1:8009/api/realtime/events")),
			TargetIngestToken:             strings.TrimSpace(os.Getenv("GENESYS_TARGET_INGEST_TOKEN")),
			VerifySSL:                     getEnvBool("GENESYS_VERIFY_SSL", true),
			HTTPTimeout:                   time.Duration(maxInt(5, getEnvInt("GENESYS_HTTP_TIMEOUT_SECONDS", 20))) * time.Second,
			RetryMaxAttempts:              maxInt(1, getEnvInt("GENESYS_RETRY_MAX_ATTEMPTS", 5)),
			RetryBackoffSeconds:           maxFloat(0.2, getEnvFloat("GENESYS_RETRY_BACKOFF_SECONDS", 1.5)),
			ReconnectDelaySeconds:         maxInt(2, getEnvInt("GENESYS_RECONNECT_DELAY_SECONDS", 5)),
			TopicBuilderMode:              strings.ToLower(getEnvString("GENESYS_TOPIC_BUILDER_MODE", "queues_users")),
			TopicBuilderQueueNameFilters:  getEnvCSV("GENESYS_TOPIC_BUILDER_QUEUE_NAME_FILTERS", ""),
			TopicBuilderUserNameFilters:   getEnvCSV("GENESYS_TOPIC_BUILDER_USER_NAME_FILTERS", ""),
			TopicBuilderEmailDomainFilter: getEnvCSV("GENESYS_TOPIC_BUILDER_USER_EMAIL_DOMAIN_FILTERS", ""),
			TopicBuilderMaxQueues:         maxInt(0, getEnvInt("GENESYS_TOPIC_BUILDER_MAX_QUEUES", 25)),
			TopicBuilderMaxUsers:          maxInt(0, getEnvInt("GENESYS_TOPIC_BUILDER_MAX_USERS", 50)),
			TopicBuilderRefreshSeconds:    maxInt(60, getEnvInt("GENESYS_TOPIC_BUILDER_REFRESH_SECONDS", 900)),
			StatusPath:                    getEnvString("GENESYS_CONNECTOR_STATUS_PATH", filepath.Join(runtimeDir, "genesys_connector_status.json")),
			HealthStaleSeconds:            getEnvInt("GENESYS_CONNECTOR_HEALTH_STALE_SECONDS", 90),
		},
		AudioHook: AudioHookConfig{
			Host:                 getEnvString("GENESYS_AUDIOHOOK_HOST", "0.0.0.0"),
			Port:                 getEnvInt("GENESYS_AUDIOHOOK_PORT", 9011),
			Path:                 normalizePath(getEnvString("GENESYS_AUDIOHOOK_PATH", "/audiohook/ws")),
			TargetAudioIngestURL: strings.TrimSpace(getEnvString("GENESYS_AUDIOHOOK_TARGET_AUDIO_INGEST_URL", "http://127.0.0.1:8009/api/realtime/audio/chunk")),
			TargetEventIngestURL: strings.TrimSpace(getEnvString("GENESYS_AUDIOHOOK_TARGET_EVENT_INGEST_URL", "http://127.0.0.1:8009/api/realtime/events")),
			TargetIngestToken:    strings.TrimSpace(os.Getenv("GENESYS_AUDIOHOOK_TARGET_INGEST_TOKEN")),
			VerifySSL:            getEnvBool("GENESYS_AUDIOHOOK_VERIFY_SSL", true),
			HTTPTimeout:          time.Duration(maxInt(5, getEnvInt("GENESYS_AUDIOHOOK_HTTP_TIMEOUT_SECONDS", 20))) * time.Second,
			RetryMaxAttempts:     maxInt(1, getEnvInt("GENESYS_AUDIOHOOK_RETRY_MAX_ATTEMPTS", 5)),
			RetryBackoffSeconds:  maxFloat(0.2, getEnvFloat("GENESYS_AUDIOHOOK_RETRY_BACKOFF_SECONDS", 1.5)),
			FlushIntervalMS:      maxInt(120, getEnvInt("GENESYS_AUDIOHOOK_FLUSH_INTERVAL_MS", 750)),
			MinChunkDurationMS:   maxInt(80, getEnvInt("GENESYS_AUDIOHOOK_MIN_CHUNK_DURATION_MS", 300)),
			MaxChunkDurationMS:   maxInt(120, getEnvInt("GENESYS_AUDIOHOOK_MAX_CHUNK_DURATION_MS", 2000)),
			StatusPath:           getEnvString("GENESYS_AUDIOHOOK_STATUS_PATH", filepath.Join(runtimeDir, "genesys_audiohook_status.json")),
			HealthStaleSeconds:   getEnvInt("GENESYS_AUDIOHOOK_HEALTH_STALE_SECONDS", 90),
		},
		Messaging: MessagingConfig{
			AMQPURL:         strings.TrimSpace(os.Getenv("AMQP_URL")),
			AlertExchange:   getEnvString("AMQP_ALERT_EXCHANGE", "callpulse.alerts"),
			AlertRoutingKey: getEnvString("AMQP_ALERT_ROUTING_KEY", "supervisor.alert"),
		},
		Logging: LoggingConfig{
			Level: parseLogLevel(logger, getEnvString("LOG_LEVEL", "info")),
		},
	}

	// Connector and listener default to the ingest token when their own
	// forward tokens are unset.
	if cfg.Genesys.TargetIngestToken == "" {
		cfg.Genesys.TargetIngestToken = cfg.Realtime.IngestToken
	}
	if cfg.AudioHook.TargetIngestToken == "" {
		cfg.AudioHook.TargetIngestToken = cfg.Genesys.TargetIngestToken
	}

	logger.WithFields(logrus.Fields{
		"http_port":       cfg.HTTP.Port,
		"audio_window_s":  cfg.Realtime.AudioWindowSeconds,
		"alert_cooldown":  cfg.Realtime.AlertCooldownSeconds,
		"keyword_count":   len(cfg.Realtime.SupervisorKeywordTriggers),
		"audiohook_port":  cfg.AudioHook.Port,
		"topic_builder":   cfg.Genesys.TopicBuilderMode,
	}).Info("Configuration loaded")

	return cfg, nil
}

// ValidateConnector checks the settings required to run the Genesys
// notification connector.
func (c *Config) ValidateConnector(dryRun bool) error {
	if c.Genesys.ClientID == "" {
		return fmt.Errorf("GENESYS_CLIENT_ID is required")
	}
	if c.Genesys.ClientSecret == "" {
		return fmt.Errorf("GENESYS_CLIENT_SECRET is required")
	}
	if c.Genesys.TargetIngestURL == "" && !dryRun {
		return fmt.Errorf("GENESYS_TARGET_INGEST_URL is required when not in --dry-run mode")
	}
	return nil
}

// ValidateAudioHook checks the settings required to run the AudioHook
// media listener.
func (c *Config) ValidateAudioHook(dryRun bool) error {
	if c.AudioHook.Port <= 0 || c.AudioHook.Port > 65535 {
		return fmt.Errorf("GENESYS_AUDIOHOOK_PORT is invalid: %d", c.AudioHook.Port)
	}
	if c.AudioHook.TargetAudioIngestURL == "" && !dryRun {
		return fmt.Errorf("GENESYS_AUDIOHOOK_TARGET_AUDIO_INGEST_URL is required")
	}
	if c.AudioHook.TargetEventIngestURL == "" && !dryRun {
		return fmt.Errorf("GENESYS_AUDIOHOOK_TARGET_EVENT_INGEST_URL is required")
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	return raw == "true" || raw == "1" || raw == "yes" || raw == "on"
}

func getEnvCSV(key, fallback string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func normalizeBaseURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/audiohook/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

func parseLogLevel(logger *logrus.Logger, raw string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		logger.WithField("level", raw).Warn("Unknown log level, defaulting to info")
		return logrus.InfoLevel
	}
	return level
}

func maxInt(floor, value int) int {
	if value < floor {
		return floor
	}
	return value
}

func maxFloat(floor, value float64) float64 {
	if value < floor {
		return floor
	}
	return value
}
