package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/alerting"
	"callpulse-server/pkg/audio"
	"callpulse-server/pkg/bus"
	"callpulse-server/pkg/config"
	"callpulse-server/pkg/errors"
	"callpulse-server/pkg/messaging"
	"callpulse-server/pkg/metrics"
	"callpulse-server/pkg/store"
)

// Server hosts the realtime ingest API, snapshot and audio endpoints,
// the SSE streamer, and worker health probes.
type Server struct {
	logger     *logrus.Logger
	cfg        *config.Config
	repo       *store.Repository
	audioStore *audio.Store
	eventBus   *bus.Bus
	alertCfg   alerting.Config
	alertSink  *messaging.AlertPublisher

	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	// Per-call ingest serialization: repository writes, evaluation, and
	// bus publishes for one call happen under one lock so subscribers
	// observe events in insertion order.
	callLocks sync.Map
}

// NewServer wires the HTTP surface around the shared core components.
func NewServer(
	logger *logrus.Logger,
	cfg *config.Config,
	repo *store.Repository,
	audioStore *audio.Store,
	eventBus *bus.Bus,
	alertSink *messaging.AlertPublisher,
) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		repo:       repo,
		audioStore: audioStore,
		eventBus:   eventBus,
		alertSink:  alertSink,
		startTime:  time.Now(),
		alertCfg: alerting.NewConfig(
			cfg.Realtime.NegativeSentimentThreshold,
			cfg.Realtime.HighRiskThreshold,
			time.Duration(cfg.Realtime.AlertCooldownSeconds)*time.Second,
			cfg.Realtime.SupervisorKeywordTriggers,
		),
	}

	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("POST /api/realtime/events", s.handleIngestEvent)
	mux.HandleFunc("POST /api/realtime/audio/chunk", s.handleIngestAudioChunk)
	mux.HandleFunc("GET /api/realtime/calls/{id}/snapshot", s.handleCallSnapshot)
	mux.HandleFunc("GET /api/realtime/calls/{id}/audio", s.handleCallAudio)
	mux.HandleFunc("GET /api/realtime/calls/{id}/audio/meta", s.handleCallAudioMeta)
	mux.HandleFunc("GET /api/realtime/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/realtime/alerts/{id}/ack", s.handleAckAlert)
	mux.HandleFunc("GET /api/realtime/stream", s.handleStream)
	mux.HandleFunc("GET /api/integrations/genesys/health", s.handleConnectorHealth)
	mux.HandleFunc("GET /api/integrations/genesys/audiohook/health", s.handleAudioHookHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	if cfg.HTTP.EnableMetrics {
		if registry := metrics.GetRegistry(); registry != nil {
			mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			}))
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		}
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// WriteTimeout stays zero: the SSE streamer holds connections open.
	}

	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.WithField("port", s.cfg.HTTP.Port).Info("Starting HTTP server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"started_at":  s.startTime.UTC().Format(time.RFC3339),
		"subscribers": s.eventBus.SubscriberCount(),
	})
}

// lockCall serializes ingest work for one call_id.
func (s *Server) lockCall(callID string) func() {
	value, _ := s.callLocks.LoadOrStore(callID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Server) isIngestAuthorized(r *http.Request) bool {
	expected := s.cfg.Realtime.IngestToken
	if expected == "" {
		return true
	}

	if header := r.Header.Get("X-Cloud-Token"); header != "" && header == expected {
		return true
	}

	authorization := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && authorization[:len(prefix)] == prefix {
		return authorization[len(prefix):] == expected
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]interface{}{"detail": detail})
}

func writeError(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
}
