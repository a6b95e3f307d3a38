package audiohook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/config"
	"callpulse-server/pkg/health"
	"callpulse-server/pkg/metrics"
	"callpulse-server/pkg/util"
)

const wsReadTimeout = 60 * time.Second

// Listener terminates AudioHook websocket connections, decodes the
// negotiated media into PCM, and forwards buffered chunks and control
// events to the realtime ingest API.
type Listener struct {
	logger *logrus.Logger
	cfg    *config.Config
	client *util.RetryingClient
	status *health.Writer
	panics *util.PanicHandler
	dryRun bool

	upgrader websocket.Upgrader
	server   *http.Server
	connWG   sync.WaitGroup
}

// NewListener builds the media listener worker.
func NewListener(logger *logrus.Logger, cfg *config.Config, dryRun bool) *Listener {
	return &Listener{
		logger: logger,
		cfg:    cfg,
		panics: util.NewPanicHandler(logger),
		dryRun: dryRun,
		client: util.NewRetryingClient(
			logger,
			cfg.AudioHook.HTTPTimeout,
			cfg.AudioHook.RetryMaxAttempts,
			cfg.AudioHook.RetryBackoffSeconds,
			cfg.AudioHook.VerifySSL,
			"callpulse-audiohook-listener/1.0",
		),
		status: health.NewWriter(logger, cfg.AudioHook.StatusPath, map[string]interface{}{
			"host":               cfg.AudioHook.Host,
			"port":               cfg.AudioHook.Port,
			"path":               cfg.AudioHook.Path,
			"dry_run":            dryRun,
			"connection_count":   0,
			"active_connections": 0,
			"forwarded_chunks":   0,
			"forwarded_events":   0,
			"forward_failures":   0,
			"audio_packets":      0,
			"last_call_id":       "",
			"last_media_format":  "",
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run serves the websocket endpoint until the context is canceled,
// then drains open connections and writes a stopped status.
func (l *Listener) Run(ctx context.Context) error {
	l.status.SetState(health.StateStarting)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go l.status.RunHeartbeat(heartbeatCtx)

	l.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", l.cfg.AudioHook.Host, l.cfg.AudioHook.Port),
		Handler: l.Handler(ctx),
	}

	l.logger.WithFields(logrus.Fields{
		"host":    l.cfg.AudioHook.Host,
		"port":    l.cfg.AudioHook.Port,
		"path":    l.cfg.AudioHook.Path,
		"dry_run": l.dryRun,
	}).Info("AudioHook listener starting")

	serveErr := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	l.status.SetState(health.StateRunning)

	select {
	case err := <-serveErr:
		if err != nil {
			l.status.SetError(err)
			return err
		}
	case <-ctx.Done():
	}

	l.status.SetState(health.StateStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.server.Shutdown(shutdownCtx)
	l.connWG.Wait()

	l.status.SetState(health.StateStopped)
	l.logger.Info("AudioHook listener stopped")
	return nil
}

// Handler returns the HTTP handler terminating websocket upgrades and
// readiness probes on the configured path.
func (l *Listener) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		l.handleRequest(ctx, w, r)
	})
	return mux
}

func (l *Listener) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if normalizeRequestPath(r.URL.Path) != l.cfg.AudioHook.Path {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{"detail": "Not found"})
		return
	}

	// A plain GET on the listener path answers a readiness body.
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":        true,
			"service":   "genesys_audiohook_listener",
			"path":      l.cfg.AudioHook.Path,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.WithError(err).Warn("AudioHook upgrade failed")
		return
	}

	// A panic while decoding one connection's frames must not take down
	// every other in-flight call on this listener.
	l.connWG.Add(1)
	uri := r.URL.RequestURI()
	l.panics.Go("audiohook_connection", logrus.Fields{"path": uri}, func() {
		defer l.connWG.Done()
		l.serveConnection(ctx, ws, uri)
	})
}

func (l *Listener) serveConnection(ctx context.Context, ws *websocket.Conn, path string) {
	conn := newConnection(l, ws, path)

	l.status.Increment("connection_count", 1)
	l.status.Increment("active_connections", 1)
	metrics.AddAudioHookConnections(1)
	conn.logger().WithField("path", path).Info("AudioHook connection accepted")

	defer func() {
		conn.flushAll(ctx, true, "socket_closed")
		conn.emitEndEvent(ctx, "socket_closed")
		l.status.Increment("active_connections", -1)
		metrics.AddAudioHookConnections(-1)
		ws.Close()
		conn.logger().Info("AudioHook connection closed")
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.status.Set(map[string]interface{}{"last_error": err.Error()})
				conn.logger().WithError(err).Debug("AudioHook read ended")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			for _, pkt := range decodePackets(payload) {
				switch pkt.Type {
				case packetTypeCommand:
					conn.handleCommand(ctx, pkt.Payload, "binary")
				case packetTypeAudio:
					conn.handleAudio(ctx, pkt.Payload)
				default:
					conn.logger().WithField("packet_type", fmt.Sprintf("0x%02x", pkt.Type)).Debug("Ignoring unknown packet type")
				}
			}
		case websocket.TextMessage:
			conn.handleCommand(ctx, payload, "text")
		}
	}
}

func normalizeRequestPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
