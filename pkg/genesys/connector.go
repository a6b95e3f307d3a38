package genesys

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/config"
	"callpulse-server/pkg/errors"
	"callpulse-server/pkg/health"
	"callpulse-server/pkg/metrics"
	"callpulse-server/pkg/util"
)

const (
	// tokenRefreshMargin renews the OAuth bearer well before expiry.
	tokenRefreshMargin = 60 * time.Second

	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

// Connector maintains an authenticated Genesys notification channel,
// consumes its websocket, normalizes topic events, and forwards them to
// the realtime ingest API.
type Connector struct {
	logger *logrus.Logger
	cfg    *config.Config
	client *util.RetryingClient
	status *health.Writer
	panics *util.PanicHandler
	dryRun bool

	tokenMu        sync.Mutex
	token          string
	tokenExpiresAt time.Time

	topicsMu         sync.Mutex
	cachedPreview    *TopicPreview
	lastTopicRefresh time.Time
}

// NewConnector builds a connector worker. The status writer is created
// immediately so health probes can see the starting state.
func NewConnector(logger *logrus.Logger, cfg *config.Config, dryRun bool) *Connector {
	return &Connector{
		logger: logger,
		cfg:    cfg,
		panics: util.NewPanicHandler(logger),
		dryRun: dryRun,
		client: util.NewRetryingClient(
			logger,
			cfg.Genesys.HTTPTimeout,
			cfg.Genesys.RetryMaxAttempts,
			cfg.Genesys.RetryBackoffSeconds,
			cfg.Genesys.VerifySSL,
			"callpulse-genesys-connector/1.0",
		),
		status: health.NewWriter(logger, cfg.Genesys.StatusPath, map[string]interface{}{
			"dry_run":              dryRun,
			"topic_builder_mode":   cfg.Genesys.TopicBuilderMode,
			"topics_count":         0,
			"forwarded_events":     0,
			"forward_failures":     0,
			"reconnect_count":      0,
			"channel_id":           "",
			"websocket_uri":        "",
			"token_expires_at":     "",
			"last_event_at":        "",
			"last_payload_call_id": "",
			"last_payload_type":    "",
			"topic_preview":        []string{},
		}),
	}
}

// Run drives the connector state machine until the context is
// canceled: connecting, authenticating, creating a channel, subscribing
// topics, and consuming the websocket; any failure degrades the worker
// and re-enters the cycle after the reconnect delay.
func (c *Connector) Run(ctx context.Context) error {
	c.status.SetState(health.StateStarting)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.status.RunHeartbeat(heartbeatCtx)

	c.logger.WithFields(logrus.Fields{
		"login_base": c.cfg.Genesys.LoginBaseURL,
		"api_base":   c.cfg.Genesys.APIBaseURL,
		"target":     c.cfg.Genesys.TargetIngestURL,
		"dry_run":    c.dryRun,
	}).Info("Genesys connector starting")

	for ctx.Err() == nil {
		if err := c.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.WithError(err).Error("Genesys connector cycle failed")
			c.status.Set(map[string]interface{}{
				"state":      health.StateDegraded,
				"last_error": err.Error(),
			})
			c.status.Increment("reconnect_count", 1)
			metrics.RecordConnectorReconnect()
			sleepWithContext(ctx, time.Duration(c.cfg.Genesys.ReconnectDelaySeconds)*time.Second)
		}
	}

	c.status.SetState(health.StateStopped)
	c.logger.Info("Genesys connector stopped")
	return nil
}

func (c *Connector) runCycle(ctx context.Context) error {
	preview, err := c.TopicsPreview(ctx, false)
	if err != nil {
		return err
	}
	if len(preview.Topics) == 0 {
		return errors.New("no Genesys topics configured: set GENESYS_SUBSCRIPTION_TOPICS or enable the topic builder")
	}

	topicPreview := preview.Topics
	if len(topicPreview) > 20 {
		topicPreview = topicPreview[:20]
	}
	c.status.Set(map[string]interface{}{
		"state":         health.StateConnecting,
		"topics_count":  len(preview.Topics),
		"topic_preview": topicPreview,
	})

	if _, err := c.accessToken(ctx); err != nil {
		return err
	}
	c.status.SetState(health.StateAuthenticated)

	channelID, connectURI, err := c.createNotificationChannel(ctx)
	if err != nil {
		return err
	}
	c.status.Set(map[string]interface{}{
		"state":         health.StateChannelCreated,
		"channel_id":    channelID,
		"websocket_uri": connectURI,
	})

	if err := c.subscribeTopics(ctx, channelID, preview.Topics); err != nil {
		return err
	}
	c.status.SetState(health.StateSubscribed)

	return c.consumeWebsocket(ctx, connectURI)
}

func (c *Connector) consumeWebsocket(ctx context.Context, connectURI string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.Genesys.HTTPTimeout,
	}
	if !c.cfg.Genesys.VerifySSL {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, connectURI, nil)
	if err != nil {
		return errors.Wrap(err, "cannot open notification websocket", map[string]interface{}{"uri": connectURI})
	}
	defer conn.Close()

	c.status.Set(map[string]interface{}{
		"state":      health.StateRunning,
		"last_error": "",
	})
	c.logger.WithField("uri", connectURI).Info("Genesys websocket connected")

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "notification websocket closed")
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		// One malformed vendor notification must not drop the websocket
		// or the worker; recover here and keep consuming.
		c.panics.Run("genesys_notification", logrus.Fields{"bytes": len(message)}, func() {
			c.handleNotificationMessage(ctx, message)
		})
	}
}

func (c *Connector) handleNotificationMessage(ctx context.Context, message []byte) {
	var parsed interface{}
	if err := json.Unmarshal(message, &parsed); err != nil {
		c.logger.Debug("Ignoring non-JSON notification frame")
		return
	}

	forwarded := 0
	for _, notification := range flattenNotifications(parsed) {
		if isChannelMetadata(notification) {
			// Provider keep-alive: refresh liveness, nothing to forward.
			c.status.Set(map[string]interface{}{"last_event_at": time.Now().UTC().Format(time.RFC3339Nano)})
			continue
		}

		for _, payload := range MapNotification(notification) {
			if err := c.forwardPayload(ctx, payload); err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"call_id":    payload["call_id"],
					"event_type": payload["event_type"],
				}).Error("Failed to forward Genesys payload")
				c.status.Increment("forward_failures", 1)
				metrics.RecordConnectorForwardFailure()
				continue
			}

			forwarded++
			c.status.Set(map[string]interface{}{
				"last_event_at":        time.Now().UTC().Format(time.RFC3339Nano),
				"last_payload_call_id": payload["call_id"],
				"last_payload_type":    payload["event_type"],
			})
		}
	}

	if forwarded > 0 {
		c.status.Increment("forwarded_events", forwarded)
	}
}

func (c *Connector) forwardPayload(ctx context.Context, payload map[string]interface{}) error {
	if c.dryRun {
		c.logger.WithFields(logrus.Fields{
			"call_id":    payload["call_id"],
			"event_type": payload["event_type"],
			"speaker":    payload["speaker"],
		}).Info("Dry run: skipping payload forward")
		return nil
	}

	headers := map[string]string{}
	if c.cfg.Genesys.TargetIngestToken != "" {
		headers["X-Cloud-Token"] = c.cfg.Genesys.TargetIngestToken
	}

	if err := c.client.PostJSON(ctx, c.cfg.Genesys.TargetIngestURL, headers, payload); err != nil {
		return err
	}
	metrics.RecordConnectorForward()
	return nil
}

func (c *Connector) createNotificationChannel(ctx context.Context) (string, string, error) {
	url := c.cfg.Genesys.APIBaseURL + "/api/v2/notifications/channels"

	_, body, err := c.client.Do(ctx, http.MethodPost, url, util.RequestOptions{
		JSONBody:       map[string]interface{}{},
		ExpectedStatus: []int{http.StatusOK, http.StatusCreated},
		BeforeAttempt:  c.authHeaders(ctx),
		OnUnauthorized: c.invalidateToken,
	})
	if err != nil {
		return "", "", err
	}

	var channel struct {
		ID           string `json:"id"`
		ConnectURI   string `json:"connectUri"`
		WebsocketURI string `json:"websocketUri"`
		Expires      string `json:"expires"`
	}
	if err := json.Unmarshal(body, &channel); err != nil {
		return "", "", errors.Wrap(err, "cannot parse channel response")
	}

	connectURI := channel.ConnectURI
	if connectURI == "" {
		connectURI = channel.WebsocketURI
	}
	if channel.ID == "" || connectURI == "" {
		return "", "", errors.New("Genesys channel response missing id/connect URI")
	}

	c.logger.WithFields(logrus.Fields{
		"channel_id": channel.ID,
		"expires":    channel.Expires,
	}).Info("Genesys notification channel created")
	return channel.ID, connectURI, nil
}

func (c *Connector) subscribeTopics(ctx context.Context, channelID string, topics []string) error {
	url := fmt.Sprintf("%s/api/v2/notifications/channels/%s/subscriptions", c.cfg.Genesys.APIBaseURL, channelID)

	body := make([]map[string]string, 0, len(topics))
	for _, topic := range topics {
		body = append(body, map[string]string{"id": topic})
	}

	_, _, err := c.client.Do(ctx, http.MethodPost, url, util.RequestOptions{
		JSONBody:       body,
		BeforeAttempt:  c.authHeaders(ctx),
		OnUnauthorized: c.invalidateToken,
	})
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"channel_id": channelID,
		"topics":     len(topics),
	}).Info("Genesys channel subscribed")
	return nil
}

// accessToken returns a cached client-credentials bearer, re-acquiring
// it when less than tokenRefreshMargin remains before expiry.
func (c *Connector) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiresAt.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	credentials := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.Genesys.ClientID + ":" + c.cfg.Genesys.ClientSecret),
	)

	_, body, err := c.client.Do(ctx, http.MethodPost, c.cfg.Genesys.LoginBaseURL+"/oauth/token", util.RequestOptions{
		Headers:  map[string]string{"Authorization": "Basic " + credentials},
		FormBody: map[string][]string{"grant_type": {"client_credentials"}},
	})
	if err != nil {
		return "", err
	}

	var response struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errors.Wrap(err, "cannot parse OAuth response")
	}
	if response.AccessToken == "" {
		return "", errors.New("Genesys OAuth response missing access_token")
	}

	expiresIn := response.ExpiresIn
	if expiresIn < 60 {
		expiresIn = 3600
	}
	c.token = response.AccessToken
	c.tokenExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	c.status.Set(map[string]interface{}{
		"token_expires_at": c.tokenExpiresAt.UTC().Format(time.RFC3339Nano),
	})

	c.logger.WithField("expires_in", expiresIn).Info("Genesys OAuth token refreshed")
	return c.token, nil
}

func (c *Connector) authHeaders(ctx context.Context) func(int) (map[string]string, error) {
	return func(attempt int) (map[string]string, error) {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
}

func (c *Connector) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExpiresAt = time.Time{}
	c.tokenMu.Unlock()
}

func isChannelMetadata(notification map[string]interface{}) bool {
	topic, _ := notification["topicName"].(string)
	if topic == "" {
		topic, _ = notification["topic"].(string)
	}
	return len(topic) >= 16 && topic[len(topic)-16:] == "channel.metadata"
}

func flattenNotifications(parsed interface{}) []map[string]interface{} {
	switch v := parsed.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]interface{}:
		if nested, ok := v["notifications"].([]interface{}); ok {
			out := make([]map[string]interface{}, 0, len(nested))
			for _, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					out = append(out, m)
				}
			}
			return out
		}
		return []map[string]interface{}{v}
	default:
		return nil
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
