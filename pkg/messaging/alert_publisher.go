package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callpulse-server/pkg/store"
)

// AlertPublisher mirrors supervisor alerts onto an AMQP exchange so
// downstream consumers (ticketing, paging, archival) can react without
// polling the HTTP API. The publisher is best-effort: a broker failure
// is logged and never fails the ingest request, though Publish runs
// synchronously on the ingest path, including any connection attempt.
type AlertPublisher struct {
	logger     *logrus.Entry
	url        string
	exchange   string
	routingKey string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAlertPublisher creates a publisher, or nil when no AMQP URL is
// configured. A nil publisher is safe to call.
func NewAlertPublisher(logger *logrus.Logger, url, exchange, routingKey string) *AlertPublisher {
	if url == "" {
		return nil
	}

	return &AlertPublisher{
		logger:     logger.WithField("component", "amqp_alert_publisher"),
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

// Publish sends one alert to the exchange, connecting lazily. Failures
// are logged and the connection is reset for the next attempt.
func (p *AlertPublisher) Publish(alert store.SupervisorAlert) {
	if p == nil {
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to encode supervisor alert")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannelLocked(); err != nil {
		p.logger.WithError(err).Warn("AMQP connection unavailable, dropping alert mirror")
		return
	}

	err = p.channel.Publish(p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         alert.Type,
		Body:         body,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"call_id":    alert.CallID,
			"alert_type": alert.Type,
		}).Warn("Failed to publish supervisor alert, resetting connection")
		p.resetLocked()
		return
	}

	p.logger.WithFields(logrus.Fields{
		"call_id":    alert.CallID,
		"alert_type": alert.Type,
		"severity":   alert.Severity,
	}).Debug("Supervisor alert mirrored to AMQP")
}

// Close releases the AMQP connection.
func (p *AlertPublisher) Close() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *AlertPublisher) ensureChannelLocked() error {
	if p.channel != nil {
		return nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.channel = channel
	p.logger.WithField("exchange", p.exchange).Info("AMQP alert mirror connected")
	return nil
}

func (p *AlertPublisher) resetLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
