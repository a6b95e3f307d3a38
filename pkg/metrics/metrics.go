package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Ingest metrics
	EventsIngested  *prometheus.CounterVec
	IngestFailures  *prometheus.CounterVec
	AudioChunkBytes prometheus.Counter

	// Alerting metrics
	AlertsFired        *prometheus.CounterVec
	AlertsAcknowledged prometheus.Counter

	// Event bus metrics
	BusPublished       *prometheus.CounterVec
	BusDroppedMessages prometheus.Counter
	SSESubscribers     prometheus.Gauge

	// Connector metrics
	ConnectorForwardedEvents prometheus.Counter
	ConnectorForwardFailures prometheus.Counter
	ConnectorReconnects      prometheus.Counter

	// AudioHook metrics
	AudioHookConnections     prometheus.Gauge
	AudioHookForwardedChunks prometheus.Counter
	AudioHookForwardFailures prometheus.Counter
	AudioHookAudioBytes      prometheus.Counter
)

// Init initializes all metrics and registers them with a private registry.
// Calling Init more than once is a no-op.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		EventsIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpulse_events_ingested_total",
				Help: "Total number of realtime events accepted by the ingest API",
			},
			[]string{"event_type"},
		)

		IngestFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpulse_ingest_failures_total",
				Help: "Total number of rejected ingest requests",
			},
			[]string{"reason"},
		)

		AudioChunkBytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_audio_chunk_bytes_total",
				Help: "Total decoded PCM bytes accepted into the rolling store",
			},
		)

		AlertsFired = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpulse_supervisor_alerts_total",
				Help: "Total number of supervisor alerts created",
			},
			[]string{"type", "severity"},
		)

		AlertsAcknowledged = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_supervisor_alert_acks_total",
				Help: "Total number of supervisor alert acknowledgements",
			},
		)

		BusPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpulse_bus_published_total",
				Help: "Total envelopes published to the realtime event bus",
			},
			[]string{"type"},
		)

		BusDroppedMessages = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_bus_dropped_total",
				Help: "Total envelopes dropped due to slow subscribers",
			},
		)

		SSESubscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callpulse_sse_subscribers",
				Help: "Number of connected SSE subscribers",
			},
		)

		ConnectorForwardedEvents = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_genesys_forwarded_events_total",
				Help: "Total normalized events forwarded by the Genesys connector",
			},
		)

		ConnectorForwardFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_genesys_forward_failures_total",
				Help: "Total forwarding failures after retry exhaustion",
			},
		)

		ConnectorReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_genesys_reconnects_total",
				Help: "Total Genesys websocket reconnect cycles",
			},
		)

		AudioHookConnections = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callpulse_audiohook_connections",
				Help: "Number of active AudioHook websocket connections",
			},
		)

		AudioHookForwardedChunks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_audiohook_forwarded_chunks_total",
				Help: "Total audio chunks forwarded to the ingest API",
			},
		)

		AudioHookForwardFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_audiohook_forward_failures_total",
				Help: "Total AudioHook forwarding failures after retry exhaustion",
			},
		)

		AudioHookAudioBytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callpulse_audiohook_audio_bytes_total",
				Help: "Total raw audio bytes received over AudioHook connections",
			},
		)

		registry.MustRegister(
			EventsIngested,
			IngestFailures,
			AudioChunkBytes,
			AlertsFired,
			AlertsAcknowledged,
			BusPublished,
			BusDroppedMessages,
			SSESubscribers,
			ConnectorForwardedEvents,
			ConnectorForwardFailures,
			ConnectorReconnects,
			AudioHookConnections,
			AudioHookForwardedChunks,
			AudioHookForwardFailures,
			AudioHookAudioBytes,
		)

		logger.Debug("Prometheus metrics registered")
	})
}

// GetRegistry returns the metrics registry, or nil when Init has not run.
func GetRegistry() *prometheus.Registry {
	return registry
}

// The record helpers below are safe to call before Init; they become
// no-ops when metrics are not registered.

// RecordEventIngested counts an accepted realtime event.
func RecordEventIngested(eventType string) {
	if EventsIngested != nil {
		EventsIngested.WithLabelValues(eventType).Inc()
	}
}

// RecordIngestFailure counts a rejected ingest request.
func RecordIngestFailure(reason string) {
	if IngestFailures != nil {
		IngestFailures.WithLabelValues(reason).Inc()
	}
}

// AddAudioChunkBytes counts decoded PCM bytes accepted into the store.
func AddAudioChunkBytes(n int) {
	if AudioChunkBytes != nil {
		AudioChunkBytes.Add(float64(n))
	}
}

// RecordAlert counts a fired supervisor alert.
func RecordAlert(alertType, severity string) {
	if AlertsFired != nil {
		AlertsFired.WithLabelValues(alertType, severity).Inc()
	}
}

// RecordAlertAck counts an alert acknowledgement.
func RecordAlertAck() {
	if AlertsAcknowledged != nil {
		AlertsAcknowledged.Inc()
	}
}

// RecordBusPublished counts an envelope published on the bus.
func RecordBusPublished(envelopeType string) {
	if BusPublished != nil {
		BusPublished.WithLabelValues(envelopeType).Inc()
	}
}

// RecordBusDropped counts an envelope dropped for a slow subscriber.
func RecordBusDropped() {
	if BusDroppedMessages != nil {
		BusDroppedMessages.Inc()
	}
}

// AddSSESubscribers adjusts the connected subscriber gauge.
func AddSSESubscribers(delta int) {
	if SSESubscribers != nil {
		SSESubscribers.Add(float64(delta))
	}
}

// RecordConnectorForward counts a forwarded connector event.
func RecordConnectorForward() {
	if ConnectorForwardedEvents != nil {
		ConnectorForwardedEvents.Inc()
	}
}

// RecordConnectorForwardFailure counts a forwarding failure after retries.
func RecordConnectorForwardFailure() {
	if ConnectorForwardFailures != nil {
		ConnectorForwardFailures.Inc()
	}
}

// RecordConnectorReconnect counts a websocket reconnect cycle.
func RecordConnectorReconnect() {
	if ConnectorReconnects != nil {
		ConnectorReconnects.Inc()
	}
}

// AddAudioHookConnections adjusts the active connection gauge.
func AddAudioHookConnections(delta int) {
	if AudioHookConnections != nil {
		AudioHookConnections.Add(float64(delta))
	}
}

// RecordAudioHookChunk counts a forwarded audio chunk.
func RecordAudioHookChunk() {
	if AudioHookForwardedChunks != nil {
		AudioHookForwardedChunks.Inc()
	}
}

// RecordAudioHookForwardFailure counts a forwarding failure after retries.
func RecordAudioHookForwardFailure() {
	if AudioHookForwardFailures != nil {
		AudioHookForwardFailures.Inc()
	}
}

// AddAudioHookBytes counts raw audio bytes received over AudioHook.
func AddAudioHookBytes(n int) {
	if AudioHookAudioBytes != nil {
		AudioHookAudioBytes.Add(float64(n))
	}
}
