package bus

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/metrics"
)

// Envelope types carried on the realtime stream.
const (
	TypeConnected          = "connected"
	TypeRealtimeEvent      = "realtime_event"
	TypeSupervisorAlert    = "supervisor_alert"
	TypeSupervisorAlertAck = "supervisor_alert_ack"
	TypeStatus             = "status"
	TypeHeartbeat          = "heartbeat"
)

// subscriberCapacity bounds the per-subscriber queue; overflow drops
// the oldest pending message rather than blocking the publisher.
const subscriberCapacity = 64

// Subscriber receives JSON-encoded envelopes for one call topic.
type Subscriber struct {
	id     int64
	callID string
	ch     chan []byte

	// mu orders close against in-flight deliveries so a publisher can
	// never send on a closed channel.
	mu     sync.Mutex
	closed bool
}

// CallID returns the topic this subscriber is attached to.
func (s *Subscriber) CallID() string { return s.callID }

// Messages is the delivery channel. It is closed when the subscriber is
// released or the bus shuts down.
func (s *Subscriber) Messages() <-chan []byte { return s.ch }

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is an in-process topic-per-call pub/sub fan-out for SSE clients.
// Delivery is best-effort, per subscriber, in publish order.
type Bus struct {
	logger *logrus.Logger

	mu     sync.Mutex
	nextID int64
	topics map[string]map[int64]*Subscriber
	closed bool
}

// New creates an empty bus.
func New(logger *logrus.Logger) *Bus {
	return &Bus{
		logger: logger,
		nextID: 1,
		topics: make(map[string]map[int64]*Subscriber),
	}
}

// Subscribe registers a new subscriber for the call topic.
func (b *Bus) Subscribe(callID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id:     b.nextID,
		callID: callID,
		ch:     make(chan []byte, subscriberCapacity),
	}
	b.nextID++

	if b.closed {
		sub.close()
		return sub
	}

	subs, ok := b.topics[callID]
	if !ok {
		subs = make(map[int64]*Subscriber)
		b.topics[callID] = subs
	}
	subs[sub.id] = sub

	metrics.AddSSESubscribers(1)
	return sub
}

// Unsubscribe releases the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	subs, ok := b.topics[sub.callID]
	if ok {
		if _, present := subs[sub.id]; present {
			delete(subs, sub.id)
			metrics.AddSSESubscribers(-1)
		}
		if len(subs) == 0 {
			delete(b.topics, sub.callID)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Publish encodes the envelope as compact JSON and enqueues it for
// every subscriber of the call topic. A full subscriber queue drops its
// oldest pending message; the publisher never blocks.
func (b *Bus) Publish(callID string, envelope map[string]interface{}) {
	data, err := json.Marshal(envelope)
	if err != nil {
		b.logger.WithError(err).WithField("call_id", callID).Warn("Failed to encode bus envelope")
		return
	}

	envelopeType, _ := envelope["type"].(string)
	if envelopeType != "" {
		metrics.RecordBusPublished(envelopeType)
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.topics[callID]))
	for _, sub := range b.topics[callID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, data)
	}
}

func (b *Bus) deliver(sub *Subscriber, data []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	select {
	case sub.ch <- data:
		return
	default:
	}

	// Queue full: evict the oldest pending message and retry once.
	select {
	case <-sub.ch:
		metrics.RecordBusDropped()
	default:
	}

	select {
	case sub.ch <- data:
	default:
		metrics.RecordBusDropped()
	}
}

// SubscriberCount reports the current subscriber total across topics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, subs := range b.topics {
		total += len(subs)
	}
	return total
}

// Close releases every subscriber. Subsequent Subscribe calls return an
// already-closed subscriber and Publish becomes a no-op for them.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscriber
	for _, subs := range b.topics {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.topics = make(map[string]map[int64]*Subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		metrics.AddSSESubscribers(-1)
		sub.close()
	}
}
