package bus

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(logger)
}

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	b := newTestBus()
	sub1 := b.Subscribe("RT-2")
	sub2 := b.Subscribe("RT-2")

	for i := 0; i < 3; i++ {
		b.Publish("RT-2", map[string]interface{}{"type": TypeRealtimeEvent, "seq": i})
	}

	for _, sub := range []*Subscriber{sub1, sub2} {
		for i := 0; i < 3; i++ {
			data := <-sub.Messages()
			var envelope map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &envelope))
			assert.Equal(t, float64(i), envelope["seq"])
		}
	}
}

func TestPublishIsTopicScoped(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("RT-1")

	b.Publish("RT-2", map[string]interface{}{"type": TypeRealtimeEvent})

	select {
	case data := <-sub.Messages():
		t.Fatalf("unexpected delivery: %s", data)
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("RT-1")

	total := subscriberCapacity + 10
	for i := 0; i < total; i++ {
		b.Publish("RT-1", map[string]interface{}{"type": TypeRealtimeEvent, "seq": i})
	}

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(<-sub.Messages(), &first))
	assert.Equal(t, float64(total-subscriberCapacity), first["seq"], "oldest messages must be dropped first")

	// Drain and check the newest message survived.
	var last map[string]interface{}
	for data := range sub.Messages() {
		require.NoError(t, json.Unmarshal(data, &last))
		if len(sub.Messages()) == 0 {
			break
		}
	}
	assert.Equal(t, float64(total-1), last["seq"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("RT-1")
	b.Unsubscribe(sub)

	_, open := <-sub.Messages()
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after release must not panic.
	b.Publish("RT-1", map[string]interface{}{"type": TypeRealtimeEvent})
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("RT-1")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
}

func TestCloseReleasesAllSubscribers(t *testing.T) {
	b := newTestBus()
	subs := make([]*Subscriber, 0, 4)
	for i := 0; i < 4; i++ {
		subs = append(subs, b.Subscribe(fmt.Sprintf("RT-%d", i)))
	}

	b.Close()
	for _, sub := range subs {
		_, open := <-sub.Messages()
		assert.False(t, open)
	}

	late := b.Subscribe("RT-9")
	_, open := <-late.Messages()
	assert.False(t, open)
}
