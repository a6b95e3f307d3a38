package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectEnvelopes reads SSE data frames until count realtime_event
// envelopes arrive or the timeout expires.
func collectEnvelopes(t *testing.T, ctx context.Context, url string, count int, out chan<- []map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		out <- nil
		return
	}
	defer resp.Body.Close()

	var envelopes []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var envelope map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope); err != nil {
			continue
		}
		if envelope["type"] == "realtime_event" {
			envelopes = append(envelopes, envelope)
			if len(envelopes) >= count {
				break
			}
		}
	}
	out <- envelopes
}

func TestStreamDeliversEventsInOrderToAllSubscribers(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamURL := ts.URL + "/api/realtime/stream?call_id=RT-2"
	results := make(chan []map[string]interface{}, 2)
	go collectEnvelopes(t, ctx, streamURL, 3, results)
	go collectEnvelopes(t, ctx, streamURL, 3, results)

	// Give both subscribers time to register before publishing.
	require.Eventually(t, func() bool {
		return s.eventBus.SubscriberCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	for _, text := range []string{"A", "B", "C"} {
		rec := postJSON(t, s.Handler(), "/api/realtime/events", map[string]interface{}{
			"call_id": "RT-2",
			"text":    text,
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	for i := 0; i < 2; i++ {
		select {
		case envelopes := <-results:
			require.Len(t, envelopes, 3)

			var lastID float64
			for j, envelope := range envelopes {
				event := envelope["event"].(map[string]interface{})
				assert.Equal(t, []string{"A", "B", "C"}[j], event["text"])

				id := event["id"].(float64)
				assert.Greater(t, id, lastID, "event ids must be strictly increasing")
				lastID = id
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for SSE envelopes")
		}
	}
}

func TestStreamRequiresCallID(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/realtime/stream", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamSendsConnectedGreeting(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/realtime/stream?call_id=RT-1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var envelope map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope))
			assert.Equal(t, "connected", envelope["type"])
			assert.Equal(t, "RT-1", envelope["call_id"])
			return
		}
	}
	t.Fatal("no greeting envelope received")
}

func TestStreamReleasesSubscriberOnDisconnect(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/realtime/stream?call_id=RT-1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.eventBus.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return s.eventBus.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "subscriber must be released within 2s of disconnect")
}
