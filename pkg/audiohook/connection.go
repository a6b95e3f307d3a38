package audiohook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/media"
	"callpulse-server/pkg/metrics"
)

// Connection lifecycle: accept → open_pending → open → streaming,
// then closing → closed on a close command, a disconnect, or an error.

const overloadCloseCode = 1013

type speakerBuffer struct {
	pcm       []byte
	lastFlush time.Time
}

type connection struct {
	listener *Listener
	ws       *websocket.Conn
	id       string
	path     string

	writeMu sync.Mutex

	callID        string
	openCommandID string
	seq           int
	sampleRate    int
	channels      int
	channelLabels []string
	mediaFormat   string
	opened        bool
	openedAt      time.Time
	endEmitted    bool

	buffers map[string]*speakerBuffer
}

func newConnection(listener *Listener, ws *websocket.Conn, path string) *connection {
	return &connection{
		listener: listener,
		ws:       ws,
		id:       uuid.NewString(),
		path:     path,
		buffers:  make(map[string]*speakerBuffer),
	}
}

func (c *connection) logger() *logrus.Entry {
	return c.listener.logger.WithFields(logrus.Fields{
		"connection_id": c.id,
		"call_id":       c.callID,
	})
}

// handleCommand dispatches one decoded control message. The switch is
// total: every protocol message type has an arm, and anything else is
// dropped with a debug log.
func (c *connection) handleCommand(ctx context.Context, raw []byte, source string) {
	var command ingressCommand
	if err := json.Unmarshal(raw, &command); err != nil {
		c.logger().WithField("source", source).Debug("Ignoring malformed AudioHook command")
		return
	}

	commandType := strings.ToLower(strings.TrimSpace(command.Type))
	if command.ID != "" {
		c.openCommandID = command.ID
	}
	if command.Seq > c.seq {
		c.seq = command.Seq
	}

	switch commandType {
	case "open":
		c.handleOpen(command)

	case "ping":
		c.sendCommand(egressCommand{
			Version: "2",
			Type:    "pong",
			ID:      firstNonEmpty(command.ID, c.openCommandID),
			Seq:     maxIntValue(command.Seq, c.seq),
		})

	case "close":
		c.flushAll(ctx, true, "close_command")
		c.emitEndEvent(ctx, "close_command")
		c.sendCommand(egressCommand{
			Version: "2",
			Type:    "closed",
			ID:      firstNonEmpty(command.ID, c.openCommandID),
			Seq:     maxIntValue(command.Seq, c.seq),
		})
		c.closeWebsocket(websocket.CloseNormalClosure, "closed")

	case "disconnect", "error":
		c.flushAll(ctx, true, commandType)
		c.emitEndEvent(ctx, commandType)
		c.closeWebsocket(websocket.CloseInternalServerErr, commandType)

	case "event":
		c.forwardEvent(ctx, command)

	default:
		c.logger().WithField("type", commandType).Debug("Ignoring unhandled AudioHook command")
	}
}

func (c *connection) handleOpen(command ingressCommand) {
	selected := selectMedia(parseMediaOffers(command.Media))

	c.mediaFormat = selected.Format
	c.sampleRate = selected.Rate
	c.channels = len(selected.Channels)
	if c.channels < 1 {
		c.channels = 1
	}
	c.channelLabels = selected.Channels
	c.callID = extractOpenCallID(command, c.path)
	c.opened = true
	c.openedAt = time.Now().UTC()

	c.listener.status.Set(map[string]interface{}{
		"last_call_id":      c.callID,
		"last_media_format": c.mediaFormat,
	})

	c.sendCommand(egressCommand{
		Version: "2",
		Type:    "opened",
		ID:      firstNonEmpty(command.ID, c.openCommandID, "open-"+c.id),
		Seq:     maxIntValue(command.Seq, c.seq),
		Parameters: map[string]interface{}{
			"conversationId": c.callID,
		},
		Media: &mediaDescriptor{
			Type:     "audio",
			Format:   c.mediaFormat,
			Rate:     c.sampleRate,
			Channels: c.channelLabels,
		},
	})

	c.logger().WithFields(logrus.Fields{
		"format":   c.mediaFormat,
		"rate":     c.sampleRate,
		"channels": c.channels,
	}).Info("AudioHook connection opened")
}

// handleAudio decodes a binary audio payload and routes the PCM into
// the per-speaker buffers.
func (c *connection) handleAudio(ctx context.Context, payload []byte) {
	if !c.opened {
		c.logger().Debug("Dropping audio before open negotiation")
		return
	}

	headers, rawAudio := parseAudioHeadersAndData(payload)
	if len(rawAudio) == 0 {
		return
	}

	if mediaHeader, ok := headers["media"].(map[string]interface{}); ok {
		if offer, ok := offerFromMap(mediaHeader); ok {
			normalized := normalizeOffer(offer)
			if normalized.Format != "" {
				c.mediaFormat = normalized.Format
			}
			if normalized.Rate > 0 {
				c.sampleRate = normalized.Rate
			}
			if len(normalized.Channels) > 0 {
				c.channelLabels = normalized.Channels
				c.channels = len(normalized.Channels)
			}
		}
	}

	decoded, err := media.DecodeAudioPayload(rawAudio, c.mediaFormat)
	if err != nil {
		c.logger().WithField("format", c.mediaFormat).Debug("Dropping audio frame with unsupported media format")
		return
	}

	metrics.AddAudioHookBytes(len(rawAudio))
	c.listener.status.Increment("audio_packets", 1)

	c.routeDecodedAudio(decoded)
	c.flushAll(ctx, false, "streaming")
}

// routeDecodedAudio deinterleaves the channels into per-speaker mono
// buffers. The agent occupies the internal leg, the customer the
// external one; single-channel media lands in one buffer keyed by its
// label's speaker.
func (c *connection) routeDecodedAudio(pcm []byte) {
	if c.channels <= 1 {
		speaker := "agent"
		if len(c.channelLabels) > 0 {
			if mapped := speakerForLabel(c.channelLabels[0]); mapped != "" {
				speaker = mapped
			}
		}
		c.bufferFor(speaker).pcm = append(c.bufferFor(speaker).pcm, pcm...)
		return
	}

	frameBytes := c.channels * 2
	usable := len(pcm) - len(pcm)%frameBytes
	for channel := 0; channel < c.channels; channel++ {
		speaker := speakerForLabel(labelAt(c.channelLabels, channel))
		if speaker == "" {
			// Unlabeled stereo: agent on the left leg, customer on the right.
			if channel == 0 {
				speaker = "agent"
			} else {
				speaker = "customer"
			}
		}

		buf := c.bufferFor(speaker)
		for offset := channel * 2; offset+1 < usable; offset += frameBytes {
			buf.pcm = append(buf.pcm, pcm[offset], pcm[offset+1])
		}
	}
}

func (c *connection) bufferFor(speaker string) *speakerBuffer {
	buf, ok := c.buffers[speaker]
	if !ok {
		buf = &speakerBuffer{lastFlush: time.Now()}
		c.buffers[speaker] = buf
	}
	return buf
}

// flushAll applies the buffering policy to every speaker buffer: flush
// when forced, when the minimum duration and flush interval have both
// elapsed, or when the maximum duration is exceeded. A buffer past the
// hard cap closes the connection with an overload code.
func (c *connection) flushAll(ctx context.Context, force bool, reason string) {
	cfg := c.listener.cfg.AudioHook
	bytesPerSecond := c.sampleRate * 2
	if bytesPerSecond <= 0 {
		bytesPerSecond = 16000
	}

	minBytes := bytesPerSecond * cfg.MinChunkDurationMS / 1000
	if minBytes < 1 {
		minBytes = 1
	}
	maxBytes := bytesPerSecond * cfg.MaxChunkDurationMS / 1000
	if maxBytes < minBytes {
		maxBytes = minBytes
	}
	hardCap := 4 * maxBytes

	for speaker, buf := range c.buffers {
		if len(buf.pcm) == 0 {
			continue
		}

		if len(buf.pcm) > hardCap {
			c.logger().WithFields(logrus.Fields{
				"speaker": speaker,
				"bytes":   len(buf.pcm),
			}).Warn("Audio buffer exceeded hard cap, closing connection")
			c.closeWebsocket(overloadCloseCode, "audio buffer overload")
			return
		}

		elapsed := time.Since(buf.lastFlush)
		intervalElapsed := elapsed >= time.Duration(cfg.FlushIntervalMS)*time.Millisecond

		shouldFlush := force ||
			len(buf.pcm) >= maxBytes ||
			(len(buf.pcm) >= minBytes && intervalElapsed)
		if !shouldFlush {
			continue
		}

		for len(buf.pcm) > 0 {
			size := len(buf.pcm)
			if size > maxBytes {
				size = maxBytes
			}
			chunk := make([]byte, size)
			copy(chunk, buf.pcm[:size])
			buf.pcm = buf.pcm[size:]

			c.forwardAudioChunk(ctx, speaker, chunk, reason)
			buf.lastFlush = time.Now()

			if !force && len(buf.pcm) < maxBytes {
				break
			}
		}
	}
}

func (c *connection) forwardAudioChunk(ctx context.Context, speaker string, chunk []byte, reason string) {
	if len(chunk) == 0 || c.callID == "" {
		return
	}

	payload := map[string]interface{}{
		"provider":       "genesys_audiohook",
		"call_id":        c.callID,
		"audio_encoding": "pcm_s16le",
		"sample_rate":    c.sampleRate,
		"channels":       1,
		"speaker":        speaker,
		"audio_b64":      base64.StdEncoding.EncodeToString(chunk),
		"status":         "active",
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"metadata": map[string]interface{}{
			"connection_id": c.id,
			"media_format":  c.mediaFormat,
			"flush_reason":  reason,
		},
	}

	if c.listener.dryRun {
		c.logger().WithFields(logrus.Fields{
			"speaker": speaker,
			"bytes":   len(chunk),
		}).Info("Dry run: skipping audio chunk forward")
		return
	}

	headers := map[string]string{}
	if c.listener.cfg.AudioHook.TargetIngestToken != "" {
		headers["X-Cloud-Token"] = c.listener.cfg.AudioHook.TargetIngestToken
	}

	if err := c.listener.client.PostJSON(ctx, c.listener.cfg.AudioHook.TargetAudioIngestURL, headers, payload); err != nil {
		c.logger().WithError(err).WithField("bytes", len(chunk)).Error("Failed to forward audio chunk")
		c.listener.status.Increment("forward_failures", 1)
		c.listener.status.Set(map[string]interface{}{"last_error": err.Error()})
		metrics.RecordAudioHookForwardFailure()
		return
	}

	c.listener.status.Increment("forwarded_chunks", 1)
	metrics.RecordAudioHookChunk()
}

func (c *connection) forwardEvent(ctx context.Context, command ingressCommand) {
	if c.callID == "" {
		return
	}

	eventType := strings.ToLower(firstNonEmpty(command.EventType, command.SubType, "audiohook_event"))
	payload := map[string]interface{}{
		"provider":   "genesys_audiohook",
		"call_id":    c.callID,
		"event_type": eventType,
		"speaker":    "",
		"text":       extractEventText(command.Parameters),
		"status":     "active",
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"metadata": map[string]interface{}{
			"audiohook_parameters": command.Parameters,
			"connection_id":        c.id,
		},
	}

	c.postEvent(ctx, payload)
}

// emitEndEvent forwards a synthetic end event exactly once per
// connection so the call state transitions to ended upstream.
func (c *connection) emitEndEvent(ctx context.Context, reason string) {
	if c.endEmitted || c.callID == "" {
		return
	}
	c.endEmitted = true

	c.postEvent(ctx, map[string]interface{}{
		"provider":   "genesys_audiohook",
		"call_id":    c.callID,
		"event_type": "end",
		"speaker":    "",
		"text":       "",
		"status":     "ended",
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"metadata": map[string]interface{}{
			"reason":        reason,
			"connection_id": c.id,
		},
	})
}

func (c *connection) postEvent(ctx context.Context, payload map[string]interface{}) {
	if c.listener.dryRun {
		c.logger().WithField("event_type", payload["event_type"]).Info("Dry run: skipping event forward")
		return
	}

	headers := map[string]string{}
	if c.listener.cfg.AudioHook.TargetIngestToken != "" {
		headers["X-Cloud-Token"] = c.listener.cfg.AudioHook.TargetIngestToken
	}

	if err := c.listener.client.PostJSON(ctx, c.listener.cfg.AudioHook.TargetEventIngestURL, headers, payload); err != nil {
		c.logger().WithError(err).Error("Failed to forward AudioHook event")
		c.listener.status.Increment("forward_failures", 1)
		c.listener.status.Set(map[string]interface{}{"last_error": err.Error()})
		metrics.RecordAudioHookForwardFailure()
		return
	}

	c.listener.status.Increment("forwarded_events", 1)
}

func (c *connection) sendCommand(command egressCommand) {
	frame, err := encodeCommandPacket(command)
	if err != nil {
		c.logger().WithError(err).Warn("Cannot encode AudioHook response")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.logger().WithError(err).Debug("AudioHook response write failed")
	}
}

func (c *connection) closeWebsocket(code int, reason string) {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

func extractOpenCallID(command ingressCommand, path string) string {
	candidates := []string{}
	for _, key := range []string{"conversationId", "conversation_id", "callId", "call_id", "id"} {
		if value, ok := command.Parameters[key].(string); ok {
			candidates = append(candidates, strings.TrimSpace(value))
		}
	}
	candidates = append(candidates, command.ID)

	if parsed, err := url.Parse(path); err == nil {
		query := parsed.Query()
		for _, key := range []string{"conversationId", "conversation_id", "callId", "call_id", "id"} {
			candidates = append(candidates, strings.TrimSpace(query.Get(key)))
		}
	}

	for _, candidate := range candidates {
		if candidate != "" {
			return candidate
		}
	}
	return "audiohook-" + uuid.NewString()
}

func extractEventText(parameters map[string]interface{}) string {
	directKeys := []string{"text", "transcript", "utteranceText", "message"}
	for _, key := range directKeys {
		if value, ok := parameters[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}

	if events, ok := parameters["events"].([]interface{}); ok {
		for _, raw := range events {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			for _, key := range directKeys {
				if value, ok := item[key].(string); ok && strings.TrimSpace(value) != "" {
					return strings.TrimSpace(value)
				}
			}
			if nested, ok := item["parameters"].(map[string]interface{}); ok {
				for _, key := range directKeys {
					if value, ok := nested[key].(string); ok && strings.TrimSpace(value) != "" {
						return strings.TrimSpace(value)
					}
				}
			}
		}
	}
	return ""
}

func labelAt(labels []string, index int) string {
	if index < len(labels) {
		return labels[index]
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func maxIntValue(a, b int) int {
	if a > b {
		return a
	}
	return b
}
