package audiohook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"callpulse-server/pkg/errors"
)

// AudioHook binary framing: each packet is a one-byte type, a 24-bit
// big-endian payload size, and the payload itself. Type 0x01 carries a
// JSON command, 0x10 carries audio.
const (
	packetTypeCommand = 0x01
	packetTypeAudio   = 0x10
	maxPacketPayload  = 0xFFFFFF
)

type packet struct {
	Type    byte
	Payload []byte
}

// ingressCommand is the decoded form of a control message. Dispatch is
// a total switch over Type; unknown types are logged and dropped.
type ingressCommand struct {
	Version    string                 `json:"version"`
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Seq        int                    `json:"seq"`
	EventType  string                 `json:"eventType,omitempty"`
	SubType    string                 `json:"subType,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Media      json.RawMessage        `json:"media,omitempty"`
}

// egressCommand is the wire shape of responses (opened, pong, closed).
type egressCommand struct {
	Version    string                 `json:"version"`
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Seq        int                    `json:"seq"`
	Parameters map[string]interface{} `json:"parameters"`
	Media      *mediaDescriptor       `json:"media,omitempty"`
}

type mediaDescriptor struct {
	Type     string   `json:"type"`
	Format   string   `json:"format"`
	Rate     int      `json:"rate"`
	Channels []string `json:"channels"`
}

func decodePackets(data []byte) []packet {
	var packets []packet
	offset := 0

	for offset+4 <= len(data) {
		packetType := data[offset]
		size := int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if size > maxPacketPayload || offset+size > len(data) {
			break
		}
		packets = append(packets, packet{Type: packetType, Payload: data[offset : offset+size]})
		offset += size
	}

	return packets
}

func encodeCommandPacket(command egressCommand) ([]byte, error) {
	if command.Parameters == nil {
		command.Parameters = map[string]interface{}{}
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxPacketPayload {
		return nil, errors.Wrap(errors.ErrProtocolViolation, "command payload too large")
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = packetTypeCommand
	frame[1] = byte(len(payload) >> 16)
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[4:], payload)
	return frame, nil
}

// parseAudioHeadersAndData splits an audio packet into its optional
// MIME-style header block (terminated by a blank line) and the raw
// audio bytes.
func parseAudioHeadersAndData(payload []byte) (map[string]interface{}, []byte) {
	delimiter := bytes.Index(payload, []byte("\r\n\r\n"))
	delimiterSize := 4
	if delimiter < 0 {
		delimiter = bytes.Index(payload, []byte("\n\n"))
		delimiterSize = 2
	}
	if delimiter < 0 {
		return map[string]interface{}{}, payload
	}

	headers := map[string]interface{}{}
	for _, rawLine := range bytes.Split(payload[:delimiter], []byte("\n")) {
		line := strings.TrimSpace(string(rawLine))
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			headers[key] = decoded
		} else {
			headers[key] = value
		}
	}

	return headers, payload[delimiter+delimiterSize:]
}

// mediaOffer is one format offered in an open command.
type mediaOffer struct {
	Format   string
	Rate     int
	Channels []string
}

// negotiation preference: L16 at 16 kHz, then PCMU, then PCMA at 8 kHz.
var mediaPreference = []struct {
	format string
	rate   int
}{
	{"L16", 16000},
	{"PCMU", 8000},
	{"PCMA", 8000},
}

// selectMedia picks the preferred format from the offered list. When
// nothing matches the preference table the first offer wins; an empty
// offer list falls back to PCMU 8 kHz mono.
func selectMedia(offers []mediaOffer) mediaOffer {
	for _, pref := range mediaPreference {
		for _, offer := range offers {
			if strings.EqualFold(offer.Format, pref.format) && offer.Rate == pref.rate {
				return normalizeOffer(offer)
			}
		}
	}

	// Relax the rate requirement before giving up on the preference order.
	for _, pref := range mediaPreference {
		for _, offer := range offers {
			if strings.EqualFold(offer.Format, pref.format) {
				return normalizeOffer(offer)
			}
		}
	}

	if len(offers) > 0 {
		return normalizeOffer(offers[0])
	}
	return mediaOffer{Format: "PCMU", Rate: 8000, Channels: []string{"mono"}}
}

func normalizeOffer(offer mediaOffer) mediaOffer {
	offer.Format = strings.ToUpper(strings.TrimSpace(offer.Format))
	if offer.Rate <= 0 {
		offer.Rate = 8000
	}
	if len(offer.Channels) == 0 {
		offer.Channels = []string{"mono"}
	}
	return offer
}

// parseMediaOffers decodes the media field of an open command, which
// may be a single descriptor or a list of offers.
func parseMediaOffers(raw json.RawMessage) []mediaOffer {
	if len(raw) == 0 {
		return nil
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		offers := make([]mediaOffer, 0, len(list))
		for _, item := range list {
			if offer, ok := offerFromMap(item); ok {
				offers = append(offers, offer)
			}
		}
		return offers
	}

	var single map[string]interface{}
	if err := json.Unmarshal(raw, &single); err == nil {
		if offer, ok := offerFromMap(single); ok {
			return []mediaOffer{offer}
		}
	}
	return nil
}

func offerFromMap(media map[string]interface{}) (mediaOffer, bool) {
	format, _ := media["format"].(string)
	format = strings.ToUpper(strings.TrimSpace(format))

	rate := 0
	if value, ok := media["rate"].(float64); ok {
		rate = int(value)
	}

	var labels []string
	switch channels := media["channels"].(type) {
	case []interface{}:
		for _, item := range channels {
			switch label := item.(type) {
			case string:
				if trimmed := strings.TrimSpace(label); trimmed != "" {
					labels = append(labels, trimmed)
				}
			case map[string]interface{}:
				name, _ := label["name"].(string)
				if name == "" {
					name, _ = label["channel"].(string)
				}
				if trimmed := strings.TrimSpace(name); trimmed != "" {
					labels = append(labels, trimmed)
				}
			}
		}
	case float64:
		labels = defaultChannelLabels(int(channels))
	}

	if format == "" && rate == 0 && len(labels) == 0 {
		return mediaOffer{}, false
	}
	return mediaOffer{Format: format, Rate: rate, Channels: labels}, true
}

func defaultChannelLabels(channels int) []string {
	switch {
	case channels <= 1:
		return []string{"mono"}
	case channels == 2:
		return []string{"external", "internal"}
	default:
		labels := make([]string, channels)
		for i := range labels {
			labels[i] = fmt.Sprintf("ch%d", i+1)
		}
		return labels
	}
}

// speakerForLabel maps an AudioHook channel label to the ingest
// speaker tag: the external leg is the customer, the internal leg the
// agent.
func speakerForLabel(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "external", "customer", "right":
		return "customer"
	case "internal", "agent", "left", "acd", "user":
		return "agent"
	default:
		return ""
	}
}
