package audiohook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePacketsSplitsFrames(t *testing.T) {
	command := []byte(`{"type":"ping"}`)
	audio := []byte{0x01, 0x02, 0x03, 0x04}

	frame := []byte{packetTypeCommand, 0, 0, byte(len(command))}
	frame = append(frame, command...)
	frame = append(frame, packetTypeAudio, 0, 0, byte(len(audio)))
	frame = append(frame, audio...)

	packets := decodePackets(frame)
	require.Len(t, packets, 2)
	assert.Equal(t, byte(packetTypeCommand), packets[0].Type)
	assert.Equal(t, command, packets[0].Payload)
	assert.Equal(t, byte(packetTypeAudio), packets[1].Type)
	assert.Equal(t, audio, packets[1].Payload)
}

func TestDecodePacketsStopsOnTruncatedFrame(t *testing.T) {
	frame := []byte{packetTypeAudio, 0, 0, 10, 0x01, 0x02}
	assert.Empty(t, decodePackets(frame))
}

func TestEncodeCommandPacketRoundTrip(t *testing.T) {
	frame, err := encodeCommandPacket(egressCommand{
		Version: "2",
		Type:    "pong",
		ID:      "cmd-1",
		Seq:     7,
	})
	require.NoError(t, err)

	packets := decodePackets(frame)
	require.Len(t, packets, 1)
	assert.Equal(t, byte(packetTypeCommand), packets[0].Type)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(packets[0].Payload, &decoded))
	assert.Equal(t, "pong", decoded["type"])
	assert.Equal(t, "cmd-1", decoded["id"])
	assert.Equal(t, float64(7), decoded["seq"])
}

func TestParseAudioHeadersAndData(t *testing.T) {
	payload := []byte("media: {\"format\":\"PCMU\",\"rate\":8000}\r\nseq: 3\r\n\r\nAUDIOBYTES")
	headers, audio := parseAudioHeadersAndData(payload)

	assert.Equal(t, []byte("AUDIOBYTES"), audio)
	media, ok := headers["media"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "PCMU", media["format"])
	assert.Equal(t, float64(3), headers["seq"])
}

func TestParseAudioHeadersWithoutDelimiter(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02}
	headers, audio := parseAudioHeadersAndData(payload)
	assert.Empty(t, headers)
	assert.Equal(t, payload, audio)
}

func TestSelectMediaPrefersL16At16k(t *testing.T) {
	offers := []mediaOffer{
		{Format: "PCMU", Rate: 8000, Channels: []string{"external", "internal"}},
		{Format: "L16", Rate: 16000, Channels: []string{"external", "internal"}},
		{Format: "PCMA", Rate: 8000, Channels: []string{"external", "internal"}},
	}

	selected := selectMedia(offers)
	assert.Equal(t, "L16", selected.Format)
	assert.Equal(t, 16000, selected.Rate)
}

func TestSelectMediaFallsBackThroughPreference(t *testing.T) {
	offers := []mediaOffer{
		{Format: "PCMA", Rate: 8000, Channels: []string{"external"}},
		{Format: "PCMU", Rate: 8000, Channels: []string{"external"}},
	}
	assert.Equal(t, "PCMU", selectMedia(offers).Format)

	assert.Equal(t, "OPUS", selectMedia([]mediaOffer{{Format: "opus", Rate: 48000}}).Format)

	empty := selectMedia(nil)
	assert.Equal(t, "PCMU", empty.Format)
	assert.Equal(t, 8000, empty.Rate)
	assert.Equal(t, []string{"mono"}, empty.Channels)
}

func TestParseMediaOffersListAndSingle(t *testing.T) {
	list := json.RawMessage(`[{"format":"PCMU","rate":8000,"channels":["external","internal"]},{"format":"L16","rate":16000,"channels":["external","internal"]}]`)
	offers := parseMediaOffers(list)
	require.Len(t, offers, 2)
	assert.Equal(t, []string{"external", "internal"}, offers[0].Channels)

	single := json.RawMessage(`{"format":"PCMA","rate":8000,"channels":2}`)
	offers = parseMediaOffers(single)
	require.Len(t, offers, 1)
	assert.Equal(t, "PCMA", offers[0].Format)
	assert.Equal(t, []string{"external", "internal"}, offers[0].Channels)
}

func TestSpeakerForLabel(t *testing.T) {
	assert.Equal(t, "customer", speakerForLabel("external"))
	assert.Equal(t, "agent", speakerForLabel("internal"))
	assert.Equal(t, "agent", speakerForLabel("LEFT"))
	assert.Equal(t, "customer", speakerForLabel("right"))
	assert.Equal(t, "", speakerForLabel("mystery"))
}
