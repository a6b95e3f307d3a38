package media

import (
	"strings"

	"callpulse-server/pkg/errors"
)

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// DecodeAudioPayload converts a codec-tagged byte buffer into signed 16-bit
// little-endian PCM. Decoders are stateless and safe for concurrent use.
//
// Recognized tags (case-insensitive): PCMU/ULAW/MULAW, PCMA/ALAW, L16 and
// LINEAR16 (big-endian per RFC 3551), L16LE/PCM_S16LE/S16LE (pass-through).
func DecodeAudioPayload(payload []byte, codecName string) ([]byte, error) {
	switch strings.ToUpper(strings.TrimSpace(codecName)) {
	case "PCMU", "ULAW", "MULAW", "MU-LAW", "G711U", "G.711U":
		return muLawToPCM(payload), nil
	case "PCMA", "ALAW", "A-LAW", "G711A", "G.711A":
		return aLawToPCM(payload), nil
	case "L16", "LINEAR16", "PCM_S16BE", "S16BE":
		return byteswap16(evenLength(payload)), nil
	case "L16LE", "PCM_S16LE", "PCM16", "S16LE":
		return append([]byte(nil), evenLength(payload)...), nil
	default:
		return nil, errors.Wrap(errors.ErrUnsupportedEncoding, "cannot decode audio payload", map[string]interface{}{
			"codec": codecName,
		})
	}
}

func muLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := muLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func aLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := aLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	magnitude := int16(aval&0x0F) << 4
	segment := (aval >> 4) & 0x07

	switch segment {
	case 0:
		magnitude += 8
	case 1:
		magnitude += 0x108
	default:
		magnitude += 0x108
		magnitude <<= segment - 1
	}

	// Sign bit set means positive in A-law.
	if aval&0x80 != 0 {
		return magnitude
	}
	return -magnitude
}

// EncodeMuLawSample compands one linear sample into G.711 mu-law.
func EncodeMuLawSample(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int16(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | (exponent << 4) | mantissa)
}

var aLawSegmentEnds = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// EncodeALawSample compands one linear sample into G.711 A-law.
func EncodeALawSample(sample int16) byte {
	pcm := int(sample) >> 3

	var mask byte
	if pcm >= 0 {
		mask = 0xD5
	} else {
		mask = 0x55
		pcm = -pcm - 1
	}

	segment := 0
	for segment < 8 && pcm > aLawSegmentEnds[segment] {
		segment++
	}
	if segment >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(segment << 4)
	if segment < 2 {
		aval |= byte(pcm>>1) & 0x0F
	} else {
		aval |= byte(pcm>>segment) & 0x0F
	}
	return aval ^ mask
}

func byteswap16(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	out := make([]byte, len(payload))
	for i := 0; i+1 < len(payload); i += 2 {
		out[i] = payload[i+1]
		out[i+1] = payload[i]
	}
	return out
}

func evenLength(payload []byte) []byte {
	if len(payload)%2 != 0 {
		return payload[:len(payload)-1]
	}
	return payload
}
