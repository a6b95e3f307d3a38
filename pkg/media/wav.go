package media

import (
	"encoding/binary"

	"callpulse-server/pkg/errors"
)

const wavHeaderSize = 44

// RenderWAV wraps raw S16LE PCM into a canonical 44-byte RIFF/WAVE
// container (PCM format tag 1, 16 bits per sample).
func RenderWAV(pcm []byte, sampleRate, channels int) []byte {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if channels <= 0 {
		channels = 1
	}

	out := make([]byte, wavHeaderSize+len(pcm))

	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	byteRate := uint32(sampleRate * channels * 2)
	binary.LittleEndian.PutUint32(out[28:], byteRate)
	blockAlign := uint16(channels * 2)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)

	return out
}

// WAVInfo describes a parsed WAV payload.
type WAVInfo struct {
	SampleRate  int
	Channels    int
	SampleWidth int
	PCM         []byte
}

// HasRIFFHeader reports whether the payload starts with a RIFF/WAVE header.
func HasRIFFHeader(raw []byte) bool {
	return len(raw) >= 12 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WAVE"
}

// ParseWAV extracts format and PCM frames from a RIFF/WAVE payload.
// Only uncompressed PCM (format tag 1) is accepted.
func ParseWAV(raw []byte) (*WAVInfo, error) {
	if !HasRIFFHeader(raw) {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "payload is not a RIFF/WAVE container")
	}

	info := &WAVInfo{}
	haveFormat := false
	offset := 12

	for offset+8 <= len(raw) {
		chunkID := string(raw[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(raw[offset+4 : offset+8]))
		body := offset + 8
		if chunkSize < 0 || body+chunkSize > len(raw) {
			return nil, errors.Wrap(errors.ErrDecodeFailure, "truncated WAV chunk", map[string]interface{}{
				"chunk": chunkID,
			})
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, errors.Wrap(errors.ErrDecodeFailure, "WAV fmt chunk too small")
			}
			audioFormat := binary.LittleEndian.Uint16(raw[body : body+2])
			if audioFormat != 1 {
				return nil, errors.Wrap(errors.ErrDecodeFailure, "WAV must be uncompressed PCM", map[string]interface{}{
					"format_tag": audioFormat,
				})
			}
			info.Channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			info.SampleWidth = int(binary.LittleEndian.Uint16(raw[body+14:body+16])) / 8
			haveFormat = true
		case "data":
			info.PCM = append([]byte(nil), raw[body:body+chunkSize]...)
		}

		// Chunks are word-aligned.
		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	if !haveFormat {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "WAV fmt chunk missing")
	}
	if info.SampleWidth != 2 {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "WAV chunk must use 16-bit PCM", map[string]interface{}{
			"sample_width": info.SampleWidth,
		})
	}
	if len(info.PCM) == 0 {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "WAV data chunk missing or empty")
	}

	return info, nil
}
