package audio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/errors"
	"callpulse-server/pkg/media"
)

const sampleWidthBytes = 2

var unsafeCallIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Snapshot summarizes the rolling buffer for one call.
type Snapshot struct {
	CallID          string  `json:"call_id"`
	Available       bool    `json:"available"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	SampleWidth     int     `json:"sample_width"`
	ChunkCount      int     `json:"chunk_count"`
	UpdatedAt       string  `json:"updated_at"`
	LastChunkID     string  `json:"last_chunk_id"`
	WindowSeconds   int     `json:"window_seconds"`
}

type chunk struct {
	id         string
	pcm        []byte
	samples    int
	receivedAt time.Time
	fileName   string
}

type callBuffer struct {
	mu           sync.Mutex
	callID       string
	sampleRate   int
	channels     int
	chunks       []chunk
	totalSamples int
	nextSeq      int
	updatedAt    time.Time
	lastChunkID  string
}

// Store keeps a bounded rolling window of decoded PCM per call.
// The in-memory buffer is the source of truth; when a base directory is
// configured, chunk payloads and state metadata are mirrored to disk on
// a best-effort basis for post-crash inspection.
type Store struct {
	logger        *logrus.Logger
	baseDir       string
	windowSeconds int
	maxChunkBytes int

	mu      sync.Mutex
	buffers map[string]*callBuffer
}

// NewStore creates a rolling audio store. baseDir may be empty to
// disable the disk mirror.
func NewStore(logger *logrus.Logger, baseDir string, windowSeconds, maxChunkBytes int) *Store {
	if windowSeconds < 1 {
		windowSeconds = 300
	}
	if maxChunkBytes < 8192 {
		maxChunkBytes = 8192
	}

	return &Store{
		logger:        logger,
		baseDir:       baseDir,
		windowSeconds: windowSeconds,
		maxChunkBytes: maxChunkBytes,
		buffers:       make(map[string]*callBuffer),
	}
}

// Append adds a decoded PCM chunk to the call's rolling buffer and
// returns the post-append snapshot. A sample-rate or channel change
// closes the existing buffer and starts a fresh one.
func (s *Store) Append(callID string, pcm []byte, sampleRate, channels int, now time.Time) (Snapshot, error) {
	if len(pcm) == 0 {
		return Snapshot{}, errors.Wrap(errors.ErrInvalidInput, "empty audio chunk")
	}
	if len(pcm) > s.maxChunkBytes {
		return Snapshot{}, errors.Wrap(errors.ErrChunkTooLarge, "rejecting audio chunk", map[string]interface{}{
			"bytes": len(pcm),
			"max":   s.maxChunkBytes,
		})
	}
	if sampleRate <= 0 {
		return Snapshot{}, errors.Wrap(errors.ErrInvalidInput, "invalid sample_rate")
	}
	if channels <= 0 {
		return Snapshot{}, errors.Wrap(errors.ErrInvalidInput, "invalid channels")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	buf := s.bufferFor(callID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(buf.chunks) > 0 && (buf.sampleRate != sampleRate || buf.channels != channels) {
		s.logger.WithFields(logrus.Fields{
			"call_id":     callID,
			"sample_rate": sampleRate,
			"channels":    channels,
		}).Info("Audio format changed, restarting rolling buffer")
		s.resetMirror(callID)
		buf.chunks = nil
		buf.totalSamples = 0
		buf.nextSeq = 1
	}
	buf.sampleRate = sampleRate
	buf.channels = channels

	seq := buf.nextSeq
	if seq < 1 {
		seq = 1
	}
	chunkID := fmt.Sprintf("%d_%d", now.UnixMilli(), seq)
	samples := len(pcm) / (channels * sampleWidthBytes)
	if samples < 1 {
		samples = 1
	}

	added := chunk{
		id:         chunkID,
		pcm:        append([]byte(nil), pcm...),
		samples:    samples,
		receivedAt: now,
		fileName:   fmt.Sprintf("%09d_%s.pcm", seq, chunkID),
	}
	buf.chunks = append(buf.chunks, added)
	buf.totalSamples += samples
	buf.nextSeq = seq + 1
	buf.updatedAt = now
	buf.lastChunkID = chunkID

	s.mirrorChunk(callID, added)

	// Evict from the front while the remaining audio still covers the
	// full window without the oldest chunk.
	maxSamples := s.windowSeconds * sampleRate
	for len(buf.chunks) > 1 && buf.totalSamples-buf.chunks[0].samples >= maxSamples {
		dropped := buf.chunks[0]
		buf.chunks = buf.chunks[1:]
		buf.totalSamples -= dropped.samples
		s.dropMirroredChunk(callID, dropped)
	}

	s.mirrorState(callID, buf)
	return s.snapshotLocked(callID, buf), nil
}

// Snapshot returns buffer metadata for the call. When no buffer exists
// the snapshot reports available=false with zeroed fields.
func (s *Store) Snapshot(callID string) Snapshot {
	s.mu.Lock()
	buf, ok := s.buffers[callID]
	s.mu.Unlock()

	if !ok {
		return Snapshot{
			CallID:        callID,
			WindowSeconds: s.windowSeconds,
		}
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	return s.snapshotLocked(callID, buf)
}

// RenderWAV materializes the rolling buffer as a RIFF/WAVE byte stream.
// maxSeconds > 0 trims to the most recent maxSeconds of audio. Returns
// ErrBufferUnavailable when the call has no buffered audio.
func (s *Store) RenderWAV(callID string, maxSeconds int) ([]byte, error) {
	s.mu.Lock()
	buf, ok := s.buffers[callID]
	s.mu.Unlock()

	if !ok {
		return nil, errors.Wrap(errors.ErrBufferUnavailable, "no live audio for call", map[string]interface{}{
			"call_id": callID,
		})
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(buf.chunks) == 0 || buf.sampleRate <= 0 || buf.channels <= 0 {
		return nil, errors.Wrap(errors.ErrBufferUnavailable, "no live audio for call", map[string]interface{}{
			"call_id": callID,
		})
	}

	total := 0
	for _, c := range buf.chunks {
		total += len(c.pcm)
	}
	pcm := make([]byte, 0, total)
	for _, c := range buf.chunks {
		pcm = append(pcm, c.pcm...)
	}

	if maxSeconds > 0 {
		maxBytes := maxSeconds * buf.sampleRate * buf.channels * sampleWidthBytes
		if len(pcm) > maxBytes {
			pcm = pcm[len(pcm)-maxBytes:]
		}
	}

	return media.RenderWAV(pcm, buf.sampleRate, buf.channels), nil
}

func (s *Store) bufferFor(callID string) *callBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[callID]
	if !ok {
		buf = &callBuffer{callID: callID, nextSeq: 1}
		s.buffers[callID] = buf
	}
	return buf
}

func (s *Store) snapshotLocked(callID string, buf *callBuffer) Snapshot {
	duration := 0.0
	if buf.sampleRate > 0 {
		duration = float64(buf.totalSamples) / float64(buf.sampleRate)
	}

	updatedAt := ""
	if !buf.updatedAt.IsZero() {
		updatedAt = buf.updatedAt.UTC().Format(time.RFC3339Nano)
	}

	snap := Snapshot{
		CallID:          callID,
		Available:       len(buf.chunks) > 0,
		DurationSeconds: duration,
		ChunkCount:      len(buf.chunks),
		UpdatedAt:       updatedAt,
		LastChunkID:     buf.lastChunkID,
		WindowSeconds:   s.windowSeconds,
	}
	if snap.Available {
		snap.SampleRate = buf.sampleRate
		snap.Channels = buf.channels
		snap.SampleWidth = sampleWidthBytes
	}
	return snap
}

func (s *Store) callDir(callID string) string {
	if s.baseDir == "" {
		return ""
	}
	cleaned := unsafeCallIDChars.ReplaceAllString(strings.TrimSpace(callID), "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		cleaned = "call"
	}
	if len(cleaned) > 96 {
		cleaned = cleaned[:96]
	}
	return filepath.Join(s.baseDir, cleaned)
}

func (s *Store) mirrorChunk(callID string, c chunk) {
	dir := s.callDir(callID)
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("Live audio mirror mkdir failed")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, c.fileName), c.pcm, 0o644); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("Live audio chunk mirror failed")
	}
}

func (s *Store) dropMirroredChunk(callID string, c chunk) {
	dir := s.callDir(callID)
	if dir == "" {
		return
	}
	if err := os.Remove(filepath.Join(dir, c.fileName)); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("call_id", callID).Debug("Live audio chunk cleanup failed")
	}
}

func (s *Store) resetMirror(callID string) {
	dir := s.callDir(callID)
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".pcm") || name == "state.json" {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

func (s *Store) mirrorState(callID string, buf *callBuffer) {
	dir := s.callDir(callID)
	if dir == "" {
		return
	}

	type chunkMeta struct {
		ID         string `json:"id"`
		File       string `json:"file"`
		Samples    int    `json:"samples"`
		Bytes      int    `json:"bytes"`
		ReceivedAt string `json:"received_at"`
	}
	state := struct {
		CallID        string      `json:"call_id"`
		WindowSeconds int         `json:"window_seconds"`
		SampleRate    int         `json:"sample_rate"`
		Channels      int         `json:"channels"`
		SampleWidth   int         `json:"sample_width"`
		TotalSamples  int         `json:"total_samples"`
		NextSeq       int         `json:"next_seq"`
		UpdatedAt     string      `json:"updated_at"`
		LastChunkID   string      `json:"last_chunk_id"`
		Chunks        []chunkMeta `json:"chunks"`
	}{
		CallID:        callID,
		WindowSeconds: s.windowSeconds,
		SampleRate:    buf.sampleRate,
		Channels:      buf.channels,
		SampleWidth:   sampleWidthBytes,
		TotalSamples:  buf.totalSamples,
		NextSeq:       buf.nextSeq,
		UpdatedAt:     buf.updatedAt.UTC().Format(time.RFC3339Nano),
		LastChunkID:   buf.lastChunkID,
	}
	for _, c := range buf.chunks {
		state.Chunks = append(state.Chunks, chunkMeta{
			ID:         c.id,
			File:       c.fileName,
			Samples:    c.samples,
			Bytes:      len(c.pcm),
			ReceivedAt: c.receivedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	tmp := filepath.Join(dir, "state.json.tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("Live audio state mirror failed")
		return
	}
	if err := os.Rename(tmp, filepath.Join(dir, "state.json")); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("Live audio state rename failed")
	}
}
