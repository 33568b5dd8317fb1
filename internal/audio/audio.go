// Package audio implements the Progressive Audio Manager (C5):
// turns narration timeline events into audio chunks, decodes/preloads them
// with bounded concurrency, schedules crossfaded playback, and recalibrates
// the timeline when measured durations disagree with estimates.
package audio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// ChunkStatus is an AudioChunk's decode/playback lifecycle state.
type ChunkStatus string

const (
	ChunkQueued ChunkStatus = "queued"
	ChunkLoading ChunkStatus = "loading"
	ChunkReady ChunkStatus = "ready"
	ChunkPlaying ChunkStatus = "playing"
	ChunkError ChunkStatus = "error"
)

// AudioChunk is one narration event turned into schedulable audio.
type AudioChunk struct {
	ID string
	StartTime int64 // ms, global timeline
	EndTime int64
	Text string
	SSML string
	AudioURL string
	AudioData []byte
	Status ChunkStatus
	Priority domain.Priority
	EstimatedDuration int64 // ms
	MeasuredDuration int64 // ms, 0 until reported
	TimingAccuracy float64
}

// Decoder decodes raw/URL audio into playable samples. Swappable for tests;
// production wiring points it at a real audio backend.
type Decoder func(ctx context.Context, chunk AudioChunk) ([]byte, error)

// PlaybackState is the manager's overall state machine.
type PlaybackState string

const (
	StateStopped PlaybackState = "stopped"
	StatePlaying PlaybackState = "playing"
	StatePaused PlaybackState = "paused"
	StateBuffering PlaybackState = "buffering"
	StateError PlaybackState = "error"
)

// EventListener receives audio manager lifecycle notifications.
type EventListener func(name string, data map[string]any)

// Config tunes buffering/crossfade/concurrency behavior.
type Config struct {
	TargetAudioBuffer int64 // ms
	MinAudioBuffer int64 // ms
	BufferWaitTimeout time.Duration
	CrossfadeDuration int64 // ms
	PreloadConcurrency int
	SignificantChangePct float64 // 0.15
	RecalibrationPct float64 // 0.20
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		TargetAudioBuffer: 10_000,
		MinAudioBuffer: 2_000,
		BufferWaitTimeout: 5 * time.Second,
		CrossfadeDuration: 50,
		PreloadConcurrency: 3,
		SignificantChangePct: 0.15,
		RecalibrationPct: 0.20,
	}
}

// Manager owns a lesson's audio chunks and crossfade schedule.
type Manager struct {
	log *logger.Logger
	cfg Config
	decode Decoder
	listener EventListener

	mu sync.Mutex
	chunks map[string]*AudioChunk
	state PlaybackState
	masterVolume float64
	playbackStart time.Time // audioClock zero reference
	pausedAt int64

	preloadSem chan struct{}
}

// New constructs a manager. decode is invoked off a bounded worker pool for
// background preloading and synchronously for eager (high-priority) loads.
func New(log *logger.Logger, cfg Config, decode Decoder, listener EventListener) *Manager {
	if cfg.PreloadConcurrency <= 0 {
		cfg.PreloadConcurrency = 3
	}
	if listener == nil {
		listener = func(string, map[string]any) {}
	}
	return &Manager{
		log: log.With("component", "AudioManager"),
		cfg: cfg,
		decode: decode,
		listener: listener,
		chunks: make(map[string]*AudioChunk),
		state: StateStopped,
		masterVolume: 1.0,
		preloadSem: make(chan struct{}, cfg.PreloadConcurrency),
	}
}

// IngestEvent turns a narration event into a tracked AudioChunk.
func (m *Manager) IngestEvent(ev domain.TimelineEvent) (*AudioChunk, error) {
	if ev.Type != domain.EventNarration || ev.Narration == nil {
		return nil, fmt.Errorf("audio: %w: event %s is not narration", domain.ErrValidation, ev.ID)
	}
	chunk := &AudioChunk{
		ID: ev.ID,
		StartTime: ev.Timestamp,
		EndTime: ev.End(),
		Text: ev.Narration.Text,
		SSML: ev.Narration.SSML,
		AudioURL: ev.Narration.AudioURL,
		Status: ChunkQueued,
		Priority: domain.PriorityMedium,
		EstimatedDuration: ev.Duration,
	}
	m.mu.Lock()
	m.chunks[chunk.ID] = chunk
	m.mu.Unlock()
	return chunk, nil
}

// Load decodes chunk eagerly if priority is high or it falls within
// TargetAudioBuffer of currentPosition; otherwise it is queued for bounded
// background preloading.
func (m *Manager) Load(ctx context.Context, chunkID string, currentPosition int64) error {
	m.mu.Lock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("audio: %w: chunk %s", domain.ErrNotFound, chunkID)
	}
	eager := chunk.Priority == domain.PriorityHigh || chunk.Priority == domain.PriorityCritical ||
		chunk.StartTime-currentPosition <= m.cfg.TargetAudioBuffer
	chunk.Status = ChunkLoading
	m.mu.Unlock()

	if eager {
		return m.decodeChunk(ctx, chunk)
	}

	select {
	case m.preloadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("audio: %w", domain.ErrCancelled)
	}
	go func() {
		defer func() { <-m.preloadSem }()
		if err := m.decodeChunk(context.Background(), chunk); err != nil {
			m.log.Warn("background preload failed", "chunk_id", chunkID, "error", err)
		}
	}()
	return nil
}

func (m *Manager) decodeChunk(ctx context.Context, chunk *AudioChunk) error {
	data, err := m.decode(ctx, *chunk)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		chunk.Status = ChunkError
		m.listener("error", map[string]any{"chunkId": chunk.ID, "error": err.Error()})
		return fmt.Errorf("audio: decode %q: %w: %v", chunk.ID, domain.ErrDecodeError, err)
	}
	chunk.AudioData = data
	chunk.Status = ChunkReady
	return nil
}

// bufferLevelLocked sums ready chunk coverage from currentPosition forward.
// Caller must hold m.mu.
func (m *Manager) bufferLevelLocked(currentPosition int64) int64 {
	ready := make([]*AudioChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		if c.Status == ChunkReady {
			ready = append(ready, c)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].StartTime < ready[j].StartTime })
	var furthest int64 = currentPosition
	for _, c := range ready {
		if c.StartTime <= furthest && c.EndTime > furthest {
			furthest = c.EndTime
		}
	}
	return furthest - currentPosition
}

// Play starts playback from startPosition; if the ready-chunk runway is
// below MinAudioBuffer it enters buffering and polls until satisfied or
// BufferWaitTimeout elapses.
func (m *Manager) Play(ctx context.Context, startPosition int64) ([]ScheduledSource, error) {
	m.mu.Lock()
	level := m.bufferLevelLocked(startPosition)
	if level < m.cfg.MinAudioBuffer {
		m.state = StateBuffering
		m.mu.Unlock()
		m.listener("bufferingStarted", map[string]any{"position": startPosition})

		deadline := time.Now().Add(m.cfg.BufferWaitTimeout)
		for {
			m.mu.Lock()
			level = m.bufferLevelLocked(startPosition)
			ready := level >= m.cfg.MinAudioBuffer
			m.mu.Unlock()
			if ready {
				break
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("audio: %w", domain.ErrBufferUnderrun)
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("audio: %w", domain.ErrCancelled)
			case <-time.After(50 * time.Millisecond):
			}
		}
		m.listener("bufferingEnded", map[string]any{"position": startPosition})
		m.mu.Lock()
	}

	m.state = StatePlaying
	m.playbackStart = time.Now().Add(-time.Duration(startPosition) * time.Millisecond)
	sources := m.scheduleLocked(startPosition)
	m.mu.Unlock()
	return sources, nil
}

// ScheduledSource is one chunk placed onto the audio timeline with its
// crossfade envelope computed.
type ScheduledSource struct {
	ChunkID string
	StartTime int64
	EndTime int64
	FadeInMS int64
	FadeOutMS int64
	Gain float64
}

// scheduleLocked builds the crossfade schedule for every ready chunk at/after
// position. Caller must hold m.mu.
func (m *Manager) scheduleLocked(position int64) []ScheduledSource {
	var ready []*AudioChunk
	for _, c := range m.chunks {
		if c.Status == ChunkReady && c.EndTime > position {
			ready = append(ready, c)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].StartTime < ready[j].StartTime })

	out := make([]ScheduledSource, 0, len(ready))
	for _, c := range ready {
		fadeIn := m.cfg.CrossfadeDuration
		fadeOut := m.cfg.CrossfadeDuration
		dur := c.EndTime - c.StartTime
		if dur < 2*m.cfg.CrossfadeDuration {
			fadeIn, fadeOut = dur/2, dur/2
		}
		gain := clamp01(m.masterVolume)
		out = append(out, ScheduledSource{
			ChunkID: c.ID,
			StartTime: c.StartTime,
			EndTime: c.EndTime,
			FadeInMS: fadeIn,
			FadeOutMS: fadeOut,
			Gain: gain,
		})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CurrentPosition reports the manager's own notion of playback position:
// the audio clock while playing, the position Pause froze otherwise. The
// event scheduler (C7) uses this as its virtual clock when
// Config.AudioDriven is set.
func (m *Manager) CurrentPosition() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePlaying {
		return m.pausedAt
	}
	return time.Since(m.playbackStart).Milliseconds()
}

// SetMasterVolume clamps and stores the master volume gain.
func (m *Manager) SetMasterVolume(v float64) {
	m.mu.Lock()
	m.masterVolume = clamp01(v)
	m.mu.Unlock()
}

// Pause stops every live source cleanly; idempotent.
func (m *Manager) Pause(at int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePlaying {
		return
	}
	m.state = StatePaused
	m.pausedAt = at
}

// Resume re-enters Play at the position captured by Pause.
func (m *Manager) Resume(ctx context.Context) ([]ScheduledSource, error) {
	m.mu.Lock()
	at := m.pausedAt
	m.mu.Unlock()
	return m.Play(ctx, at)
}

// RecalibrationResult reports the outcome of ReportMeasuredDuration's
// reflow pass.
type RecalibrationResult struct {
	Adjustments int
	TotalDuration int64
}

// ReportMeasuredDuration updates chunk's measured duration and, when it
// deviates from the estimate enough, reflows every chunk's start/end so none
// overlap.
func (m *Manager) ReportMeasuredDuration(chunkID string, measured int64) (*RecalibrationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, ok := m.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("audio: %w: chunk %s", domain.ErrNotFound, chunkID)
	}
	chunk.MeasuredDuration = measured
	if chunk.EstimatedDuration > 0 {
		dev := math.Abs(float64(measured-chunk.EstimatedDuration)) / float64(chunk.EstimatedDuration)
		chunk.TimingAccuracy = 1 - dev
		if dev <= m.cfg.SignificantChangePct {
			return nil, nil
		}
		m.listener("significantDurationChange", map[string]any{"chunkId": chunkID, "deviation": dev})
		if dev < m.cfg.RecalibrationPct {
			return nil, nil
		}
	}

	ordered := make([]*AudioChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartTime < ordered[j].StartTime })

	var runningEnd int64
	adjustments := 0
	for _, c := range ordered {
		originalStart := c.StartTime
		newStart := originalStart
		if newStart < runningEnd {
			newStart = runningEnd
		}
		dur := c.EndTime - c.StartTime
		if c.MeasuredDuration > 0 {
			estDev := math.Abs(float64(c.MeasuredDuration-dur)) / math.Max(float64(dur), 1)
			if estDev > m.cfg.RecalibrationPct {
				dur = c.MeasuredDuration
			}
		}
		if newStart != c.StartTime {
			adjustments++
		}
		c.StartTime = newStart
		c.EndTime = newStart + dur
		runningEnd = c.EndTime
	}

	result := &RecalibrationResult{Adjustments: adjustments, TotalDuration: runningEnd}
	m.listener("timelineRecalibrated", map[string]any{"adjustments": adjustments, "totalDuration": runningEnd})
	return result, nil
}

// MarkDecodeError marks chunk as errored and reports it, surfaced to the
// playback controller as a buffer underrun input.
func (m *Manager) MarkDecodeError(chunkID string, cause error) {
	m.mu.Lock()
	if c, ok := m.chunks[chunkID]; ok {
		c.Status = ChunkError
	}
	m.mu.Unlock()
	m.listener("error", map[string]any{"chunkId": chunkID, "error": cause.Error()})
}

// State returns the manager's current playback state.
func (m *Manager) State() PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Chunk returns a copy of the tracked chunk, if any.
func (m *Manager) Chunk(id string) (AudioChunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return AudioChunk{}, false
	}
	return *c, true
}
