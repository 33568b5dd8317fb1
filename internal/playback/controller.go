// Package playback implements the Streaming Playback Controller and
// Adaptive Buffer Controller (C8): the play/pause/seek state
// machine tying buffer readiness to user intent, position tracking, and
// environment-driven tuning of the buffering parameters owned by C2/C4/C5.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// State is the playback controller's state machine.
type State string

const (
	StateStopped State = "stopped"
	StatePaused State = "paused"
	StatePlaying State = "playing"
	StateBuffering State = "buffering"
	StateSeeking State = "seeking"
	StateLoading State = "loading"
	StateError State = "error"
)

// BufferReadiness is the narrow view of the Progressive Buffer Manager (C4)
// the controller depends on, kept separate from buffer.Manager itself to
// avoid a direct cross-component import.
type BufferReadiness interface {
	IsReady(position int64) bool
	IsBuffered(start, end int64) bool
	Seek(position int64) bool
	BufferLevel(position int64) int64
}

// CoordinatorQuery is the narrow view of the Chunk Coordinator (C3) the
// controller depends on for position-driven eviction bookkeeping.
type CoordinatorQuery interface {
	SetPlaybackPosition(t int64)
	TotalDuration() int64
}

// EventListener receives the controller's user-facing notifications:
// stateChanged, positionChanged, bufferingStarted/Ended, seekStarted/
// Completed, readyToPlay, error.
type EventListener func(name string, data map[string]any)

// Config tunes position-tracking cadence and buffering tolerances.
type Config struct {
	PositionTickInterval time.Duration // default 100ms
	MaxBufferWaitTime time.Duration // default 5s
	AutoPauseOnUnderrun bool
	UnderrunThreshold int64 // ms; BufferLevel below this while playing triggers buffering
	SeekLookahead int64 // ms; IsBuffered(p, p+SeekLookahead) gates an immediate seek
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		PositionTickInterval: 100 * time.Millisecond,
		MaxBufferWaitTime: 5 * time.Second,
		AutoPauseOnUnderrun: true,
		UnderrunThreshold: 1_000,
		SeekLookahead: 1_000,
	}
}

// Controller is the C8 playback state machine.
type Controller struct {
	log *logger.Logger
	cfg Config
	buffer BufferReadiness
	coord CoordinatorQuery
	listener EventListener

	mu sync.Mutex
	state State
	isUserPaused bool
	preSeekWasPlaying bool
	currentPosition int64
	speed float64
	volume float64
	playbackStart time.Time // wall-clock reference for currentPosition while playing
	positionAtStart int64
	bufferWaitSince time.Time
	seekPending bool
}

// New constructs a stopped controller at position 0.
func New(log *logger.Logger, cfg Config, buffer BufferReadiness, coord CoordinatorQuery, listener EventListener) *Controller {
	if cfg.PositionTickInterval <= 0 {
		cfg.PositionTickInterval = 100 * time.Millisecond
	}
	if cfg.MaxBufferWaitTime <= 0 {
		cfg.MaxBufferWaitTime = 5 * time.Second
	}
	if cfg.SeekLookahead <= 0 {
		cfg.SeekLookahead = 1_000
	}
	if listener == nil {
		listener = func(string, map[string]any) {}
	}
	return &Controller{
		log: log.With("component", "PlaybackController"),
		cfg: cfg,
		buffer: buffer,
		coord: coord,
		listener: listener,
		state: StateStopped,
		speed: 1,
		volume: 1,
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.listener("stateChanged", map[string]any{"state": string(s)})
}

func (c *Controller) currentPositionLocked() int64 {
	if c.state != StatePlaying {
		return c.currentPosition
	}
	elapsed := time.Since(c.playbackStart)
	return c.positionAtStart + int64(float64(elapsed.Milliseconds())*c.speed)
}

// CurrentPosition returns the live playback position.
func (c *Controller) CurrentPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPositionLocked()
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) enterPlayingLocked() {
	c.currentPosition = c.currentPositionLocked()
	c.positionAtStart = c.currentPosition
	c.playbackStart = time.Now()
	c.setStateLocked(StatePlaying)
}

func (c *Controller) enterBufferingLocked(reason string) {
	c.currentPosition = c.currentPositionLocked()
	c.bufferWaitSince = time.Now()
	// Both callers (Play, and an underrun while playing) resume playback
	// once the buffer is ready, unless the user pauses in the meantime.
	c.preSeekWasPlaying = true
	c.setStateLocked(StateBuffering)
	c.listener("bufferingStarted", map[string]any{"reason": reason})
}

// Play starts (or resumes) playback: immediate if the buffer manager
// reports readiness at the current position, otherwise enters buffering.
func (c *Controller) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isUserPaused = false
	if c.state != StateStopped && c.state != StatePaused {
		return
	}
	if c.buffer.IsReady(c.currentPositionLocked()) {
		c.enterPlayingLocked()
		c.listener("readyToPlay", map[string]any{"position": c.currentPosition})
		return
	}
	c.enterBufferingLocked("play")
}

// Pause freezes the virtual clock and records user intent so buffering
// recovery does not auto-resume.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isUserPaused = true
	if c.state != StatePlaying {
		return
	}
	c.currentPosition = c.currentPositionLocked()
	c.setStateLocked(StatePaused)
}

// Resume is Play with explicit "user wants to keep watching" semantics.
func (c *Controller) Resume() {
	c.Play()
}

// Stop halts playback without discarding the current position.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentPosition = c.currentPositionLocked()
	c.isUserPaused = false
	c.setStateLocked(StateStopped)
}

// SeekResult reports whether a seek resolved immediately.
type SeekResult struct {
	Position int64
	WasImmediate bool
}

// Seek clamps p into [0, totalDuration] and either resolves immediately (the
// target is already buffered) or transitions through buffering until the
// buffer manager's urgent load satisfies it or MaxBufferWaitTime elapses.
func (c *Controller) Seek(p int64) SeekResult {
	c.mu.Lock()
	total := int64(0)
	if c.coord != nil {
		total = c.coord.TotalDuration()
	}
	if p < 0 {
		p = 0
	}
	if total > 0 && p > total {
		p = total
	}

	wasPlaying := c.state == StatePlaying
	c.preSeekWasPlaying = wasPlaying
	c.setStateLocked(StateSeeking)
	c.listener("seekStarted", map[string]any{"position": p})

	immediate := c.buffer.IsBuffered(p, p+c.cfg.SeekLookahead)
	if immediate {
		c.currentPosition = p
		if wasPlaying && !c.isUserPaused {
			c.enterPlayingLocked()
		} else {
			c.setStateLocked(StatePaused)
		}
		c.listener("seekCompleted", map[string]any{"position": p, "wasImmediate": true})
		c.mu.Unlock()
		return SeekResult{Position: p, WasImmediate: true}
	}

	c.currentPosition = p
	c.bufferWaitSince = time.Now()
	c.seekPending = true
	c.setStateLocked(StateBuffering)
	c.mu.Unlock()

	c.buffer.Seek(p) // triggers urgent loading around p
	return SeekResult{Position: p, WasImmediate: false}
}

// SetSpeed rejects speeds outside (0, 4] with domain.ErrValidation and resets the wall-clock reference so
// currentPosition is preserved across the rate change.
func (c *Controller) SetSpeed(x float64) error {
	if x <= 0 || x > 4 {
		return fmt.Errorf("playback: %w: speed must be in (0,4], got %v", domain.ErrValidation, x)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.currentPositionLocked()
	c.positionAtStart = pos
	c.currentPosition = pos
	c.playbackStart = time.Now()
	c.speed = x
	return nil
}

// SetVolume clamps v into [0, 1].
func (c *Controller) SetVolume(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.volume = v
}

// Volume returns the current master volume.
func (c *Controller) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// Tick advances position tracking and health checks; call at
// PositionTickInterval cadence.
func (c *Controller) Tick() {
	c.mu.Lock()
	state := c.state
	var pos int64

	switch state {
	case StatePlaying:
		pos = c.currentPositionLocked()
		c.currentPosition = pos
		if c.coord != nil {
			c.coord.SetPlaybackPosition(pos)
		}
		underrun := c.buffer.BufferLevel(pos) < c.cfg.UnderrunThreshold
		if underrun && c.cfg.AutoPauseOnUnderrun {
			c.enterBufferingLocked("underrun")
			c.mu.Unlock()
			c.listener("positionChanged", map[string]any{"position": pos})
			return
		}

	case StateBuffering, StateSeeking:
		pos = c.currentPosition
		ready := c.buffer.IsReady(pos)
		if ready {
			if c.preSeekWasPlaying && !c.isUserPaused {
				c.enterPlayingLocked()
				c.listener("readyToPlay", map[string]any{"position": pos})
			} else {
				c.setStateLocked(StatePaused)
			}
			c.listener("bufferingEnded", map[string]any{"position": pos})
			if c.seekPending {
				c.listener("seekCompleted", map[string]any{"position": pos, "wasImmediate": false})
				c.seekPending = false
			}
			c.bufferWaitSince = time.Time{}
		} else if !c.bufferWaitSince.IsZero() && time.Since(c.bufferWaitSince) > c.cfg.MaxBufferWaitTime {
			c.setStateLocked(StateLoading)
		}

	case StateLoading:
		pos = c.currentPosition
		if c.buffer.IsReady(pos) {
			if c.preSeekWasPlaying && !c.isUserPaused {
				c.enterPlayingLocked()
			} else {
				c.setStateLocked(StatePaused)
			}
			if c.seekPending {
				c.listener("seekCompleted", map[string]any{"position": pos, "wasImmediate": false})
				c.seekPending = false
			}
			c.bufferWaitSince = time.Time{}
		}

	default:
		pos = c.currentPosition
	}
	c.mu.Unlock()

	c.listener("positionChanged", map[string]any{"position": pos})
}

// MarkUnrecoverable transitions to the error state for a failure that
// component-local recovery could not absorb.
func (c *Controller) MarkUnrecoverable(cause error) {
	c.mu.Lock()
	c.setStateLocked(StateError)
	c.mu.Unlock()
	c.listener("error", map[string]any{"error": cause.Error()})
}
