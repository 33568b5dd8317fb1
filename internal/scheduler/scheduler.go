// Package scheduler implements the Timeline Event Scheduler and Event
// Executor (C7): it drives a monotonic virtual clock, enqueues
// events entering the lookahead window, dispatches due events in priority
// order to per-type executor callbacks, retries failed executions with
// backoff, and handles seek/speed-change semantics.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/retrypolicy"
)

// NarrationRequest is what the executor sends to the TTS collaborator for a
// narration event.
type NarrationRequest struct {
	Text string
	SSML string
	Voice string
	Speed float64
	Volume float64
	Emphasis []string
}

// TransitionRequest is what the executor sends to the viewport collaborator
// for a transition event.
type TransitionRequest struct {
	Type string
	Target string
	Duration int64
	Easing string
	Parameters map[string]any
}

// Executor performs the per-type side effects a due event triggers. Visual
// and Narration return an opaque handle (element id / audio handle) the
// caller may use to correlate later modify/remove events; the rest return
// only an error.
type Executor interface {
	Visual(ctx context.Context, ev domain.TimelineEvent) (handle string, err error)
	Narration(ctx context.Context, ev domain.TimelineEvent, req NarrationRequest) (handle string, err error)
	Transition(ctx context.Context, ev domain.TimelineEvent, req TransitionRequest) error
	Emphasis(ctx context.Context, ev domain.TimelineEvent) error
	LayoutChange(ctx context.Context, ev domain.TimelineEvent) error
}

// EventListener receives scheduler/executor lifecycle notifications
// (visualExecuted, narrationExecuted, transitionExecuted, emphasisExecuted,
// layoutChangeExecuted, executionFailed).
type EventListener func(name string, data map[string]any)

// Config tunes lookahead, dispatch and retry behavior.
type Config struct {
	LookaheadTime int64 // ms
	VisualCompensation int64 // ms, small negative offset absorbing visual lag; default -16
	MaxConcurrentEvents int
	ExecutionTimeout time.Duration
	MaxRetries int
	SyncTolerance time.Duration // default 50ms
	AudioDriven bool

	// PriorityOverrides lets callers rebind an event type's default
	// priority (spec "configurable"); a missing entry falls back to
	// defaultPriority.
	PriorityOverrides map[domain.EventType]domain.Priority
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		LookaheadTime: 2_000,
		VisualCompensation: -16,
		MaxConcurrentEvents: 8,
		ExecutionTimeout: 3 * time.Second,
		MaxRetries: 3,
		SyncTolerance: 50 * time.Millisecond,
	}
}

func (c Config) priorityFor(t domain.EventType) domain.Priority {
	if p, ok := c.PriorityOverrides[t]; ok {
		return p
	}
	switch t {
	case domain.EventTransition:
		return domain.PriorityCritical
	case domain.EventVisual:
		return domain.PriorityHigh
	case domain.EventLayoutChange:
		return domain.PriorityLow
	default: // narration, emphasis
		return domain.PriorityNormal
	}
}

// rank orders domain.Priority for dispatch sorting; lower is more urgent.
func rank(p domain.Priority) int {
	switch p {
	case domain.PriorityCritical:
		return 0
	case domain.PriorityHigh:
		return 1
	case domain.PriorityMedium:
		return 2
	case domain.PriorityNormal:
		return 3
	case domain.PriorityLow:
		return 4
	default: // idle
		return 5
	}
}

// tracked wraps a domain.ScheduledEvent with scheduler-private retry state.
type tracked struct {
	se domain.ScheduledEvent
	nextAttempt time.Time // zero until a retry has been scheduled
}

// Scheduler is the C7 event scheduler + executor.
type Scheduler struct {
	log *logger.Logger
	cfg Config
	exec Executor
	listener EventListener
	policy retrypolicy.Policy
	audioPos func() int64 // non-nil when cfg.AudioDriven; reports C5.currentPosition

	mu sync.Mutex
	tracked map[string]*tracked
	completed map[string]bool
	playing bool
	playbackStartTime int64 // virtual ms position at realStartTime
	realStartTime time.Time
	speed float64
	activeCount int
}

// New constructs a scheduler. audioPos is consulted for the virtual clock
// when cfg.AudioDriven is true; it may be nil otherwise.
func New(log *logger.Logger, cfg Config, exec Executor, listener EventListener, audioPos func() int64) *Scheduler {
	if cfg.MaxConcurrentEvents <= 0 {
		cfg.MaxConcurrentEvents = 8
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 3 * time.Second
	}
	if listener == nil {
		listener = func(string, map[string]any) {}
	}
	return &Scheduler{
		log: log.With("component", "EventScheduler"),
		cfg: cfg,
		exec: exec,
		listener: listener,
		policy: retrypolicy.Policy{
			MaxAttempts: cfg.MaxRetries,
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
			JitterFrac: 0,
		},
		audioPos: audioPos,
		tracked: make(map[string]*tracked),
		completed: make(map[string]bool),
		speed: 1,
		realStartTime: time.Now(),
	}
}

// CurrentPosition returns the scheduler's virtual clock position.
func (s *Scheduler) CurrentPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPositionLocked()
}

func (s *Scheduler) currentPositionLocked() int64 {
	if s.cfg.AudioDriven && s.audioPos != nil {
		return s.audioPos()
	}
	if !s.playing {
		return s.playbackStartTime
	}
	elapsed := time.Since(s.realStartTime)
	return s.playbackStartTime + int64(float64(elapsed.Milliseconds())*s.speed)
}

// Play starts (or resumes) the virtual clock from position.
func (s *Scheduler) Play(position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackStartTime = position
	s.realStartTime = time.Now()
	if s.speed <= 0 {
		s.speed = 1
	}
	s.playing = true
}

// Pause freezes the virtual clock at its current position.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackStartTime = s.currentPositionLocked()
	s.playing = false
}

// SetSpeed changes playbackSpeed while preserving currentPosition, by
// resetting playbackStartTime/realStartTime to the rate-change instant
//. x outside (0, 4] is rejected with domain.ErrValidation.
func (s *Scheduler) SetSpeed(x float64) error {
	if x <= 0 || x > 4 {
		return fmt.Errorf("scheduler: %w: speed must be in (0,4], got %v", domain.ErrValidation, x)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.currentPositionLocked()
	s.playbackStartTime = pos
	s.realStartTime = time.Now()
	s.speed = x
	return nil
}

// Speed returns the current playback speed multiplier.
func (s *Scheduler) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// EventsInRangeFunc fetches candidate events overlapping [start, end); the
// caller wires this to the buffer manager's (or coordinator's) query.
type EventsInRangeFunc func(start, end int64) []domain.TimelineEvent

// Tick enqueues events newly entering the lookahead window, then dispatches
// every ready tracked event (time due, dependencies satisfied, under the
// concurrency cap) in priority order.
func (s *Scheduler) Tick(ctx context.Context, eventsInRange EventsInRangeFunc) {
	pos := s.CurrentPosition()
	windowEnd := pos + s.cfg.LookaheadTime

	for _, ev := range eventsInRange(pos, windowEnd) {
		s.mu.Lock()
		if _, ok := s.tracked[ev.ID]; !ok && !s.completed[ev.ID] {
			s.tracked[ev.ID] = &tracked{se: domain.ScheduledEvent{
				Event: ev,
				State: domain.StateScheduled,
				ScheduledTime: ev.Timestamp,
				Priority: s.cfg.priorityFor(ev.Type),
			}}
		}
		s.mu.Unlock()
	}

	s.dispatchReady(ctx, pos)
}

// dispatchReady selects every tracked event eligible to fire right now and
// runs it, most-urgent priority first, honoring MaxConcurrentEvents.
func (s *Scheduler) dispatchReady(ctx context.Context, pos int64) {
	now := time.Now()

	s.mu.Lock()
	var ready []*tracked
	for _, t := range s.tracked {
		if t.se.IsTerminal() || t.se.State == domain.StateActive {
			continue
		}
		if !t.nextAttempt.IsZero() && now.Before(t.nextAttempt) {
			continue
		}
		if t.se.ScheduledTime > pos+s.cfg.VisualCompensation {
			continue
		}
		if !s.dependenciesSatisfiedLocked(t.se.Event.Dependencies) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i].se, ready[j].se
		if rank(a.Priority) != rank(b.Priority) {
			return rank(a.Priority) < rank(b.Priority)
		}
		return a.ScheduledTime < b.ScheduledTime
	})

	var toRun []*tracked
	for _, t := range ready {
		if s.activeCount >= s.cfg.MaxConcurrentEvents {
			break
		}
		t.se.State = domain.StateActive
		t.se.ExecStart = now
		s.activeCount++
		toRun = append(toRun, t)
	}
	s.mu.Unlock()

	for _, t := range toRun {
		go s.execute(ctx, t)
	}
}

func (s *Scheduler) dependenciesSatisfiedLocked(deps []string) bool {
	for _, d := range deps {
		if !s.completed[d] {
			return false
		}
	}
	return true
}

// execute runs one event's type-specific side effect under ExecutionTimeout,
// then records success/failure and drives the retry path.
func (s *Scheduler) execute(ctx context.Context, t *tracked) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	speed := s.Speed()
	ev := t.se.Event
	err := s.dispatchByType(runCtx, ev, speed)

	s.mu.Lock()
	s.activeCount--
	now := time.Now()
	t.se.ExecEnd = now

	if err == nil {
		t.se.State = domain.StateCompleted
		s.completed[ev.ID] = true
		s.mu.Unlock()
		return
	}

	attempts := t.se.RetryCount + 1
	if !s.policy.ShouldRetry(attempts, err) {
		t.se.State = domain.StateCancelled
		s.mu.Unlock()
		s.listener("executionFailed", map[string]any{"eventId": ev.ID, "error": err.Error()})
		return
	}
	t.se.RetryCount = attempts
	t.se.State = domain.StateScheduled
	t.nextAttempt = now.Add(s.policy.NextDelay(attempts))
	s.mu.Unlock()
	s.log.Warn("event execution failed, retrying", "event_id", ev.ID, "retry_count", attempts, "error", err)
}

func (s *Scheduler) dispatchByType(ctx context.Context, ev domain.TimelineEvent, speed float64) error {
	switch ev.Type {
	case domain.EventVisual:
		handle, err := s.exec.Visual(ctx, ev)
		if err != nil {
			return fmt.Errorf("scheduler: visual %q: %w", ev.ID, err)
		}
		s.listener("visualExecuted", map[string]any{"eventId": ev.ID, "elementId": handle})
		return nil

	case domain.EventNarration:
		req := NarrationRequest{Speed: speed, Volume: 1}
		if ev.Narration != nil {
			req.Text = ev.Narration.Text
			req.SSML = ev.Narration.SSML
			req.Voice = ev.Narration.Voice
			req.Emphasis = ev.Narration.Emphasis
		}
		handle, err := s.exec.Narration(ctx, ev, req)
		if err != nil {
			return fmt.Errorf("scheduler: narration %q: %w", ev.ID, err)
		}
		s.listener("narrationExecuted", map[string]any{"eventId": ev.ID, "audioHandle": handle})
		return nil

	case domain.EventTransition:
		req := TransitionRequest{}
		if ev.Transition != nil {
			req.Type = ev.Transition.Type
			req.Target = ev.Transition.Target
			req.Duration = int64(float64(ev.Transition.Duration) / maxf(speed, 0.01))
			req.Easing = ev.Transition.Easing
			req.Parameters = ev.Transition.Parameters
		}
		if err := s.exec.Transition(ctx, ev, req); err != nil {
			return fmt.Errorf("scheduler: transition %q: %w", ev.ID, err)
		}
		s.listener("transitionExecuted", map[string]any{"eventId": ev.ID})
		return nil

	case domain.EventEmphasis:
		if err := s.exec.Emphasis(ctx, ev); err != nil {
			return fmt.Errorf("scheduler: emphasis %q: %w", ev.ID, err)
		}
		s.listener("emphasisExecuted", map[string]any{"eventId": ev.ID})
		return nil

	case domain.EventLayoutChange:
		if err := s.exec.LayoutChange(ctx, ev); err != nil {
			return fmt.Errorf("scheduler: layout_change %q: %w", ev.ID, err)
		}
		s.listener("layoutChangeExecuted", map[string]any{"eventId": ev.ID})
		return nil

	default:
		return fmt.Errorf("scheduler: %w: unknown event type %q", domain.ErrValidation, ev.Type)
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Seek cancels every active/pending tracked event, recomputes the events
// active at p, and executes critical/high priority ones synchronously
// before resuming. activeAt supplies the events whose
// [timestamp, timestamp+duration) covers p.
func (s *Scheduler) Seek(ctx context.Context, p int64, activeAt []domain.TimelineEvent) {
	s.mu.Lock()
	for _, t := range s.tracked {
		if !t.se.IsTerminal() {
			t.se.State = domain.StateCancelled
		}
	}
	s.tracked = make(map[string]*tracked)
	s.playbackStartTime = p
	s.realStartTime = time.Now()
	s.mu.Unlock()

	var urgent []domain.TimelineEvent
	var rest []domain.TimelineEvent
	for _, ev := range activeAt {
		pr := s.cfg.priorityFor(ev.Type)
		if pr == domain.PriorityCritical || pr == domain.PriorityHigh {
			urgent = append(urgent, ev)
		} else {
			rest = append(rest, ev)
		}
	}

	for _, ev := range urgent {
		t := &tracked{se: domain.ScheduledEvent{Event: ev, State: domain.StateActive, ScheduledTime: ev.Timestamp, Priority: s.cfg.priorityFor(ev.Type)}}
		speed := s.Speed()
		if err := s.dispatchByType(ctx, ev, speed); err != nil {
			s.log.Warn("seek: synchronous execution failed", "event_id", ev.ID, "error", err)
			t.se.State = domain.StateCancelled
			continue
		}
		t.se.State = domain.StateCompleted
		s.mu.Lock()
		s.completed[ev.ID] = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	for _, ev := range rest {
		s.tracked[ev.ID] = &tracked{se: domain.ScheduledEvent{
			Event: ev, State: domain.StateScheduled, ScheduledTime: ev.Timestamp, Priority: s.cfg.priorityFor(ev.Type),
		}}
	}
	s.mu.Unlock()
}

// Stats exposes tracked/active/completed counts for diagnostics.
type Stats struct {
	Tracked int
	Active int
	Completed int
}

// Stats returns a snapshot of scheduler bookkeeping.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Tracked: len(s.tracked), Active: s.activeCount, Completed: len(s.completed)}
}
