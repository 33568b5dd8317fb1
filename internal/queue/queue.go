// Package queue implements the generic priority + dependency + retry
// scheduler. engineapp.Session uses it to order chunk generation requests:
// each request travels as an Item's opaque Payload, and the Handler passed
// to Tick hands it to the pre-generation pipeline (C2). The pipeline and
// the event scheduler (C7) do not use this package themselves.
package queue

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

// Priority bands, highest first. Int value only matters for ordering and
// demotion ("one band lower"); do not persist it externally.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
)

// demote returns the next-lower priority band, saturating at PriorityIdle.
func (p Priority) demote() Priority {
	if p >= PriorityIdle {
		return PriorityIdle
	}
	return p + 1
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Item is one unit of work. Payload is opaque to the queue; callers type-
// assert it back out inside their Handler.
type Item struct {
	ID string
	Priority Priority
	CreatedAt time.Time
	Deadline *time.Time
	Dependencies []string
	MaxRetries int
	Timeout time.Duration
	Tags []string
	Payload any

	retryCount int
	nextAttempt time.Time // zero until a retry has been scheduled
}

// RetryCount reports how many times this item has already failed and been
// re-enqueued.
func (it Item) RetryCount() int { return it.retryCount }

// Stats is the snapshot returned by Queue.Stats.
type Stats struct {
	Total int
	ByPriority map[Priority]int
	Succeeded int
	Failed int
	TimedOut int
	Dropped int
}

// Efficiency returns Succeeded / (Succeeded + Failed), or 0 when neither has
// happened yet.
func (s Stats) Efficiency() float64 {
	denom := s.Succeeded + s.Failed
	if denom == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(denom)
}

// Handler executes one ready item. A returned error counts as a failure and
// drives the retry/backoff path; ctx is cancelled if Timeout elapses first.
type Handler func(ctx context.Context, item Item) error

// Config tunes the queue's capacity and decay behavior.
type Config struct {
	Capacity int // 0 = unbounded
	MaxAge time.Duration // Cleanup removes items older than this regardless of state; 0 disables
	DecayAge time.Duration // items older than this get demoted one band; 0 disables decay
	DefaultPolicy retrypolicy.Policy
}

// DefaultConfig matches the default backoff curve: base 1s / cap 30s, no
// capacity limit, no decay.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy: retrypolicy.DefaultPolicy(5),
	}
}

// Queue is a single-flight priority queue: completed/dropped bookkeeping and
// the pending set are all guarded by one mutex, since dispatch only ever
// processes one item per Tick by design.
type Queue struct {
	log *logger.Logger
	cfg Config

	mu sync.Mutex
	pending map[string]*Item
	completed map[string]struct{}
	stats Stats
}

// New constructs an empty queue.
func New(log *logger.Logger, cfg Config) *Queue {
	if cfg.DefaultPolicy.MaxAttempts == 0 {
		cfg.DefaultPolicy = retrypolicy.DefaultPolicy(5)
	}
	return &Queue{
		log: log.With("component", "Queue"),
		cfg: cfg,
		pending: make(map[string]*Item),
		completed: make(map[string]struct{}),
		stats: Stats{ByPriority: make(map[Priority]int)},
	}
}

// Insert adds item to the queue. Returns domain.ErrQueueFull at capacity and
// domain.ErrDuplicateID if item.ID is already pending.
func (q *Queue) Insert(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[item.ID]; exists {
		return fmt.Errorf("queue: insert %q: %w", item.ID, domain.ErrDuplicateID)
	}
	if q.cfg.Capacity > 0 && len(q.pending) >= q.cfg.Capacity {
		return fmt.Errorf("queue: insert %q: %w", item.ID, domain.ErrQueueFull)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	cp := item
	q.pending[cp.ID] = &cp
	q.stats.Total++
	q.stats.ByPriority[cp.Priority]++
	return nil
}

// Remove drops id from pending regardless of state, without marking it
// completed or failed.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.pending[id]; ok {
		q.stats.ByPriority[it.Priority]--
		delete(q.pending, id)
	}
}

// ready reports whether item can be dispatched right now: its deadline (if
// any) has not passed, every dependency is completed, and any retry backoff
// has elapsed.
func (q *Queue) ready(item *Item, now time.Time) bool {
	if item.Deadline != nil && now.After(*item.Deadline) {
		return false
	}
	if !item.nextAttempt.IsZero() && now.Before(item.nextAttempt) {
		return false
	}
	for _, dep := range item.Dependencies {
		if _, ok := q.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// next selects the highest-priority ready item: priority ascending (lower
// enum value = higher priority), then deadline ascending (no-deadline
// last), then CreatedAt ascending (FIFO).
func (q *Queue) next(now time.Time) *Item {
	var candidates []*Item
	for _, it := range q.pending {
		if q.ready(it, now) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		ad, bd := a.Deadline, b.Deadline
		switch {
		case ad != nil && bd != nil && !ad.Equal(*bd):
			return ad.Before(*bd)
		case ad != nil && bd == nil:
			return true
		case ad == nil && bd != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return candidates[0]
}

// Tick applies priority decay (if configured), then dispatches at most one
// ready item to handler, honoring the item's Timeout. On failure it either
// re-enqueues with backoff and a demoted priority, or drops the item once
// MaxRetries is exceeded.
func (q *Queue) Tick(ctx context.Context, handler Handler) error {
	now := time.Now()
	q.applyDecay(now)

	q.mu.Lock()
	item := q.next(now)
	if item == nil {
		q.mu.Unlock()
		return nil
	}
	delete(q.pending, item.ID)
	q.stats.ByPriority[item.Priority]--
	dispatched := *item
	q.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if dispatched.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, dispatched.Timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- handler(runCtx, dispatched)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-runCtx.Done():
		err = fmt.Errorf("queue: item %q: %w", dispatched.ID, domain.ErrExecutionTimeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.completed[dispatched.ID] = struct{}{}
		q.stats.Succeeded++
		return nil
	}

	timedOut := runCtx.Err() != nil
	if timedOut {
		q.stats.TimedOut++
	} else {
		q.stats.Failed++
	}

	policy := q.cfg.DefaultPolicy
	if dispatched.MaxRetries > 0 {
		// MaxRetries counts retries after the first attempt.
		policy.MaxAttempts = dispatched.MaxRetries + 1
	}
	if !policy.ShouldRetry(dispatched.retryCount+1, err) {
		q.stats.Dropped++
		q.log.Warn("dropping item after exhausting retries", "item_id", dispatched.ID, "retry_count", dispatched.retryCount)
		return nil
	}

	dispatched.retryCount++
	dispatched.Priority = dispatched.Priority.demote()
	dispatched.nextAttempt = now.Add(policy.NextDelay(dispatched.retryCount))
	q.pending[dispatched.ID] = &dispatched
	q.stats.ByPriority[dispatched.Priority]++
	q.stats.Total++
	return err
}

// applyDecay demotes items older than DecayAge by one priority band. Called
// automatically at the top of every Tick; harmless no-op when DecayAge is 0.
func (q *Queue) applyDecay(now time.Time) {
	if q.cfg.DecayAge <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.pending {
		if now.Sub(it.CreatedAt) > q.cfg.DecayAge && it.Priority != PriorityIdle {
			it.Priority = it.Priority.demote()
		}
	}
}

// Cleanup removes pending items older than MaxAge regardless of state.
// Returns the number of items removed. A zero MaxAge disables cleanup.
func (q *Queue) Cleanup() int {
	if q.cfg.MaxAge <= 0 {
		return 0
	}
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, it := range q.pending {
		if now.Sub(it.CreatedAt) > q.cfg.MaxAge {
			q.stats.ByPriority[it.Priority]--
			delete(q.pending, id)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.stats
	out.ByPriority = make(map[Priority]int, len(q.stats.ByPriority))
	for k, v := range q.stats.ByPriority {
		out.ByPriority[k] = v
	}
	return out
}

// Len returns the number of items currently pending (any state).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// MarkCompleted records id as completed without dispatching it, for
// integrating external completions (e.g. dependencies satisfied by another
// subsystem) into this queue's dependency graph.
func (q *Queue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = struct{}{}
}
