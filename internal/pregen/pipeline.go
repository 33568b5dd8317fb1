// Package pregen implements the pre-generation pipeline (C2): a
// fixed worker pool that turns playback-position predictions into chunk
// generation requests, collapses duplicate requests for the same chunk, and
// throttles dispatch under load.
package pregen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/retrypolicy"
)

// RequestPriority is the playback-context-derived urgency of a generation
// request.
type RequestPriority string

const (
	PriorityImmediate RequestPriority = "immediate" // <= ~5s from playback
	PriorityHigh RequestPriority = "high"
	PriorityMedium RequestPriority = "medium"
	PriorityLow RequestPriority = "low"
	PriorityBackground RequestPriority = "background"
)

// rank orders priorities for promotion comparisons; lower is more urgent.
func (p RequestPriority) rank() int {
	switch p {
	case PriorityImmediate:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// deadlineFor derives a deadline from priority: immediate/high get hard
// deadlines, the rest are unbounded (spec "5s / 15s / unbounded").
func deadlineFor(p RequestPriority, now time.Time) *time.Time {
	var d time.Duration
	switch p {
	case PriorityImmediate:
		d = 5 * time.Second
	case PriorityHigh:
		d = 15 * time.Second
	default:
		return nil
	}
	t := now.Add(d)
	return &t
}

// Request describes one chunk the pipeline should try to produce.
type Request struct {
	ChunkID string
	Topic string
	Config map[string]any
	Priority RequestPriority
	Deadline *time.Time
	Dependencies []string
	EstimatedDuration time.Duration
	UserPosition int64
	RetryCount int
}

// Generator produces a chunk for req. It is invoked off the worker pool and
// must respect ctx cancellation (the pipeline cancels in-flight generations
// on Stop).
type Generator func(ctx context.Context, req Request) (domain.Chunk, error)

// Config tunes worker count, throttling and cache size.
type Config struct {
	WorkerCount int
	ThrottleThreshold float64 // fraction of busy workers that suspends dispatch; default 0.8
	MaxCacheSize int // LRU cap on generated chunks held by the pipeline
	LookaheadDistance int64 // ms, default window scaled by speed
	LookaheadChunks int // default 3
	RetryPolicy retrypolicy.Policy
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount: 3,
		ThrottleThreshold: 0.8,
		MaxCacheSize: 20,
		LookaheadDistance: 30_000,
		LookaheadChunks: 3,
		RetryPolicy: retrypolicy.DefaultPolicy(3),
	}
}

type pendingEntry struct {
	req Request
	cancel context.CancelFunc
}

// Pipeline is the C2 worker pool.
type Pipeline struct {
	log *logger.Logger
	cfg Config
	gen Generator

	limiter *rate.Limiter
	sf singleflight.Group

	mu sync.Mutex
	pending map[string]*pendingEntry
	cache *lruCache
	busyWorkers int
}

// New constructs a pipeline. gen is called once per distinct chunk id
// actually dispatched to a worker.
func New(log *logger.Logger, cfg Config, gen Generator) *Pipeline {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retrypolicy.DefaultPolicy(3)
	}
	return &Pipeline{
		log: log.With("component", "PregenPipeline"),
		cfg: cfg,
		gen: gen,
		limiter: rate.NewLimiter(rate.Limit(cfg.WorkerCount), cfg.WorkerCount),
		pending: make(map[string]*pendingEntry),
		cache: newLRUCache(cfg.MaxCacheSize),
	}
}

// SetConcurrency retunes the pipeline's worker-pool rate limiter to allow at
// most n concurrent dispatches. The adaptive buffer controller (C8) calls
// this when a strategy's MaxConcurrentLoads changes enough to apply.
func (p *Pipeline) SetConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	p.cfg.WorkerCount = n
	p.mu.Unlock()
	p.limiter.SetLimit(rate.Limit(n))
	p.limiter.SetBurst(n)
}

// Request enqueues a generation request. A request for a chunk id already
// cached or in flight is collapsed: if the new request's priority is more
// urgent than the in-flight one's, the in-flight one is promoted.
func (p *Pipeline) Request(ctx context.Context, req Request) (domain.Chunk, error) {
	if req.ChunkID == "" {
		return domain.Chunk{}, fmt.Errorf("pregen: %w: chunk id required", domain.ErrValidation)
	}
	if req.Deadline == nil {
		req.Deadline = deadlineFor(req.Priority, time.Now())
	}

	if chunk, ok := p.cache.get(req.ChunkID); ok {
		return chunk, nil
	}

	p.mu.Lock()
	if existing, ok := p.pending[req.ChunkID]; ok {
		if req.Priority.rank() < existing.req.Priority.rank() {
			existing.req.Priority = req.Priority
			existing.req.Deadline = req.Deadline
			p.log.Info("promoted in-flight request", "chunk_id", req.ChunkID, "priority", string(req.Priority))
		}
		p.mu.Unlock()
	} else {
		reqCtx, cancel := context.WithCancel(ctx)
		p.pending[req.ChunkID] = &pendingEntry{req: req, cancel: cancel}
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.pending, req.ChunkID)
			p.mu.Unlock()
		}()
		ctx = reqCtx
	}

	// The caller that registered the id and any concurrent duplicates all
	// go through the same singleflight key, so the chunk is dispatched once
	// and every caller for it gets the same result.
	v, err, _ := p.sf.Do(req.ChunkID, func() (any, error) {
		return p.dispatch(ctx, req)
	})
	if err != nil {
		return domain.Chunk{}, err
	}
	return v.(domain.Chunk), nil
}

// busyFraction reports the current fraction of workers in use.
func (p *Pipeline) busyFraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.busyWorkers) / float64(p.cfg.WorkerCount)
}

func (p *Pipeline) dispatch(ctx context.Context, req Request) (domain.Chunk, error) {
	// Resource throttling: wait for headroom before consuming a worker slot
	// (spec "dispatch is suspended until a worker frees").
	for p.busyFraction() >= p.cfg.ThrottleThreshold {
		select {
		case <-ctx.Done():
			return domain.Chunk{}, fmt.Errorf("pregen: %w", domain.ErrCancelled)
		case <-time.After(25 * time.Millisecond):
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.Chunk{}, fmt.Errorf("pregen: %w", domain.ErrCancelled)
	}

	p.mu.Lock()
	p.busyWorkers++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.busyWorkers--
		p.mu.Unlock()
	}()

	policy := p.cfg.RetryPolicy
	var lastErr error
	for attempt := 1; ; attempt++ {
		chunk, err := p.gen(ctx, req)
		if err == nil {
			p.cache.put(req.ChunkID, chunk)
			return chunk, nil
		}
		lastErr = err
		if !policy.ShouldRetry(attempt, err) {
			break
		}
		select {
		case <-ctx.Done():
			return domain.Chunk{}, fmt.Errorf("pregen: %w", domain.ErrCancelled)
		case <-time.After(policy.NextDelay(attempt)):
		}
	}
	return domain.Chunk{}, fmt.Errorf("pregen: generate %q: %w: %v", req.ChunkID, domain.ErrGenerationFailure, lastErr)
}

// PredictNext selects up to LookaheadChunks chunk ids from available (chunk
// ids not yet produced) that fall within lookaheadDistance·speedFactor of
// position, and returns them as Requests with a computed priority.
func (p *Pipeline) PredictNext(position int64, speedFactor float64, available []Request) []Request {
	if speedFactor <= 0 {
		speedFactor = 1
	}
	window := int64(float64(p.cfg.LookaheadDistance) * speedFactor)

	inWindow := make([]Request, 0, len(available))
	for _, r := range available {
		distance := r.UserPosition - position
		if distance < 0 {
			distance = -distance
		}
		if distance <= window {
			inWindow = append(inWindow, r)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool {
		return inWindow[i].UserPosition < inWindow[j].UserPosition
	})
	if len(inWindow) > p.cfg.LookaheadChunks {
		inWindow = inWindow[:p.cfg.LookaheadChunks]
	}
	for i := range inWindow {
		distance := inWindow[i].UserPosition - position
		if distance < 0 {
			distance = -distance
		}
		switch {
		case distance <= 5000:
			inWindow[i].Priority = PriorityImmediate
		case distance <= 15000:
			inWindow[i].Priority = PriorityHigh
		case distance <= window/2:
			inWindow[i].Priority = PriorityMedium
		default:
			inWindow[i].Priority = PriorityLow
		}
	}
	return inWindow
}

// RunBatch fans requests out across the worker pool concurrently using
// errgroup, returning as soon as every request has resolved (succeeded,
// failed after retries, or was cancelled).
func (p *Pipeline) RunBatch(ctx context.Context, reqs []Request) ([]domain.Chunk, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.WorkerCount)

	chunks := make([]domain.Chunk, len(reqs))
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			chunk, err := p.Request(gctx, req)
			if err != nil {
				return err
			}
			chunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Stop cancels every in-flight generation; their eventual completions (if
// any arrive after cancellation) are dropped by the caller's ctx check.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	for _, entry := range p.pending {
		entry.cancel()
	}
	p.pending = make(map[string]*pendingEntry)
	p.mu.Unlock()
}
