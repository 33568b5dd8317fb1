package engineapp

import (
	"context"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/audio"
	"github.com/lessonstream/engine/internal/buffer"
	"github.com/lessonstream/engine/internal/coordinator"
	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/httpapi"
	"github.com/lessonstream/engine/internal/layout"
	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/platform/neo4jdb"
	"github.com/lessonstream/engine/internal/playback"
	"github.com/lessonstream/engine/internal/pregen"
	"github.com/lessonstream/engine/internal/queue"
	"github.com/lessonstream/engine/internal/realtime"
	"github.com/lessonstream/engine/internal/retrypolicy"
	"github.com/lessonstream/engine/internal/scheduler"
	"github.com/lessonstream/engine/internal/storage"
)

// defaultCanvasWidth/Height seed the layout engine's region manager before
// the first real Resize call from a connected renderer.
const (
	defaultCanvasWidth = 1280.0
	defaultCanvasHeight = 720.0
	tickInterval = 16 * time.Millisecond // ~60Hz "frame callback"
)

// Session is one lesson's complete C1-C8 stack, wired together and driven
// by one background goroutine per logical clock (frame tick, buffer
// cleanup, pre-generation queue drain). Adaptive sampling runs only when
// SampleEnvironment is called.
type Session struct {
	id string
	log *logger.Logger
	hub *realtime.SSEHub

	queue *queue.Queue
	pregen *pregen.Pipeline
	coord *coordinator.Coordinator
	buf *buffer.Manager
	aud *audio.Manager
	lay *layout.Engine
	sched *scheduler.Scheduler
	ctrl *playback.Controller
	adapt *playback.AdaptiveController

	store storage.ChunkStore
	neo4j *neo4jdb.Client

	genMu sync.RWMutex
	gen Generator
	dec Decoder

	cancel context.CancelFunc
	wg sync.WaitGroup
}

func newSession(id string, log *logger.Logger, cfg config.Config, hub *realtime.SSEHub, store storage.ChunkStore, neo4j *neo4jdb.Client) *Session {
	slog := log.With("session", id)

	s := &Session{id: id, log: slog, hub: hub, store: store, neo4j: neo4j}

	s.queue = queue.New(slog, queue.Config{
		Capacity: cfg.Queue.Capacity,
		MaxAge: config.Seconds(cfg.Queue.MaxAgeSeconds),
		DecayAge: config.Seconds(cfg.Queue.DecayAgeSeconds),
		DefaultPolicy: retryPolicyFrom(cfg.Queue.RetryBaseMS, cfg.Queue.RetryCapMS, 5),
	})

	s.pregen = pregen.New(slog, pregen.Config{
		WorkerCount: cfg.Pregen.WorkerCount,
		ThrottleThreshold: cfg.Pregen.ThrottleThreshold,
		MaxCacheSize: cfg.Pregen.MaxCacheSize,
		LookaheadDistance: cfg.Pregen.LookaheadDistanceMS,
		LookaheadChunks: cfg.Pregen.LookaheadChunks,
	}, s.generate)

	s.coord = coordinator.New(slog, coordinator.Config{
		ContinueOnError: cfg.Coordinator.ContinueOnError,
		MaxCachedChunks: cfg.Coordinator.MaxCachedChunks,
		EvictionWindow: config.Seconds(cfg.Coordinator.EvictionWindowSeconds),
		MinRetainedChunks: cfg.Coordinator.MinRetainedChunks,
	}, s.broadcast)

	s.buf = buffer.New(slog, buffer.Config{
		TargetBuffer: cfg.Buffer.TargetBufferMS,
		MinStartBuffer: cfg.Buffer.MinStartBufferMS,
		UrgentThreshold: cfg.Buffer.UrgentThresholdMS,
		MaxAge: config.Seconds(cfg.Buffer.MaxAgeSeconds),
		MaxBuffer: cfg.Buffer.MaxBufferMS,
		CleanupThreshold: cfg.Buffer.CleanupThreshold,
		CleanupInterval: config.Seconds(cfg.Buffer.CleanupIntervalSeconds),
		MaxMemoryBytes: buffer.DefaultConfig().MaxMemoryBytes,
	}, s.broadcast)

	s.aud = audio.New(slog, audio.Config{
		TargetAudioBuffer: cfg.Audio.TargetAudioBufferMS,
		MinAudioBuffer: cfg.Audio.MinAudioBufferMS,
		BufferWaitTimeout: config.Seconds(cfg.Audio.BufferWaitTimeoutSeconds),
		CrossfadeDuration: cfg.Audio.CrossfadeDurationMS,
		PreloadConcurrency: cfg.Audio.PreloadConcurrency,
		SignificantChangePct: cfg.Audio.SignificantChangePct,
		RecalibrationPct: cfg.Audio.RecalibrationPct,
	}, s.decode, s.broadcast)

	s.lay = layout.New(slog, layout.Config{
		Cache: layout.CacheConfig{
			Capacity: cfg.Layout.CacheCapacity,
			TTL: config.Seconds(cfg.Layout.CacheTTLSeconds),
			Strategy: layout.EvictionStrategy(cfg.Layout.CacheStrategy),
			CompressionThreshold: config.Seconds(cfg.Layout.CacheTTLSeconds) / 2,
			MaxMemoryBytes: 32 * 1024 * 1024,
		},
		CellSize: cfg.Layout.CellSize,
		PrecacheRadius: cfg.Layout.PrecacheRadiusMS,
		PrecacheCount: cfg.Layout.PrecacheCount,
	}, defaultCanvasWidth, defaultCanvasHeight)

	exec := newDefaultExecutor(s.lay, s.aud, s.coord.EventsAtTime)

	audioPos := s.aud.CurrentPosition
	s.sched = scheduler.New(slog, scheduler.Config{
		LookaheadTime: cfg.Scheduler.LookaheadTimeMS,
		VisualCompensation: cfg.Scheduler.VisualCompensationMS,
		MaxConcurrentEvents: cfg.Scheduler.MaxConcurrentEvents,
		ExecutionTimeout: config.Seconds(cfg.Scheduler.ExecutionTimeoutSeconds),
		MaxRetries: cfg.Scheduler.MaxRetries,
		SyncTolerance: config.MS(cfg.Scheduler.SyncToleranceMS),
		AudioDriven: cfg.Scheduler.AudioDriven,
	}, exec, s.broadcast, audioPos)

	s.ctrl = playback.New(slog, playback.Config{
		PositionTickInterval: config.MS(int64(cfg.Playback.PositionTickIntervalMS)),
		MaxBufferWaitTime: config.Seconds(cfg.Playback.MaxBufferWaitSeconds),
		AutoPauseOnUnderrun: cfg.Playback.AutoPauseOnUnderrun,
		UnderrunThreshold: cfg.Playback.UnderrunThresholdMS,
		SeekLookahead: cfg.Playback.SeekLookaheadMS,
	}, s.buf, s.coord, s.broadcast)

	s.adapt = playback.NewAdaptiveController()

	return s
}

// retryPolicyFrom builds a retrypolicy.Policy from the queue's configured
// base/cap backoff.
func retryPolicyFrom(baseMS, capMS int, maxAttempts int) retrypolicy.Policy {
	p := retrypolicy.DefaultPolicy(maxAttempts)
	if baseMS > 0 {
		p.MinBackoff = config.MS(int64(baseMS))
	}
	if capMS > 0 {
		p.MaxBackoff = config.MS(int64(capMS))
	}
	return p
}

// ID returns the session's identifier, as handed to the caller of
// App.CreateSession.
func (s *Session) ID() string { return s.id }

// broadcast is the shared EventListener every component is constructed
// with: it fans the named notification out over this session's SSE
// channel. The listener signature is identical across coordinator, buffer,
// audio, scheduler and playback packages by design, so one
// function satisfies all five.
func (s *Session) broadcast(name string, data map[string]any) {
	if s.hub != nil {
		s.hub.Broadcast(realtime.SSEMessage{
			Channel: s.id,
			Event: realtime.SSEEvent(name),
			Data: data,
		})
	}
	if name == "error" {
		s.log.Warn("session error event", "data", data)
	}
}

// SetGenerator registers the content-generation collaborator. Safe to call
// at any time; nil clears it.
func (s *Session) SetGenerator(gen Generator) {
	s.genMu.Lock()
	s.gen = gen
	s.genMu.Unlock()
}

// SetDecoder registers the TTS/audio-decode collaborator.
func (s *Session) SetDecoder(dec Decoder) {
	s.genMu.Lock()
	s.dec = dec
	s.genMu.Unlock()
}

func (s *Session) generate(ctx context.Context, req pregen.Request) (domain.Chunk, error) {
	s.genMu.RLock()
	gen := s.gen
	s.genMu.RUnlock()
	if gen == nil {
		return domain.Chunk{}, domain.ErrGenerationFailure
	}
	return gen(ctx, req)
}

func (s *Session) decode(ctx context.Context, chunk audio.AudioChunk) ([]byte, error) {
	s.genMu.RLock()
	dec := s.dec
	s.genMu.RUnlock()
	if dec == nil {
		return nil, domain.ErrDecodeError
	}
	return dec(ctx, chunk)
}

// IngestChunk runs a producer-supplied chunk through the full ingest path:
// coordinator validation/globalization/indexing, buffer region creation,
// narration-event registration with the audio manager, opportunistic
// persistence, and (if configured) concept-graph export.
func (s *Session) IngestChunk(ctx context.Context, chunk domain.Chunk) (coordinator.IngestResult, error) {
	result, err := s.coord.Ingest(chunk)
	if err != nil {
		return result, err
	}

	s.buf.IngestChunk(chunk)

	globalized := chunk
	for _, c := range s.coord.OrderedChunks() {
		if c.ChunkID == chunk.ChunkID {
			globalized = c
			break
		}
	}
	for _, ev := range globalized.Events {
		if ev.Type == domain.EventNarration {
			if _, err := s.aud.IngestEvent(ev); err != nil {
				s.log.Warn("session: narration event registration failed", "event_id", ev.ID, "error", err)
			}
		}
	}

	if s.store != nil {
		if err := s.store.Set(ctx, globalized); err != nil {
			s.log.Warn("session: chunk persistence failed", "chunk_id", chunk.ChunkID, "error", err)
		}
	}

	exportConceptGraph(ctx, s.log, s.neo4j, s.id, s.coord)

	s.broadcast("chunkReady", map[string]any{"chunkId": chunk.ChunkID})
	return result, nil
}

// Start launches the session's background clocks: the ~60Hz frame tick
// (scheduler dispatch and the playback controller's Tick), the periodic
// buffer cleanup loop, and the 200ms pre-generation queue drain.
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.frameLoop(ctx)

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.wg.Add(1)
	go s.pregenLoop(ctx)
}

// pregenLoop drains the priority queue (C1) at a fixed cadence, dispatching
// at most one ready generation request per tick to the pre-generation
// pipeline (C2), "up to one item per tick".
func (s *Session) pregenLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.queue.Tick(ctx, s.dispatchGeneration)
			s.queue.Cleanup()
		}
	}
}

func (s *Session) dispatchGeneration(ctx context.Context, item queue.Item) error {
	req, ok := item.Payload.(pregen.Request)
	if !ok {
		return domain.ErrValidation
	}
	req.RetryCount = item.RetryCount()
	chunk, err := s.pregen.Request(ctx, req)
	if err != nil {
		return err
	}
	_, err = s.IngestChunk(ctx, chunk)
	return err
}

// RequestGeneration enqueues a chunk generation request onto the priority
// queue (C1), which retries it on failure. A request whose chunk id is
// already pending in the queue is rejected with domain.ErrDuplicateID; it
// is neither collapsed into nor promotes the pending one. The queue's
// Handler (dispatchGeneration) is what actually calls the pre-generation
// pipeline.
func (s *Session) RequestGeneration(req pregen.Request) error {
	timeout := 30 * time.Second
	if req.Deadline != nil {
		if d := time.Until(*req.Deadline); d > 0 {
			timeout = d
		}
	}
	return s.queue.Insert(queue.Item{
		ID: req.ChunkID,
		Priority: toQueuePriority(priorityFromRequest(req.Priority)),
		Deadline: req.Deadline,
		Dependencies: req.Dependencies,
		MaxRetries: 5,
		Timeout: timeout,
		Tags: []string{"pregen"},
		Payload: req,
	})
}

// PredictAndEnqueue asks the pre-generation pipeline which chunks to
// request next given the current playback position and speed , then enqueues each onto the priority queue.
func (s *Session) PredictAndEnqueue(position int64, speedFactor float64, available []pregen.Request) {
	for _, req := range s.pregen.PredictNext(position, speedFactor, available) {
		if err := s.RequestGeneration(req); err != nil {
			s.log.Debug("session: prediction request not enqueued", "chunk_id", req.ChunkID, "error", err)
		}
	}
}

// priorityFromRequest maps a pregen.RequestPriority back onto the shared
// domain.Priority band so toQueuePriority can reuse one mapping table.
func priorityFromRequest(p pregen.RequestPriority) domain.Priority {
	switch p {
	case pregen.PriorityImmediate:
		return domain.PriorityCritical
	case pregen.PriorityHigh:
		return domain.PriorityHigh
	case pregen.PriorityMedium:
		return domain.PriorityMedium
	case pregen.PriorityLow:
		return domain.PriorityLow
	default:
		return domain.PriorityIdle
	}
}

func (s *Session) frameLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ctrl.Tick()
			if s.ctrl.State() == playback.StatePlaying {
				s.sched.Tick(ctx, s.coord.EventsInRange)
			}
			if s.buf.CheckUrgent(s.ctrl.CurrentPosition()) {
				s.broadcast("bufferUrgent", map[string]any{"position": s.ctrl.CurrentPosition()})
			}
		}
	}
}

func (s *Session) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pos := s.ctrl.CurrentPosition()
			s.buf.Cleanup(pos, s.buf.MemoryUsageFraction())
			s.coord.SetPlaybackPosition(pos)
			s.coord.Evict()
			s.lay.Optimize(layoutEntrySize)
			s.lay.Precache(pos, upcomingKeyframes(s.coord, pos), s.coord.EventsAtTime)
		}
	}
}

// upcomingKeyframes returns every ingested chunk's start-of-chunk timestamp
// at or after pos, ordered, as candidate precache targets for the layout
// engine (C6). Chunk boundaries are natural seek targets: a renderer that
// jumps to a chunk start should already have its layout warm.
func upcomingKeyframes(coord *coordinator.Coordinator, pos int64) []int64 {
	chunks := coord.OrderedChunks()
	keyframes := make([]int64, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.StartTimeOffset >= pos {
			keyframes = append(keyframes, chunk.StartTimeOffset)
		}
	}
	return keyframes
}

// layoutEntrySize estimates a cached layout entry's footprint for the
// cache's MaxMemoryBytes enforcement: a fixed per-entry overhead plus each
// element's and transition's rough encoded size.
func layoutEntrySize(entry domain.LayoutCacheEntry) int64 {
	const baseOverhead = 96
	const perElement = 160
	const perTransition = 48
	return baseOverhead + int64(len(entry.Elements))*perElement + int64(len(entry.TransitionData))*perTransition
}

// SampleEnvironment feeds a fresh network/device/behavior reading into the
// adaptive buffer controller (C8) and, if the derived strategy
// clears the hysteresis gate, pushes its tunables down into the buffer
// manager (C4) and pre-generation pipeline (C2) and broadcasts
// strategyChanged. Callers (the HTTP control plane, a future background
// sampler) own deciding when a fresh reading is available.
func (s *Session) SampleEnvironment(net playback.NetworkSample, dev playback.DeviceSample, behavior playback.BehaviorSample) playback.Strategy {
	strategy, changed := s.adapt.Sample(net, dev, behavior)
	if !changed {
		return strategy
	}
	s.buf.ApplyStrategy(strategy.TargetBufferSize, strategy.MaxBufferSize)
	s.pregen.SetConcurrency(strategy.MaxConcurrentLoads)
	s.broadcast("strategyChanged", map[string]any{
		"minBufferSize": strategy.MinBufferSize,
		"targetBufferSize": strategy.TargetBufferSize,
		"maxBufferSize": strategy.MaxBufferSize,
		"aggressivePreloading": strategy.AggressivePreloading,
		"qualityAdaptation": strategy.QualityAdaptation,
		"memoryConscious": strategy.MemoryConscious,
		"maxConcurrentLoads": strategy.MaxConcurrentLoads,
	})
	return strategy
}

// Seek seeks both the playback controller and the event scheduler so a
// jump recomputes active-at-position events and cancels stale ones.
func (s *Session) Seek(position int64) (int64, bool) {
	res := s.ctrl.Seek(position)
	active := s.coord.EventsAtTime(res.Position)
	s.sched.Seek(context.Background(), res.Position, active)
	return res.Position, res.WasImmediate
}

func (s *Session) httpSession() httpapi.Session {
	return httpapi.Session{
		ID: s.id,
		Play: s.ctrl.Play,
		Pause: s.ctrl.Pause,
		Seek: s.Seek,
		SetSpeed: func(speed float64) error {
			if err := s.ctrl.SetSpeed(speed); err != nil {
				return err
			}
			return s.sched.SetSpeed(speed)
		},
		SetVolume: func(v float64) {
			s.ctrl.SetVolume(v)
			s.aud.SetMasterVolume(v)
		},
		State: func() string { return string(s.ctrl.State()) },
		CurrentPosition: s.ctrl.CurrentPosition,
		Environment: s.httpEnvironment,
		ReportDuration: s.ReportMeasuredDuration,
	}
}

// ReportMeasuredDuration forwards a client- or decoder-measured chunk
// duration into the audio manager's recalibration pass (C5) and
// broadcasts the outcome so connected renderers can reflow their own
// timelines in step.
func (s *Session) ReportMeasuredDuration(chunkID string, measuredMS int64) (httpapi.DurationReport, error) {
	result, err := s.aud.ReportMeasuredDuration(chunkID, measuredMS)
	if err != nil {
		return httpapi.DurationReport{}, err
	}
	if result == nil {
		return httpapi.DurationReport{}, nil
	}
	s.broadcast("durationRecalibrated", map[string]any{
		"chunkId": chunkID,
		"adjustments": result.Adjustments,
		"totalDuration": result.TotalDuration,
	})
	return httpapi.DurationReport{
		Adjustments: result.Adjustments,
		TotalDuration: result.TotalDuration,
		Recalibrated: result.Adjustments > 0,
	}, nil
}

// httpEnvironment adapts the HTTP layer's wire-shaped EnvironmentSample into
// the playback package's sample types, feeds the adaptive controller, and
// adapts its Strategy back for the response.
func (s *Session) httpEnvironment(sample httpapi.EnvironmentSample) httpapi.StrategyResult {
	strategy := s.SampleEnvironment(
		playback.NetworkSample{
			EffectiveType: sample.NetworkEffectiveType,
			DownlinkMbps: sample.NetworkDownlinkMbps,
			RTT: time.Duration(sample.NetworkRTTMS) * time.Millisecond,
			SaveData: sample.NetworkSaveData,
		},
		playback.DeviceSample{
			Memory: playback.MemoryPressure(sample.DeviceMemory),
			Cores: sample.DeviceCores,
		},
		playback.BehaviorSample{
			SeekFrequency: sample.BehaviorSeekFrequency,
			CompletionRate: sample.BehaviorCompletionRate,
			PauseFrequency: sample.BehaviorPauseFrequency,
		},
	)
	return httpapi.StrategyResult{
		MinBufferSize: strategy.MinBufferSize,
		TargetBufferSize: strategy.TargetBufferSize,
		MaxBufferSize: strategy.MaxBufferSize,
		AggressivePreloading: strategy.AggressivePreloading,
		QualityAdaptation: strategy.QualityAdaptation,
		MemoryConscious: strategy.MemoryConscious,
		MaxConcurrentLoads: strategy.MaxConcurrentLoads,
	}
}

// Close shuts the session's components down in dependency-reverse order.
// C6/C3/C1 have no background goroutines of their own to stop; C8's
// tickers and C2's in-flight generations are the ones that need explicit
// cancellation.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.ctrl.Stop()
	s.pregen.Stop()
}
