package engineapp

import (
	"context"
	"testing"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/playback"
	"github.com/lessonstream/engine/internal/pregen"
	"github.com/lessonstream/engine/internal/realtime"
	"github.com/lessonstream/engine/internal/storage"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(testLogger(t))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	log := testLogger(t)
	cfg := testConfig(t)
	hub := realtime.NewSSEHub(log)
	store := storage.NewMemoryStore()
	sess := newSession("test-session", log, cfg, hub, store, nil)
	return sess
}

func sampleChunk(id string, number int, start, duration int64) domain.Chunk {
	return domain.Chunk{
		ChunkID:         id,
		ChunkNumber:     number,
		StartTimeOffset: start,
		Duration:        duration,
		ContentType:     "lesson",
		Events: []domain.TimelineEvent{
			{
				ID:        id + "-narration",
				Type:      domain.EventNarration,
				Timestamp: 0,
				Duration:  duration,
				Narration: &domain.NarrationContent{Text: "hello world"},
			},
		},
	}
}

func TestSessionIngestChunkRegistersBufferAndAudio(t *testing.T) {
	sess := newTestSession(t)

	result, err := sess.IngestChunk(context.Background(), sampleChunk("chunk-1", 1, 0, 5000))
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected chunk to be accepted, got %+v", result)
	}
	if !sess.buf.IsReady(0) {
		t.Fatalf("expected buffer to report ready at position 0 after ingest")
	}
	if _, ok := sess.aud.Chunk("chunk-1-narration"); !ok {
		t.Fatalf("expected audio manager to register the chunk's narration event")
	}
}

func TestSessionRequestGenerationDispatchesThroughQueue(t *testing.T) {
	sess := newTestSession(t)

	generated := make(chan string, 1)
	sess.SetGenerator(func(ctx context.Context, req pregen.Request) (domain.Chunk, error) {
		generated <- req.ChunkID
		return sampleChunk(req.ChunkID, 1, 0, 4000), nil
	})

	if err := sess.RequestGeneration(pregen.Request{
		ChunkID:  "chunk-2",
		Topic:    "intro",
		Priority: pregen.PriorityImmediate,
	}); err != nil {
		t.Fatalf("RequestGeneration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.queue.Tick(ctx, sess.dispatchGeneration); err != nil {
		t.Fatalf("queue.Tick: %v", err)
	}

	select {
	case id := <-generated:
		if id != "chunk-2" {
			t.Fatalf("expected chunk-2, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("generator was never invoked")
	}
}

func TestSessionGenerateWithoutGeneratorFails(t *testing.T) {
	sess := newTestSession(t)
	_, err := sess.generate(context.Background(), pregen.Request{ChunkID: "c"})
	if err == nil {
		t.Fatal("expected an error with no generator configured")
	}
}

func TestSessionSeekUpdatesControllerAndScheduler(t *testing.T) {
	sess := newTestSession(t)
	if _, err := sess.IngestChunk(context.Background(), sampleChunk("chunk-3", 1, 0, 10_000)); err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}

	pos, _ := sess.Seek(2000)
	if pos != 2000 {
		t.Fatalf("expected seek to report position 2000, got %d", pos)
	}
	if got := sess.ctrl.CurrentPosition(); got != 2000 {
		t.Fatalf("expected controller position 2000, got %d", got)
	}
	if got := sess.sched.Stats().Tracked; got != 1 {
		t.Fatalf("expected scheduler to track the narration event active at 2000 after seek, got %d", got)
	}
}

func TestSessionSampleEnvironmentAppliesStrategyOnFirstSample(t *testing.T) {
	sess := newTestSession(t)

	strategy := sess.SampleEnvironment(
		playback.NetworkSample{EffectiveType: "slow-2g"},
		playback.DeviceSample{Memory: playback.MemoryCritical, Cores: 2},
		playback.BehaviorSample{},
	)

	if strategy.MaxConcurrentLoads != 1 {
		t.Fatalf("expected memory-critical strategy to cap concurrency at 1, got %d", strategy.MaxConcurrentLoads)
	}
}

func TestSessionHTTPSessionReflectsControllerState(t *testing.T) {
	sess := newTestSession(t)
	if _, err := sess.IngestChunk(context.Background(), sampleChunk("chunk-4", 1, 0, 10_000)); err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}

	view := sess.httpSession()
	if view.ID != sess.id {
		t.Fatalf("expected httpSession ID %q, got %q", sess.id, view.ID)
	}
	if view.State() != string(playback.StateStopped) {
		t.Fatalf("expected initial state %q, got %q", playback.StateStopped, view.State())
	}
	view.Play()
	if view.State() != string(playback.StatePlaying) {
		t.Fatalf("expected playing after Play() with a ready buffer, got %q", view.State())
	}
}

func TestPriorityFromRequestRoundTrip(t *testing.T) {
	cases := map[pregen.RequestPriority]domain.Priority{
		pregen.PriorityImmediate: domain.PriorityCritical,
		pregen.PriorityHigh:      domain.PriorityHigh,
		pregen.PriorityMedium:    domain.PriorityMedium,
		pregen.PriorityLow:       domain.PriorityLow,
	}
	for in, want := range cases {
		if got := priorityFromRequest(in); got != want {
			t.Errorf("priorityFromRequest(%s) = %s, want %s", in, got, want)
		}
	}
}
