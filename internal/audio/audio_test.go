package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func narrationEvent(id string, start, duration int64) domain.TimelineEvent {
	return domain.TimelineEvent{
		ID: id, Type: domain.EventNarration, Timestamp: start, Duration: duration,
		Narration: &domain.NarrationContent{Text: "hello"},
	}
}

func instantDecoder(ctx context.Context, chunk AudioChunk) ([]byte, error) {
	return []byte("decoded:" + chunk.ID), nil
}

func TestIngestEventRejectsNonNarration(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), instantDecoder, nil)
	_, err := m.IngestEvent(domain.TimelineEvent{ID: "v1", Type: domain.EventVisual})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestLoadEagerForHighPriority(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), instantDecoder, nil)
	chunk, _ := m.IngestEvent(narrationEvent("n1", 0, 1000))
	m.mu.Lock()
	chunk.Priority = domain.PriorityHigh
	m.mu.Unlock()

	if err := m.Load(context.Background(), "n1", 0); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := m.Chunk("n1")
	if !ok || got.Status != ChunkReady {
		t.Fatalf("chunk status = %v, want ready", got.Status)
	}
}

func TestPlayEntersBufferingThenTimesOutOnStarvedBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAudioBuffer = 5000
	cfg.BufferWaitTimeout = 50 * time.Millisecond
	m := New(mustTestLogger(t), cfg, instantDecoder, nil)
	_, _ = m.IngestEvent(narrationEvent("n1", 0, 500)) // never loaded -> stays queued

	_, err := m.Play(context.Background(), 0)
	if !errors.Is(err, domain.ErrBufferUnderrun) {
		t.Fatalf("want ErrBufferUnderrun, got %v", err)
	}
}

func TestPlaySchedulesReadyChunksWithCrossfade(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), instantDecoder, nil)
	_, _ = m.IngestEvent(narrationEvent("n1", 0, 3000))
	if err := m.Load(context.Background(), "n1", 0); err != nil {
		t.Fatalf("load: %v", err)
	}

	sources, err := m.Play(context.Background(), 0)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("scheduled sources = %d, want 1", len(sources))
	}
	if sources[0].FadeInMS != DefaultConfig().CrossfadeDuration {
		t.Fatalf("fade in = %d, want %d", sources[0].FadeInMS, DefaultConfig().CrossfadeDuration)
	}
}

func TestReportMeasuredDurationRecalibratesNoOverlap(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), instantDecoder, nil)
	_, _ = m.IngestEvent(narrationEvent("n1", 0, 1000))
	_, _ = m.IngestEvent(narrationEvent("n2", 1000, 1000))

	result, err := m.ReportMeasuredDuration("n1", 3000) // way over estimate -> triggers recalibration
	if err != nil {
		t.Fatalf("ReportMeasuredDuration: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a recalibration result for a large deviation")
	}

	c1, _ := m.Chunk("n1")
	c2, _ := m.Chunk("n2")
	if c1.EndTime > c2.StartTime {
		t.Fatalf("recalibrated chunks overlap: n1 ends %d, n2 starts %d", c1.EndTime, c2.StartTime)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), instantDecoder, nil)
	_, _ = m.IngestEvent(narrationEvent("n1", 0, 3000))
	_ = m.Load(context.Background(), "n1", 0)
	_, _ = m.Play(context.Background(), 0)

	m.Pause(500)
	m.Pause(500)
	if got := m.State(); got != StatePaused {
		t.Fatalf("state = %v, want paused", got)
	}
}
