package coordinator

import (
	"errors"
	"testing"

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

func chunk(id string, number int, offset, duration int64) domain.Chunk {
	return domain.Chunk{
		ChunkID:         id,
		ChunkNumber:     number,
		StartTimeOffset: offset,
		Duration:        duration,
		Events: []domain.TimelineEvent{
			{ID: id + "-e1", Type: domain.EventNarration, Timestamp: 0, Duration: duration / 2,
				Narration: &domain.NarrationContent{Text: "hello"}},
		},
	}
}

func TestIngestGlobalizesTimestamps(t *testing.T) {
	c := New(mustTestLogger(t), DefaultConfig(), nil)
	if _, err := c.Ingest(chunk("c1", 1, 1000, 2000)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	events := c.EventsAtTime(1000)
	if len(events) != 1 {
		t.Fatalf("events at 1000 = %d, want 1", len(events))
	}
	if events[0].Timestamp != 1000 {
		t.Fatalf("globalized timestamp = %d, want 1000", events[0].Timestamp)
	}
}

func TestIngestRejectsInvalidChunkWhenNotContinueOnError(t *testing.T) {
	c := New(mustTestLogger(t), DefaultConfig(), nil)
	bad := domain.Chunk{ChunkID: "", ChunkNumber: 0, Duration: 0}
	_, err := c.Ingest(bad)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestIngestAcceptsInvalidChunkWhenContinueOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = true
	c := New(mustTestLogger(t), cfg, nil)
	bad := domain.Chunk{ChunkID: "bad", ChunkNumber: 1, Duration: -5}
	result, err := c.Ingest(bad)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected chunk to be accepted under continueOnError")
	}
	if len(result.Issues) == 0 {
		t.Fatalf("expected validation issues to still be reported")
	}
}

func TestChunkAtTimeAndOrderedChunks(t *testing.T) {
	c := New(mustTestLogger(t), DefaultConfig(), nil)
	_, _ = c.Ingest(chunk("c2", 2, 5000, 3000))
	_, _ = c.Ingest(chunk("c1", 1, 0, 5000))

	got, ok := c.ChunkAtTime(6000)
	if !ok || got.ChunkID != "c2" {
		t.Fatalf("ChunkAtTime(6000) = %+v, ok=%v, want c2", got, ok)
	}

	ordered := c.OrderedChunks()
	if len(ordered) != 2 || ordered[0].ChunkID != "c1" || ordered[1].ChunkID != "c2" {
		t.Fatalf("OrderedChunks = %+v, want [c1, c2]", ordered)
	}
	if total := c.TotalDuration(); total != 8000 {
		t.Fatalf("TotalDuration = %d, want 8000", total)
	}
}

func TestEvictRetainsMinimumChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCachedChunks = 1
	cfg.MinRetainedChunks = 1
	cfg.EvictionWindow = 0
	c := New(mustTestLogger(t), cfg, nil)

	_, _ = c.Ingest(chunk("c1", 1, 0, 1000))
	_, _ = c.Ingest(chunk("c2", 2, 1000, 1000))
	c.SetPlaybackPosition(100_000)

	evicted := c.Evict()
	if len(evicted) == 0 {
		t.Fatalf("expected at least one eviction")
	}
	remaining := c.OrderedChunks()
	if len(remaining) < cfg.MinRetainedChunks {
		t.Fatalf("remaining chunks = %d, below MinRetainedChunks %d", len(remaining), cfg.MinRetainedChunks)
	}
}

func TestContinuityHintsFlagsHighOverlap(t *testing.T) {
	c := New(mustTestLogger(t), DefaultConfig(), nil)
	c1 := chunk("c1", 1, 0, 1000)
	c1.Metadata.ConceptsIntroduced = []string{"derivatives"}
	c2 := chunk("c2", 2, 1000, 1000)
	c2.Metadata.ConceptsIntroduced = []string{"derivatives"}
	_, _ = c.Ingest(c1)
	_, _ = c.Ingest(c2)

	hints := c.ContinuityHints(2, DefaultConceptOverlapThreshold)
	var conceptual *ContinuityHint
	for i := range hints {
		if hints[i].Kind == "conceptual" {
			conceptual = &hints[i]
		}
	}
	if conceptual == nil {
		t.Fatalf("expected a conceptual continuity hint")
	}
	if conceptual.Overlap < DefaultConceptOverlapThreshold {
		t.Fatalf("overlap = %v, want >= %v for identical concepts", conceptual.Overlap, DefaultConceptOverlapThreshold)
	}
	if conceptual.Bridging {
		t.Fatalf("fully overlapping concepts should not be flagged as bridging")
	}
}
