package buffer

import (
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

func TestIngestChunkExtendsRegion(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), nil)
	m.IngestChunk(domain.Chunk{ChunkID: "c1", StartTimeOffset: 0, Duration: 4000})
	m.IngestChunk(domain.Chunk{ChunkID: "c2", StartTimeOffset: 4000, Duration: 1000})

	regions := m.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected the two adjacent chunks to land in one region, got %d regions", len(regions))
	}
	if regions[0].End != 5000 {
		t.Fatalf("region end = %d, want 5000", regions[0].End)
	}
}

func TestIsReadyEmitsPlaybackReadyOnTransition(t *testing.T) {
	var events []string
	m := New(mustTestLogger(t), DefaultConfig(), func(name string, _ map[string]any) {
		events = append(events, name)
	})
	m.IngestChunk(domain.Chunk{ChunkID: "c1", StartTimeOffset: 0, Duration: 30_000})

	if !m.IsReady(0) {
		t.Fatalf("expected ready at position 0 with a 30s region buffered")
	}
	if !m.IsReady(0) {
		t.Fatalf("expected still ready on second check")
	}
	count := 0
	for _, e := range events {
		if e == "playbackReady" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("playbackReady fired %d times, want 1 (edge-triggered)", count)
	}
}

func TestSeekBlockedWhenUnbuffered(t *testing.T) {
	var blocked bool
	m := New(mustTestLogger(t), DefaultConfig(), func(name string, _ map[string]any) {
		if name == "seekBlocked" {
			blocked = true
		}
	})
	m.IngestChunk(domain.Chunk{ChunkID: "c1", StartTimeOffset: 0, Duration: 2000})

	if m.Seek(100_000) {
		t.Fatalf("seek to unbuffered position should return false")
	}
	if !blocked {
		t.Fatalf("expected seekBlocked to be emitted")
	}
}

func TestCleanupEvictsOnlyLowPriorityStaleFarRegions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = 0
	cfg.MaxBuffer = 0
	m := New(mustTestLogger(t), cfg, nil)
	m.IngestChunk(domain.Chunk{ChunkID: "c1", StartTimeOffset: 0, Duration: 1000})

	m.mu.Lock()
	for _, r := range m.regions {
		r.LastAccessed = time.Now().Add(-time.Hour)
		r.Priority = domain.PriorityLow
	}
	m.mu.Unlock()

	evicted := m.Cleanup(1_000_000, 0.9)
	if len(evicted) != 1 {
		t.Fatalf("expected 1 eviction, got %d", len(evicted))
	}
	if len(m.Regions()) != 0 {
		t.Fatalf("expected region to be removed")
	}
}

func TestCleanupNoopsBelowThreshold(t *testing.T) {
	m := New(mustTestLogger(t), DefaultConfig(), nil)
	m.IngestChunk(domain.Chunk{ChunkID: "c1", StartTimeOffset: 0, Duration: 1000})
	if evicted := m.Cleanup(1_000_000, 0.1); len(evicted) != 0 {
		t.Fatalf("expected no eviction below cleanup threshold, got %d", len(evicted))
	}
}

// TestCleanupDecaysPriorityWithoutManualOverride exercises the real
// demotion path: a fresh region starts at PriorityMedium, and repeated
// Cleanup ticks over a stale, far-from-position region demote it down to
// Low/Idle (and then evict it) without a test manually poking Priority.
func TestCleanupDecaysPriorityWithoutManualOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = 0
	cfg.MaxBuffer = 0
	m := New(mustTestLogger(t), cfg, nil)
	m.IngestChunk(domain.Chunk{ChunkID: "c1", StartTimeOffset: 0, Duration: 1000})

	m.mu.Lock()
	for _, r := range m.regions {
		r.LastAccessed = time.Now().Add(-time.Hour)
		if r.Priority != domain.PriorityMedium {
			t.Fatalf("expected freshly ingested region at PriorityMedium, got %s", r.Priority)
		}
	}
	m.mu.Unlock()

	// Below the memory threshold, Cleanup still decays priority (Medium ->
	// Low) even though it evicts nothing yet.
	if evicted := m.Cleanup(1_000_000, 0); len(evicted) != 0 {
		t.Fatalf("expected no eviction below threshold, got %d", len(evicted))
	}
	m.mu.Lock()
	for _, r := range m.regions {
		if r.Priority != domain.PriorityLow {
			t.Fatalf("expected region demoted to Low after one decay tick, got %s", r.Priority)
		}
	}
	m.mu.Unlock()

	// Once memory pressure trips, the now-Low region is evicted.
	evicted := m.Cleanup(1_000_000, 0.9)
	if len(evicted) != 1 {
		t.Fatalf("expected 1 eviction after decay, got %d", len(evicted))
	}
}

func TestApproxMemoryBytesAndFractionTrackIngestedRegions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 200
	m := New(mustTestLogger(t), cfg, nil)

	if got := m.ApproxMemoryBytes(); got != 0 {
		t.Fatalf("expected 0 bytes with no regions, got %d", got)
	}
	if got := m.MemoryUsageFraction(); got != 0 {
		t.Fatalf("expected 0 fraction with no regions, got %f", got)
	}

	m.IngestChunk(domain.Chunk{ChunkID: "chunk-with-a-longer-id", StartTimeOffset: 0, Duration: 1000})

	if got := m.ApproxMemoryBytes(); got <= 0 {
		t.Fatalf("expected positive byte estimate after ingest, got %d", got)
	}
	if got := m.MemoryUsageFraction(); got <= 0 || got > 1 {
		t.Fatalf("expected fraction in (0, 1], got %f", got)
	}
}
