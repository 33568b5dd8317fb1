package storage

import (
	"context"
	"testing"

	"github.com/lessonstream/engine/internal/domain"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing chunk")
	}

	chunk := domain.Chunk{ChunkID: "c1", ChunkNumber: 1, StartTimeOffset: 0, Duration: 5000}
	if err := s.Set(ctx, chunk); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := s.Get(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Get after Set: got=%v ok=%v err=%v", got, ok, err)
	}
	if got.ChunkID != "c1" || got.Duration != 5000 {
		t.Fatalf("unexpected chunk: %+v", got)
	}

	if err := s.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "c1"); ok {
		t.Fatalf("expected chunk removed")
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, domain.Chunk{ChunkID: "a"})
	_ = s.Set(ctx, domain.Chunk{ChunkID: "b"})

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("expected a cleared")
	}
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatalf("expected b cleared")
	}
}
