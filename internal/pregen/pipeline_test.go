package pregen

import (
	"context"
	"errors"
	"sync/atomic"
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

func TestPipelineRequestGeneratesOnce(t *testing.T) {
	var calls int32
	gen := func(ctx context.Context, req Request) (domain.Chunk, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Chunk{ChunkID: req.ChunkID}, nil
	}
	p := New(mustTestLogger(t), DefaultConfig(), gen)

	chunk, err := p.Request(context.Background(), Request{ChunkID: "c1", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if chunk.ChunkID != "c1" {
		t.Fatalf("chunk id = %q, want c1", chunk.ChunkID)
	}

	if _, err := p.Request(context.Background(), Request{ChunkID: "c1", Priority: PriorityLow}); err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("generator called %d times, want 1 (cache hit expected)", got)
	}
}

func TestPipelineRetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32
	gen := func(ctx context.Context, req Request) (domain.Chunk, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return domain.Chunk{}, errors.New("transient")
		}
		return domain.Chunk{ChunkID: req.ChunkID}, nil
	}
	cfg := DefaultConfig()
	cfg.RetryPolicy.MinBackoff = time.Millisecond
	cfg.RetryPolicy.MaxBackoff = 2 * time.Millisecond
	p := New(mustTestLogger(t), cfg, gen)

	chunk, err := p.Request(context.Background(), Request{ChunkID: "c2", Priority: PriorityImmediate})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if chunk.ChunkID != "c2" {
		t.Fatalf("chunk id = %q, want c2", chunk.ChunkID)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestPipelineExhaustsRetriesReturnsGenerationFailure(t *testing.T) {
	gen := func(ctx context.Context, req Request) (domain.Chunk, error) {
		return domain.Chunk{}, errors.New("always fails")
	}
	cfg := DefaultConfig()
	cfg.RetryPolicy.MaxAttempts = 2
	cfg.RetryPolicy.MinBackoff = time.Millisecond
	cfg.RetryPolicy.MaxBackoff = 2 * time.Millisecond
	p := New(mustTestLogger(t), cfg, gen)

	_, err := p.Request(context.Background(), Request{ChunkID: "c3", Priority: PriorityLow})
	if !errors.Is(err, domain.ErrGenerationFailure) {
		t.Fatalf("want ErrGenerationFailure, got %v", err)
	}
}

func TestPredictNextRanksByDistanceFromPosition(t *testing.T) {
	p := New(mustTestLogger(t), DefaultConfig(), func(ctx context.Context, req Request) (domain.Chunk, error) {
		return domain.Chunk{ChunkID: req.ChunkID}, nil
	})
	available := []Request{
		{ChunkID: "far", UserPosition: 100_000},
		{ChunkID: "near", UserPosition: 3_000},
		{ChunkID: "mid", UserPosition: 12_000},
	}
	got := p.PredictNext(0, 1.0, available)
	if len(got) == 0 {
		t.Fatalf("expected at least one prediction")
	}
	if got[0].ChunkID != "near" {
		t.Fatalf("first prediction = %q, want near", got[0].ChunkID)
	}
	if got[0].Priority != PriorityImmediate {
		t.Fatalf("near priority = %q, want immediate", got[0].Priority)
	}
	for _, r := range got {
		if r.ChunkID == "far" {
			t.Fatalf("far chunk should be outside lookahead window, got included")
		}
	}
}

func TestPipelineStopCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	gen := func(ctx context.Context, req Request) (domain.Chunk, error) {
		close(started)
		<-ctx.Done()
		return domain.Chunk{}, ctx.Err()
	}
	p := New(mustTestLogger(t), DefaultConfig(), gen)

	resultCh := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), Request{ChunkID: "c4", Priority: PriorityHigh})
		resultCh <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("generator never started")
	}
	p.Stop()

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatalf("expected an error after Stop cancelled in-flight generation")
		}
	case <-time.After(time.Second):
		t.Fatalf("request did not resolve after Stop")
	}
}
