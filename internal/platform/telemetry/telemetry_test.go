package telemetry

import (
	"context"
	"testing"

	"github.com/lessonstream/engine/internal/platform/config"
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

func TestInitDisabledIsNoop(t *testing.T) {
	log := mustTestLogger(t)
	shutdown := Init(context.Background(), log, config.TelemetryConfig{Enabled: false})
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func even when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSpanHelpersDoNotPanic(t *testing.T) {
	_, span := StartChunkIngest(context.Background(), "chunk-1")
	span.End()

	_, span = StartEventExecution(context.Background(), "ev-1", "narration")
	span.End()

	_, span = StartSeek(context.Background(), 5000)
	span.End()
}
