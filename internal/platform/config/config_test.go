package config

import (
	"testing"

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

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(mustTestLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffer.TargetBufferMS != 20_000 {
		t.Fatalf("Buffer.TargetBufferMS = %d, want 20000", cfg.Buffer.TargetBufferMS)
	}
	if cfg.Pregen.WorkerCount != 3 {
		t.Fatalf("Pregen.WorkerCount = %d, want 3", cfg.Pregen.WorkerCount)
	}
	if cfg.Scheduler.VisualCompensationMS != -16 {
		t.Fatalf("Scheduler.VisualCompensationMS = %d, want -16", cfg.Scheduler.VisualCompensationMS)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LESSONSTREAM_PREGEN_WORKERS", "7")
	t.Setenv("LESSONSTREAM_STORAGE_BACKEND", "redis")

	cfg, err := Load(mustTestLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pregen.WorkerCount != 7 {
		t.Fatalf("Pregen.WorkerCount = %d, want 7", cfg.Pregen.WorkerCount)
	}
	if cfg.Storage.Backend != "redis" {
		t.Fatalf("Storage.Backend = %q, want redis", cfg.Storage.Backend)
	}
}

func TestLoadIgnoresMissingOverrideFile(t *testing.T) {
	t.Setenv("LESSONSTREAM_CONFIG", "/nonexistent/path/does-not-exist.yaml")

	cfg, err := Load(mustTestLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffer.TargetBufferMS != 20_000 {
		t.Fatalf("expected defaults to survive a missing override file")
	}
}
