// Package config loads the engine's tuning parameters for every C1-C8
// component, plus the ambient storage/httpapi/telemetry sections, from an
// embedded default.yaml overlaid with an operator-supplied file and then
// individual LESSONSTREAM_* environment variables (highest precedence),
// mirroring the embed+yaml pattern the learning_build pipeline spec uses.
package config

import (
	"embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lessonstream/engine/internal/platform/envutil"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// configFileEnv names the env var holding a path to an override YAML file.
const configFileEnv = "LESSONSTREAM_CONFIG"

//go:embed default.yaml
var defaultYAML embed.FS

type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	MaxAgeSeconds int           `yaml:"maxAgeSeconds"`
	DecayAgeSeconds int         `yaml:"decayAgeSeconds"`
	RetryBaseMS   int           `yaml:"retryBaseMS"`
	RetryCapMS    int           `yaml:"retryCapMS"`
}

type PregenConfig struct {
	WorkerCount         int     `yaml:"workerCount"`
	ThrottleThreshold   float64 `yaml:"throttleThreshold"`
	MaxCacheSize        int     `yaml:"maxCacheSize"`
	LookaheadDistanceMS int64   `yaml:"lookaheadDistanceMS"`
	LookaheadChunks     int     `yaml:"lookaheadChunks"`
}

type CoordinatorConfig struct {
	ContinueOnError       bool `yaml:"continueOnError"`
	MaxCachedChunks       int  `yaml:"maxCachedChunks"`
	EvictionWindowSeconds int  `yaml:"evictionWindowSeconds"`
	MinRetainedChunks     int  `yaml:"minRetainedChunks"`
}

type BufferConfig struct {
	TargetBufferMS         int64   `yaml:"targetBufferMS"`
	MinStartBufferMS       int64   `yaml:"minStartBufferMS"`
	UrgentThresholdMS      int64   `yaml:"urgentThresholdMS"`
	MaxAgeSeconds          int     `yaml:"maxAgeSeconds"`
	MaxBufferMS            int64   `yaml:"maxBufferMS"`
	CleanupThreshold       float64 `yaml:"cleanupThreshold"`
	CleanupIntervalSeconds int     `yaml:"cleanupIntervalSeconds"`
}

type AudioConfig struct {
	TargetAudioBufferMS      int64   `yaml:"targetAudioBufferMS"`
	MinAudioBufferMS         int64   `yaml:"minAudioBufferMS"`
	BufferWaitTimeoutSeconds int     `yaml:"bufferWaitTimeoutSeconds"`
	CrossfadeDurationMS      int64   `yaml:"crossfadeDurationMS"`
	PreloadConcurrency       int     `yaml:"preloadConcurrency"`
	SignificantChangePct     float64 `yaml:"significantChangePct"`
	RecalibrationPct         float64 `yaml:"recalibrationPct"`
}

type LayoutConfig struct {
	CacheCapacity    int     `yaml:"cacheCapacity"`
	CacheTTLSeconds  int     `yaml:"cacheTTLSeconds"`
	CacheStrategy    string  `yaml:"cacheStrategy"`
	CellSize         float64 `yaml:"cellSize"`
	PrecacheRadiusMS int64   `yaml:"precacheRadiusMS"`
	PrecacheCount    int     `yaml:"precacheCount"`
}

type SchedulerConfig struct {
	LookaheadTimeMS         int64 `yaml:"lookaheadTimeMS"`
	VisualCompensationMS    int64 `yaml:"visualCompensationMS"`
	MaxConcurrentEvents     int   `yaml:"maxConcurrentEvents"`
	ExecutionTimeoutSeconds int   `yaml:"executionTimeoutSeconds"`
	MaxRetries              int   `yaml:"maxRetries"`
	SyncToleranceMS         int64 `yaml:"syncToleranceMS"`
	AudioDriven             bool  `yaml:"audioDriven"`
}

type PlaybackConfig struct {
	PositionTickIntervalMS int   `yaml:"positionTickIntervalMS"`
	MaxBufferWaitSeconds   int   `yaml:"maxBufferWaitSeconds"`
	AutoPauseOnUnderrun    bool  `yaml:"autoPauseOnUnderrun"`
	UnderrunThresholdMS    int64 `yaml:"underrunThresholdMS"`
	SeekLookaheadMS        int64 `yaml:"seekLookaheadMS"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
}

type HTTPAPIConfig struct {
	ListenAddr  string   `yaml:"listenAddr"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	Exporter    string `yaml:"exporter"`
}

// Config is the complete engine tuning surface, one section per component.
type Config struct {
	Queue       QueueConfig       `yaml:"queue"`
	Pregen      PregenConfig      `yaml:"pregen"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Audio       AudioConfig       `yaml:"audio"`
	Layout      LayoutConfig      `yaml:"layout"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Storage     StorageConfig     `yaml:"storage"`
	HTTPAPI     HTTPAPIConfig     `yaml:"httpapi"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Load builds the effective Config: embedded default.yaml, overlaid with the
// file named by LESSONSTREAM_CONFIG if set, overlaid with individual
// LESSONSTREAM_* env vars. A missing or malformed override file is logged
// and skipped rather than failing the engine.
func Load(log *logger.Logger) (Config, error) {
	var cfg Config
	raw, err := defaultYAML.ReadFile("default.yaml")
	if err != nil {
		return Config{}, fmt.Errorf("config: read embedded defaults: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse embedded defaults: %w", err)
	}

	if path := envutil.String(configFileEnv, ""); path != "" {
		overlay, err := readOverrideFile(path)
		if err != nil {
			log.Warn("config: ignoring override file", "path", path, "error", err)
		} else if err := yaml.Unmarshal(overlay, &cfg); err != nil {
			log.Warn("config: override file failed to parse, ignoring", "path", path, "error", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func readOverrideFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// applyEnvOverrides lets operators tweak individual knobs without a file.
func applyEnvOverrides(cfg *Config) {
	cfg.Queue.Capacity = envutil.Int("LESSONSTREAM_QUEUE_CAPACITY", cfg.Queue.Capacity)
	cfg.Pregen.WorkerCount = envutil.Int("LESSONSTREAM_PREGEN_WORKERS", cfg.Pregen.WorkerCount)
	cfg.Buffer.TargetBufferMS = envutil.Int64("LESSONSTREAM_BUFFER_TARGET_MS", cfg.Buffer.TargetBufferMS)
	cfg.Audio.TargetAudioBufferMS = envutil.Int64("LESSONSTREAM_AUDIO_TARGET_MS", cfg.Audio.TargetAudioBufferMS)
	cfg.Scheduler.MaxConcurrentEvents = envutil.Int("LESSONSTREAM_SCHEDULER_MAX_CONCURRENT", cfg.Scheduler.MaxConcurrentEvents)
	cfg.Playback.AutoPauseOnUnderrun = envutil.Bool("LESSONSTREAM_AUTO_PAUSE_ON_UNDERRUN", cfg.Playback.AutoPauseOnUnderrun)
	cfg.Storage.Backend = envutil.String("LESSONSTREAM_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.HTTPAPI.ListenAddr = envutil.String("LESSONSTREAM_LISTEN_ADDR", cfg.HTTPAPI.ListenAddr)
	cfg.Telemetry.Enabled = envutil.Bool("LESSONSTREAM_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = envutil.String("LESSONSTREAM_TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
}

// Seconds converts a config duration expressed in whole seconds.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// MS converts a config duration expressed in whole milliseconds.
func MS(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
