package storage

import (
	"fmt"
	"time"

	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/envutil"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// New selects a ChunkStore backend from cfg.Backend, reading connection
// details from the environment (REDIS_ADDR, POSTGRES_DSN, SQLITE_PATH) the
// way the rest of the platform layer does (envutil, not cfg, for secrets).
func New(log *logger.Logger, cfg config.StorageConfig) (ChunkStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		addr := envutil.String("REDIS_ADDR", "")
		ttl := envutil.Duration("REDIS_CHUNK_TTL", 30*time.Minute)
		return NewRedisStore(log, addr, ttl)
	case "postgres":
		dsn := envutil.String("POSTGRES_DSN", "")
		return NewPostgresStore(log, dsn)
	case "sqlite":
		path := envutil.String("SQLITE_PATH", "lessonstream.db")
		return NewSQLiteStore(log, path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
