package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
)

const chunkKeyPrefix = "lessonstream:chunk:"

// RedisStore persists chunks as JSON blobs in Redis, matching the
// realtime/bus Redis client construction (Addr + Ping health check).
type RedisStore struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(log *logger.Logger, addr string, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("storage: redis addr required")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	return &RedisStore{log: log.With("component", "RedisChunkStore"), rdb: rdb, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, chunkID string) (domain.Chunk, bool, error) {
	raw, err := s.rdb.Get(ctx, chunkKeyPrefix+chunkID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Chunk{}, false, nil
	}
	if err != nil {
		return domain.Chunk{}, false, fmt.Errorf("storage: redis get %s: %w", chunkID, err)
	}
	c, err := unmarshalChunk(raw)
	if err != nil {
		return domain.Chunk{}, false, err
	}
	return c, true, nil
}

func (s *RedisStore) Set(ctx context.Context, chunk domain.Chunk) error {
	raw, err := marshalChunk(chunk)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, chunkKeyPrefix+chunk.ChunkID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("storage: redis set %s: %w", chunk.ChunkID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, chunkID string) error {
	if err := s.rdb.Del(ctx, chunkKeyPrefix+chunkID).Err(); err != nil {
		return fmt.Errorf("storage: redis del %s: %w", chunkID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, chunkKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("storage: redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("storage: redis clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

var _ ChunkStore = (*RedisStore)(nil)
