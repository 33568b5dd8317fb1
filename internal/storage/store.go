// Package storage persists generated chunks: a Session writes each chunk it
// ingests. Nothing in the engine reads stored chunks back on startup.
// ChunkStore is deliberately narrow: get/set/remove/clear, keyed by chunk
// ID, mirroring the jobs.JobStore interface shape.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lessonstream/engine/internal/domain"
)

// ChunkStore persists domain.Chunk values by ID.
type ChunkStore interface {
	Get(ctx context.Context, chunkID string) (domain.Chunk, bool, error)
	Set(ctx context.Context, chunk domain.Chunk) error
	Remove(ctx context.Context, chunkID string) error
	Clear(ctx context.Context) error
}

// marshalChunk/unmarshalChunk are shared by the Redis and GORM backends,
// which both store the chunk as an opaque JSON blob keyed by ChunkID.
func marshalChunk(c domain.Chunk) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal chunk %s: %w", c.ChunkID, err)
	}
	return raw, nil
}

func unmarshalChunk(raw []byte) (domain.Chunk, error) {
	var c domain.Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.Chunk{}, fmt.Errorf("storage: unmarshal chunk: %w", err)
	}
	return c, nil
}
