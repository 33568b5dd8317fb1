package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"

	"github.com/lessonstream/engine/internal/domain"
	lslogger "github.com/lessonstream/engine/internal/platform/logger"
)

// chunkRow is the GORM model backing a persisted chunk; the chunk body is
// kept as an opaque JSON blob so the schema doesn't need to track the
// domain.Chunk shape migration-by-migration.
type chunkRow struct {
	ChunkID string `gorm:"primaryKey;column:chunk_id"`
	Body    []byte `gorm:"column:body"`
}

func (chunkRow) TableName() string { return "lessonstream_chunks" }

// GORMStore persists chunks to Postgres or SQLite via GORM.
type GORMStore struct {
	db *gorm.DB
}

// NewPostgresStore opens dsn and auto-migrates the chunk table.
func NewPostgresStore(log *lslogger.Logger, dsn string) (*GORMStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLoggerFor(log)})
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	return newGORMStore(db)
}

// NewSQLiteStore opens path (e.g. "file:chunks.db?cache=shared") and
// auto-migrates the chunk table. Useful for local/dev deployments that don't
// run a Postgres instance.
func NewSQLiteStore(log *lslogger.Logger, path string) (*GORMStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLoggerFor(log)})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	return newGORMStore(db)
}

func newGORMStore(db *gorm.DB) (*GORMStore, error) {
	if err := db.AutoMigrate(&chunkRow{}); err != nil {
		return nil, fmt.Errorf("storage: automigrate: %w", err)
	}
	return &GORMStore{db: db}, nil
}

func gormLoggerFor(log *lslogger.Logger) gormlog.Interface {
	if log == nil {
		return gormlog.Default.LogMode(gormlog.Silent)
	}
	return gormlog.Default.LogMode(gormlog.Warn)
}

func (s *GORMStore) Get(ctx context.Context, chunkID string) (domain.Chunk, bool, error) {
	var row chunkRow
	err := s.db.WithContext(ctx).First(&row, "chunk_id = ?", chunkID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Chunk{}, false, nil
	}
	if err != nil {
		return domain.Chunk{}, false, fmt.Errorf("storage: gorm get %s: %w", chunkID, err)
	}
	c, err := unmarshalChunk(row.Body)
	if err != nil {
		return domain.Chunk{}, false, err
	}
	return c, true, nil
}

func (s *GORMStore) Set(ctx context.Context, chunk domain.Chunk) error {
	raw, err := marshalChunk(chunk)
	if err != nil {
		return err
	}
	row := chunkRow{ChunkID: chunk.ChunkID, Body: raw}
	err = s.db.WithContext(ctx).
		Where("chunk_id = ?", chunk.ChunkID).
		Assign(row).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("storage: gorm upsert %s: %w", chunk.ChunkID, err)
	}
	return nil
}

func (s *GORMStore) Remove(ctx context.Context, chunkID string) error {
	if err := s.db.WithContext(ctx).Delete(&chunkRow{}, "chunk_id = ?", chunkID).Error; err != nil {
		return fmt.Errorf("storage: gorm delete %s: %w", chunkID, err)
	}
	return nil
}

func (s *GORMStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&chunkRow{}).Error; err != nil {
		return fmt.Errorf("storage: gorm clear: %w", err)
	}
	return nil
}

var _ ChunkStore = (*GORMStore)(nil)
