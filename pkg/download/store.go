package download

import (
	"context"
	"time"

	"github.com/chunkdl/chunkdl/pkg/store"
)

// DownloadStore persists download records. IncrementDownloadedSize must be
// additive in the backing store, never read-modify-write.
type DownloadStore interface {
	Insert(ctx context.Context, d *store.Download) (int64, error)
	Update(ctx context.Context, d *store.Download) error
	UpdateStatus(ctx context.Context, id int64, status store.Status) error
	UpdateEndTime(ctx context.Context, id int64, t time.Time) error
	GetByID(ctx context.Context, id int64) (*store.Download, error)
	GetAll(ctx context.Context) ([]*store.Download, error)
	Delete(ctx context.Context, id int64) (bool, error)
	ClearAll(ctx context.Context) error
	IncrementDownloadedSize(ctx context.Context, id, delta int64) error
}

// ChunkStore persists chunk layout and resume offsets. GetChunksForDownload
// returns chunks ordered by start byte.
type ChunkStore interface {
	CreateChunks(ctx context.Context, chunks []*store.Chunk) error
	GetChunksForDownload(ctx context.Context, downloadID int64) ([]*store.Chunk, error)
	UpdateChunkProgress(ctx context.Context, chunkID, offset int64, status store.ChunkStatus) error
	DeleteChunks(ctx context.Context, downloadID int64) error
}

var (
	_ DownloadStore = (*store.SQLiteStore)(nil)
	_ ChunkStore    = (*store.SQLiteStore)(nil)
	_ DownloadStore = (*store.MemoryStore)(nil)
	_ ChunkStore    = (*store.MemoryStore)(nil)
)
