package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as SQLiteStore.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	downloads   map[int64]*Download
	chunks      map[int64]*Chunk
	nextID      int64
	nextChunkID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		downloads: make(map[int64]*Download),
		chunks:    make(map[int64]*Chunk),
	}
}

func (m *MemoryStore) Insert(_ context.Context, d *Download) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	cp := *d
	m.downloads[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) Update(_ context.Context, d *Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.downloads[d.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, d.ID)
	}
	cp := *d
	m.downloads[d.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status) error {
	return m.mutate(id, func(d *Download) { d.Status = status })
}

func (m *MemoryStore) UpdateEndTime(_ context.Context, id int64, t time.Time) error {
	return m.mutate(id, func(d *Download) { d.EndTime = t })
}

func (m *MemoryStore) IncrementDownloadedSize(_ context.Context, id, delta int64) error {
	return m.mutate(id, func(d *Download) { d.DownloadedSize += delta })
}

func (m *MemoryStore) GetByID(_ context.Context, id int64) (*Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetAll(_ context.Context) ([]*Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.downloads[id]; !ok {
		return false, nil
	}
	delete(m.downloads, id)
	m.deleteChunksLocked(id)
	return true, nil
}

func (m *MemoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = make(map[int64]*Download)
	m.chunks = make(map[int64]*Chunk)
	return nil
}

func (m *MemoryStore) CreateChunks(_ context.Context, chunks []*Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if _, ok := m.downloads[c.DownloadID]; !ok {
			return fmt.Errorf("%w: %d", ErrNotFound, c.DownloadID)
		}
	}
	for _, c := range chunks {
		m.nextChunkID++
		c.ID = m.nextChunkID
		cp := *c
		m.chunks[cp.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetChunksForDownload(_ context.Context, downloadID int64) ([]*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Chunk
	for _, c := range m.chunks {
		if c.DownloadID == downloadID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartByte < out[j].StartByte })
	return out, nil
}

func (m *MemoryStore) UpdateChunkProgress(_ context.Context, chunkID, offset int64, status ChunkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return fmt.Errorf("chunk %d not found", chunkID)
	}
	c.CurrentOffset = offset
	c.Status = status
	return nil
}

func (m *MemoryStore) DeleteChunks(_ context.Context, downloadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksLocked(downloadID)
	return nil
}

func (m *MemoryStore) deleteChunksLocked(downloadID int64) {
	for id, c := range m.chunks {
		if c.DownloadID == downloadID {
			delete(m.chunks, id)
		}
	}
}

func (m *MemoryStore) mutate(id int64, fn func(*Download)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	fn(d)
	return nil
}
