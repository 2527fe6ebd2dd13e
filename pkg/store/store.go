// Package store persists downloads and their byte-range chunks.
package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("download not found")

// Status is the lifecycle state of a download, persisted by name.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCanceled    Status = "CANCELED"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// ChunkStatus is the state of a single byte range.
type ChunkStatus string

const (
	ChunkPending     ChunkStatus = "PENDING"
	ChunkDownloading ChunkStatus = "DOWNLOADING"
	ChunkPaused      ChunkStatus = "PAUSED"
	ChunkCompleted   ChunkStatus = "COMPLETED"
)

// Download is the persisted record of one file transfer. FileSize is -1 when
// the origin did not report a length.
type Download struct {
	ID             int64     `json:"id"`
	URL            string    `json:"url"`
	Filename       string    `json:"filename"`
	DownloadPath   string    `json:"download_path"`
	FileSize       int64     `json:"file_size"`
	DownloadedSize int64     `json:"downloaded_size"`
	Status         Status    `json:"status"`
	StartTime      time.Time `json:"start_time,omitempty"`
	EndTime        time.Time `json:"end_time,omitempty"`
	ThreadCount    int       `json:"thread_count"`
}

// Chunk is an inclusive byte range [StartByte, EndByte] of a download.
// EndByte is -1 for a range whose end is unknown. CurrentOffset is the next
// byte to fetch.
type Chunk struct {
	ID            int64       `json:"id"`
	DownloadID    int64       `json:"download_id"`
	StartByte     int64       `json:"start_byte"`
	EndByte       int64       `json:"end_byte"`
	CurrentOffset int64       `json:"current_offset"`
	Status        ChunkStatus `json:"status"`
}

func NewChunk(downloadID, start, end int64) *Chunk {
	return &Chunk{
		DownloadID:    downloadID,
		StartByte:     start,
		EndByte:       end,
		CurrentOffset: start,
		Status:        ChunkPending,
	}
}

func (c *Chunk) Bounded() bool {
	return c.EndByte != -1
}

// Complete reports whether every byte of a bounded chunk has been written.
// An unbounded chunk is only complete once its status says so.
func (c *Chunk) Complete() bool {
	if !c.Bounded() {
		return c.Status == ChunkCompleted
	}
	return c.CurrentOffset > c.EndByte
}

// Downloaded returns the number of bytes already written for this chunk.
func (c *Chunk) Downloaded() int64 {
	return max(0, c.CurrentOffset-c.StartByte)
}
