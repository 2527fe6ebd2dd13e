package download

import "github.com/chunkdl/chunkdl/pkg/store"

// PlanChunks splits a download into byte ranges. An unknown size yields one
// unbounded chunk; a small file or an origin without range support yields
// one chunk covering everything. Otherwise the file is cut into equal parts
// with the last one absorbing the remainder.
func PlanChunks(downloadID, size int64, rangesSupported bool, threads int, threshold int64) []*store.Chunk {
	if size < 0 {
		return []*store.Chunk{store.NewChunk(downloadID, 0, -1)}
	}
	if !rangesSupported || size < threshold {
		return []*store.Chunk{store.NewChunk(downloadID, 0, size-1)}
	}

	n := int64(max(threads, 1))
	if n > size {
		n = size
	}
	chunkSize := size / n
	chunks := make([]*store.Chunk, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if i == n-1 {
			end = size - 1
		}
		chunks = append(chunks, store.NewChunk(downloadID, start, end))
	}
	return chunks
}
