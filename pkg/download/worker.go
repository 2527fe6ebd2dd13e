package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/client"
	"github.com/chunkdl/chunkdl/pkg/store"
)

// ChunkResult is what a worker hands back to the Manager when it returns.
type ChunkResult struct {
	ChunkID      int64
	BytesWritten int64
	Attempts     int
	Err          error
	// Stopped is set when the worker exited because it was told to, before
	// finishing its range.
	Stopped bool
}

// chunkWorker fetches one byte range and writes it at its offset in the
// output file. The chunk it holds is private to the worker while it runs.
type chunkWorker struct {
	chunk   *store.Chunk
	url     string
	path    string
	opener  Opener
	chunks  ChunkStore
	onDelta func(n int64)
	logger  zerolog.Logger

	backoffBase  time.Duration
	backoffLimit time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newChunkWorker(chunk store.Chunk, url, path string, opener Opener, chunks ChunkStore, onDelta func(int64), logger zerolog.Logger) *chunkWorker {
	w := &chunkWorker{
		chunk:        &chunk,
		url:          url,
		path:         path,
		opener:       opener,
		chunks:       chunks,
		onDelta:      onDelta,
		logger:       logger.With().Int64("chunk_id", chunk.ID).Logger(),
		backoffBase:  retryBackoffBase,
		backoffLimit: retryBackoffLimit,
		stopCh:       make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *chunkWorker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.paused = true
	}
}

func (w *chunkWorker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.cond.Broadcast()
}

// Stop makes the worker exit at its next check. A paused worker wakes up to
// observe it.
func (w *chunkWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.paused = false
	w.cond.Broadcast()
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *chunkWorker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *chunkWorker) isInterrupted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped || w.paused
}

func (w *chunkWorker) Run(ctx context.Context) ChunkResult {
	c := w.chunk
	result := ChunkResult{ChunkID: c.ID}
	if c.Complete() {
		return result
	}

	// cancelling the run context is a stop
	release := context.AfterFunc(ctx, w.Stop)
	defer release()

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		result.Err = fmt.Errorf("failed to open %s: %w", w.path, err)
		return result
	}
	defer f.Close()

	retries := 0
	for !c.Bounded() || c.CurrentOffset <= c.EndByte {
		if !w.waitWhilePaused(ctx) {
			break
		}
		result.Attempts++
		written, done, err := w.fetch(ctx, f)
		result.BytesWritten += written
		if done {
			w.persist(ctx, store.ChunkCompleted)
			w.logger.Debug().Int64("bytes", result.BytesWritten).Int("attempts", result.Attempts).Msg("Chunk complete")
			return result
		}
		if w.isStopped() || ctx.Err() != nil {
			break
		}
		if err == nil {
			// short read that made progress, or a pause mid-stream
			continue
		}
		if isPermanent(err) {
			result.Err = err
			return result
		}
		if written > 0 {
			retries = 0
		}
		retries++
		if retries > maxChunkRetries {
			w.logger.Error().Err(err).Int("retries", maxChunkRetries).Msg("Chunk failed")
			result.Err = err
			return result
		}
		backoff := min(w.backoffBase*time.Duration(retries), w.backoffLimit)
		w.logger.Warn().Err(err).
			Int("retry", retries).
			Int64("offset", c.CurrentOffset).
			Str("backoff", backoff.String()).
			Msg("Retrying chunk")
		if !w.sleep(ctx, backoff) {
			break
		}
	}

	result.Stopped = true
	w.persist(ctx, store.ChunkPaused)
	return result
}

// fetch runs one request for the rest of the chunk. done is true when the
// chunk has been fully written.
func (w *chunkWorker) fetch(ctx context.Context, f *os.File) (written int64, done bool, err error) {
	c := w.chunk
	resp, err := w.opener.Open(ctx, http.MethodGet, w.url, rangeHeader(c))
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, false, client.ErrUnexpectedHTTPStatus(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusOK && c.CurrentOffset > 0 {
		return 0, false, rangeIgnored(c.CurrentOffset)
	}

	buf := make([]byte, readBufferSize)
	var sinceSave int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			data := buf[:n]
			if c.Bounded() {
				if remaining := c.EndByte - c.CurrentOffset + 1; int64(n) > remaining {
					data = data[:remaining]
				}
			}
			if _, err := f.WriteAt(data, c.CurrentOffset); err != nil {
				return written, false, fmt.Errorf("failed to write %s: %w", w.path, err)
			}
			m := int64(len(data))
			c.CurrentOffset += m
			written += m
			sinceSave += m
			w.onDelta(m)

			if c.Bounded() && c.CurrentOffset > c.EndByte {
				return written, true, nil
			}
			if sinceSave >= saveInterval {
				w.persist(ctx, store.ChunkDownloading)
				sinceSave = 0
			}
		}

		switch {
		case errors.Is(readErr, io.EOF):
			if !c.Bounded() {
				return written, true, nil
			}
			w.persist(ctx, store.ChunkDownloading)
			if written == 0 {
				return 0, false, io.ErrUnexpectedEOF
			}
			return written, false, nil
		case readErr != nil:
			w.persist(ctx, store.ChunkDownloading)
			return written, false, readErr
		}

		if w.isInterrupted() {
			w.persist(ctx, store.ChunkDownloading)
			return written, false, nil
		}
	}
}

// waitWhilePaused parks the worker until it is resumed. It returns false if
// the worker was stopped instead.
func (w *chunkWorker) waitWhilePaused(ctx context.Context) bool {
	w.mu.Lock()
	if !w.paused {
		stopped := w.stopped
		w.mu.Unlock()
		return !stopped
	}
	w.mu.Unlock()

	w.persist(ctx, store.ChunkPaused)
	w.logger.Debug().Int64("offset", w.chunk.CurrentOffset).Msg("Chunk paused")

	w.mu.Lock()
	for w.paused && !w.stopped {
		w.cond.Wait()
	}
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return false
	}

	w.persist(ctx, store.ChunkDownloading)
	return true
}

func (w *chunkWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// persist records the resume offset. Failures are logged and otherwise
// ignored: at worst a restart refetches bytes already on disk.
func (w *chunkWorker) persist(ctx context.Context, status store.ChunkStatus) {
	w.chunk.Status = status
	if err := w.chunks.UpdateChunkProgress(context.WithoutCancel(ctx), w.chunk.ID, w.chunk.CurrentOffset, status); err != nil {
		w.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to save chunk progress")
	}
}

func rangeHeader(c *store.Chunk) string {
	if c.Bounded() {
		return fmt.Sprintf("bytes=%d-%d", c.CurrentOffset, c.EndByte)
	}
	if c.CurrentOffset > 0 {
		return fmt.Sprintf("bytes=%d-", c.CurrentOffset)
	}
	return ""
}
