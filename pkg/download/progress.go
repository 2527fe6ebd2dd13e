package download

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/store"
)

// progressTracker batches per-read byte deltas and writes them to the
// DownloadStore at most once per window per download. Workers only touch
// atomics on the hot path.
type progressTracker struct {
	downloads DownloadStore
	window    time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	// notify is called after every successful flush with the refreshed record.
	notify func(d *store.Download, percent float64)

	mu      sync.RWMutex
	entries map[int64]*progressEntry
}

type progressEntry struct {
	pending   atomic.Int64
	lastFlush atomic.Int64 // unix nanos
}

func newProgressTracker(downloads DownloadStore, window time.Duration, now func() time.Time, logger zerolog.Logger) *progressTracker {
	return &progressTracker{
		downloads: downloads,
		window:    window,
		now:       now,
		logger:    logger,
		entries:   make(map[int64]*progressEntry),
	}
}

// reset starts a fresh accumulator for id with nothing pending.
func (p *progressTracker) reset(id int64) {
	e := &progressEntry{}
	e.lastFlush.Store(p.now().UnixNano())
	p.mu.Lock()
	p.entries[id] = e
	p.mu.Unlock()
}

func (p *progressTracker) remove(id int64) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func (p *progressTracker) entry(id int64) *progressEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[id]
}

// OnDelta records n freshly written bytes and flushes if the window elapsed.
func (p *progressTracker) OnDelta(id, n int64) {
	if n <= 0 {
		return
	}
	e := p.entry(id)
	if e == nil {
		return
	}
	e.pending.Add(n)
	p.flushIfDue(id, e)
}

func (p *progressTracker) FlushIfDue(id int64) {
	if e := p.entry(id); e != nil {
		p.flushIfDue(id, e)
	}
}

// FlushNow writes out whatever is pending regardless of the window.
func (p *progressTracker) FlushNow(id int64) {
	if e := p.entry(id); e != nil {
		e.lastFlush.Store(p.now().UnixNano())
		p.flush(id, e)
	}
}

func (p *progressTracker) flushIfDue(id int64, e *progressEntry) {
	now := p.now().UnixNano()
	last := e.lastFlush.Load()
	if now-last < p.window.Nanoseconds() {
		return
	}
	// only the goroutine that moves the timestamp flushes
	if !e.lastFlush.CompareAndSwap(last, now) {
		return
	}
	p.flush(id, e)
}

func (p *progressTracker) flush(id int64, e *progressEntry) {
	delta := e.pending.Swap(0)
	if delta <= 0 {
		return
	}
	ctx := context.Background()
	if err := p.downloads.IncrementDownloadedSize(ctx, id, delta); err != nil {
		e.pending.Add(delta)
		p.logger.Warn().Err(err).Int64("download_id", id).Int64("bytes", delta).Msg("Failed to flush progress")
		return
	}
	if p.notify == nil {
		return
	}
	d, err := p.downloads.GetByID(ctx, id)
	if err != nil {
		p.logger.Debug().Err(err).Int64("download_id", id).Msg("Failed to reload download after flush")
		return
	}
	p.notify(d, Percent(d.DownloadedSize, d.FileSize))
}

// Percent rounds up and never exceeds 100. An unknown total reports 0.
func Percent(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(100, math.Ceil(float64(downloaded)*100/float64(total)))
}
