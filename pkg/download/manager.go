package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/client"
	"github.com/chunkdl/chunkdl/pkg/probe"
	"github.com/chunkdl/chunkdl/pkg/store"
)

// Manager drives downloads through their lifecycle:
//
//	PENDING -> DOWNLOADING -> COMPLETED | FAILED | CANCELED
//	DOWNLOADING <-> PAUSED, PAUSED -> CANCELED
//
// Chunk workers of every download share one bounded pool. Start returns once
// workers are scheduled; a monitor goroutine per run reconciles the outcome.
type Manager struct {
	downloads DownloadStore
	chunks    ChunkStore
	settings  Settings
	opts      options
	logger    zerolog.Logger

	prober   *probe.Prober
	opener   Opener
	pool     *workerPool
	progress *progressTracker

	mu        sync.RWMutex
	active    map[int64]*run
	parked    map[int64]*run
	callbacks map[int64]Callback
	closed    bool
}

func NewManager(downloads DownloadStore, chunks ChunkStore, settings Settings, opts ...Option) *Manager {
	o := defaultOptions(settings)
	for _, opt := range opts {
		opt(&o)
	}
	if o.client.ConnectTimeout <= 0 {
		o.client.ConnectTimeout = settings.ConnectionTimeout()
	}

	probeOpener, workerOpener := o.opener, o.opener
	if o.opener == nil {
		probeOpener = client.New(o.client)
		// chunk workers run their own retry loop
		workerOpts := o.client
		workerOpts.MaxRetries = 0
		workerOpener = client.New(workerOpts)
	}

	poolSize := settings.MaxConcurrentDownloads() * max(settings.ThreadsPerDownload(), minPoolThreadsPerDownload)
	m := &Manager{
		downloads: downloads,
		chunks:    chunks,
		settings:  settings,
		opts:      o,
		logger:    o.logger,
		prober:    probe.New(probeOpener),
		opener:    workerOpener,
		pool:      newWorkerPool(poolSize),
		active:    make(map[int64]*run),
		parked:    make(map[int64]*run),
		callbacks: make(map[int64]Callback),
	}
	m.progress = newProgressTracker(downloads, o.flushInterval, o.now, o.logger)
	m.progress.notify = func(d *store.Download, percent float64) {
		m.callback(d.ID).OnProgress(d.ID, d.DownloadedSize, d.FileSize, percent)
	}
	m.logger.Debug().
		Int("pool_size", poolSize).
		Int("threads_per_download", settings.ThreadsPerDownload()).
		Int("max_concurrent_downloads", settings.MaxConcurrentDownloads()).
		Msg("Config")
	return m
}

// Add records a new PENDING download. The output path defaults to the last
// element of the URL path.
func (m *Manager) Add(ctx context.Context, d *store.Download, cb Callback) (int64, error) {
	if err := ValidateURL(d.URL); err != nil {
		return 0, err
	}
	if d.DownloadPath == "" {
		d.DownloadPath = FilenameFromURL(d.URL)
	}
	if d.Filename == "" {
		d.Filename = filepath.Base(d.DownloadPath)
	}
	d.Status = store.StatusPending
	d.DownloadedSize = 0
	d.FileSize = -1
	d.StartTime = m.opts.now()
	d.EndTime = time.Time{}
	if d.ThreadCount <= 0 {
		d.ThreadCount = 1
	}

	id, err := m.downloads.Insert(ctx, d)
	if err != nil {
		return 0, err
	}
	if cb != nil {
		m.RegisterCallback(id, cb)
	}
	m.logger.Info().Int64("download_id", id).Str("url", d.URL).Str("dest", d.DownloadPath).Msg("Download added")
	return id, nil
}

func (m *Manager) RegisterCallback(id int64, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb == nil {
		delete(m.callbacks, id)
		return
	}
	m.callbacks[id] = cb
}

func (m *Manager) callback(id int64) Callback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cb, ok := m.callbacks[id]; ok {
		return cb
	}
	return NopCallback{}
}

func (m *Manager) IsActive(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[id]
	return ok
}

func (m *Manager) Get(ctx context.Context, id int64) (*store.Download, error) {
	return m.downloads.GetByID(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*store.Download, error) {
	return m.downloads.GetAll(ctx)
}

func (m *Manager) Chunks(ctx context.Context, id int64) ([]*store.Chunk, error) {
	return m.chunks.GetChunksForDownload(ctx, id)
}

// Start begins or resumes a download. It is a no-op while the download is
// already running. The first start probes the origin and persists a chunk
// plan; later starts continue from the persisted chunk offsets.
func (m *Manager) Start(ctx context.Context, id int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := m.active[id]; ok {
		m.mu.Unlock()
		m.logger.Debug().Int64("download_id", id).Msg("Download already running")
		return nil
	}
	parked := m.parked[id]
	delete(m.parked, id)
	r := newRun(m.pool.root(), id, m.opts.now(), m.logger)
	m.active[id] = r
	m.mu.Unlock()

	if parked != nil {
		// paused workers hold stale offsets; let them persist and exit first
		parked.stop()
		if !parked.wait(m.opts.shutdownTimeout) {
			r.logger.Warn().Msg("Timed out waiting for paused workers")
		}
	}

	if err := m.launch(ctx, r); err != nil {
		if m.failStart(r, err) {
			return err
		}
	}
	return nil
}

// launch probes and plans (or reloads the plan), then commits the run and
// spawns its workers. Probing ends early when the run is stopped. Nothing is
// written once the run has been paused, cancelled or shut down.
func (m *Manager) launch(ctx context.Context, r *run) error {
	id := r.downloadID
	runCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	d, err := m.downloads.GetByID(runCtx, id)
	if err != nil {
		return err
	}
	chunks, err := m.chunks.GetChunksForDownload(runCtx, id)
	if err != nil {
		return err
	}

	resuming := len(chunks) > 0
	var planned []*store.Chunk
	if resuming {
		var downloaded int64
		for _, c := range chunks {
			downloaded += c.Downloaded()
		}
		d.DownloadedSize = downloaded
	} else {
		planned = m.plan(runCtx, r, d)
		if err := runCtx.Err(); err != nil {
			return err
		}
	}
	d.Status = store.StatusDownloading
	d.EndTime = time.Time{}

	cb := m.callback(id)
	current, err := r.commit(func() error {
		if m.pool.isClosed() {
			return errSuperseded
		}
		if err := m.downloads.Update(runCtx, d); err != nil {
			return err
		}
		if !resuming {
			if err := m.chunks.CreateChunks(runCtx, planned); err != nil {
				return err
			}
			// reload for the generated ids
			if chunks, err = m.chunks.GetChunksForDownload(runCtx, id); err != nil {
				return err
			}
		}
		m.progress.reset(id)

		if err := os.MkdirAll(filepath.Dir(d.DownloadPath), 0755); err != nil {
			return fmt.Errorf("failed to create destination directory: %w", err)
		}
		if !resuming {
			// a fresh plan never reuses bytes from an earlier file at this path
			if err := os.Truncate(d.DownloadPath, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to truncate %s: %w", d.DownloadPath, err)
			}
		}
		if d.FileSize > 0 {
			if err := m.ensureFreeSpace(d.DownloadPath, d.FileSize-d.DownloadedSize); err != nil {
				return err
			}
		}

		if resuming {
			cb.OnResume(id)
		} else {
			cb.OnStart(id)
		}
		cb.OnProgress(id, d.DownloadedSize, d.FileSize, Percent(d.DownloadedSize, d.FileSize))
		return nil
	})
	if errors.Is(err, errSuperseded) {
		current, err = false, nil
	}
	if err != nil {
		return err
	}
	if !current {
		r.logger.Info().Msg("Download was paused, cancelled or shut down while starting")
		close(r.done)
		m.detach(r)
		return nil
	}

	var pending int
	for _, c := range chunks {
		if c.Complete() {
			continue
		}
		w := newChunkWorker(*c, d.URL, d.DownloadPath, m.opener, m.chunks,
			func(n int64) { m.progress.OnDelta(id, n) }, r.logger)
		w.backoffBase, w.backoffLimit = m.opts.backoffBase, m.opts.backoffLimit
		r.addWorker(w)
		pending++
		r.group.Go(func() error {
			var res ChunkResult
			err := m.pool.run(r.ctx, func(ctx context.Context) { res = w.Run(ctx) })
			if err != nil {
				res = ChunkResult{ChunkID: w.chunk.ID, Stopped: true}
			}
			r.addResult(res)
			return nil
		})
	}

	r.logger.Info().
		Str("url", d.URL).
		Str("dest", d.DownloadPath).
		Str("size", sizeString(d.FileSize)).
		Int("chunks", len(chunks)).
		Int("pending_chunks", pending).
		Bool("resumed", resuming).
		Msg("Download started")

	go m.monitor(r)
	return nil
}

// plan probes the origin and lays out chunks. d is updated in memory only.
func (m *Manager) plan(ctx context.Context, r *run, d *store.Download) []*store.Chunk {
	result := m.prober.Probe(ctx, d.URL)
	planned := PlanChunks(d.ID, result.Size, result.RangesSupported,
		m.settings.ThreadsPerDownload(), m.opts.multiChunkThreshold)
	r.logger.Debug().
		Int64("size", result.Size).
		Bool("ranges", result.RangesSupported).
		Int("chunks", len(planned)).
		Msg("Probed")

	d.FileSize = result.Size
	d.DownloadedSize = 0
	d.ThreadCount = len(planned)
	return planned
}

// failStart persists FAILED for a run whose launch errored. It reports false,
// writing nothing, when the run had already been superseded.
func (m *Manager) failStart(r *run, cause error) bool {
	id := r.downloadID
	r.cancel()
	failed := r.finish(func() {
		ctx := context.Background()
		if err := m.downloads.UpdateStatus(ctx, id, store.StatusFailed); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn().Err(err).Msg("Failed to persist failure")
		}
		if err := m.downloads.UpdateEndTime(ctx, id, m.opts.now()); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn().Err(err).Msg("Failed to persist end time")
		}
	})
	close(r.done)
	m.detach(r)
	if !failed {
		r.logger.Debug().Err(cause).Msg("Start abandoned after the download was superseded")
		return false
	}
	r.logger.Error().Err(cause).Msg("Failed to start download")
	m.callback(id).OnFailed(id, cause.Error())
	return true
}

func (m *Manager) monitor(r *run) {
	defer close(r.done)
	_ = r.group.Wait()
	m.reconcile(r)
}

// reconcile decides the terminal state once every worker of r returned.
func (m *Manager) reconcile(r *run) {
	id := r.downloadID
	results := r.snapshot()
	m.progress.FlushNow(id)

	var (
		ok    bool
		msg   string
		total int64
	)
	finished := r.finish(func() {
		ctx := context.Background()
		d, err := m.downloads.GetByID(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Download vanished before completion")
			return
		}
		if d.Status == store.StatusCanceled {
			return
		}

		var chunkErr error
		stopped := false
		for _, res := range results {
			if res.Err != nil && chunkErr == nil {
				chunkErr = res.Err
			}
			stopped = stopped || res.Stopped
		}

		if stopped && chunkErr == nil && m.pool.isClosed() {
			// shut down before its workers got a slot; Shutdown parked it
			return
		}

		onDisk := fileSize(d.DownloadPath)
		sizeMatched := onDisk > 0
		if d.FileSize > 0 {
			sizeMatched = onDisk == d.FileSize
		}

		switch {
		case chunkErr != nil:
			msg = chunkErr.Error()
		case stopped:
			msg = errCancelled.Error()
		case !sizeMatched:
			msg = ErrSizeMismatch.Error()
			r.logger.Error().Int64("expected", d.FileSize).Int64("on_disk", onDisk).Msg("Size mismatch")
		default:
			ok = true
		}

		if ok {
			if d.FileSize <= 0 {
				d.FileSize = onDisk
			}
			d.DownloadedSize = d.FileSize
			d.Status = store.StatusCompleted
		} else {
			d.Status = store.StatusFailed
		}
		d.EndTime = m.opts.now()
		total = d.FileSize
		if err := m.downloads.Update(ctx, d); err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist final state")
		}
	})
	if !finished {
		return
	}

	m.detach(r)
	r.cancel()

	cb := m.callback(id)
	if ok {
		elapsed := m.opts.now().Sub(r.started)
		throughput := float64(total) / max(elapsed.Seconds(), 0.001)
		r.logger.Info().
			Str("size", humanize.Bytes(uint64(total))).
			Str("throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(throughput)))).
			Str("elapsed_time", fmt.Sprintf("%.3fs", elapsed.Seconds())).
			Msg("Download complete")
		cb.OnProgress(id, total, total, 100)
		cb.OnCompleted(id)
		return
	}
	if msg != "" {
		r.logger.Error().Str("reason", msg).Msg("Download failed")
		cb.OnFailed(id, msg)
	}
}

// detach drops r from the in-memory maps if it is still the current run.
func (m *Manager) detach(r *run) {
	m.mu.Lock()
	if m.active[r.downloadID] == r {
		delete(m.active, r.downloadID)
	}
	if m.parked[r.downloadID] == r {
		delete(m.parked, r.downloadID)
	}
	_, stillRunning := m.active[r.downloadID]
	m.mu.Unlock()
	if !stillRunning {
		m.progress.remove(r.downloadID)
	}
}

// Pause parks every worker of a running download at its current offset.
func (m *Manager) Pause(ctx context.Context, id int64) error {
	d, err := m.downloads.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == store.StatusPaused || d.Status.IsTerminal() {
		return nil
	}

	m.mu.Lock()
	r := m.active[id]
	if r != nil {
		if !r.supersede() {
			// reconciled between the status read and now
			m.mu.Unlock()
			return nil
		}
		delete(m.active, id)
		m.parked[id] = r
	}
	m.mu.Unlock()

	if r != nil {
		r.pauseAll()
	}
	if err := m.downloads.UpdateStatus(ctx, id, store.StatusPaused); err != nil {
		return err
	}
	m.progress.FlushNow(id)
	m.logger.Info().Int64("download_id", id).Msg("Download paused")
	m.callback(id).OnPause(id)
	return nil
}

// Resume continues a paused, failed or interrupted download.
func (m *Manager) Resume(ctx context.Context, id int64) error {
	d, err := m.downloads.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == store.StatusCompleted || m.IsActive(id) {
		return nil
	}
	return m.Start(ctx, id)
}

// Cancel stops a download for good. Its partial file and chunk plan are
// discarded, so a later Start begins from scratch. A completed download is
// left alone.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	d, err := m.downloads.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == store.StatusCompleted {
		return nil
	}

	r := m.takeRun(id)
	if err := m.downloads.UpdateStatus(ctx, id, store.StatusCanceled); err != nil {
		return err
	}
	if r != nil {
		m.stopRun(r)
	}
	if err := m.downloads.UpdateEndTime(ctx, id, m.opts.now()); err != nil {
		m.logger.Warn().Err(err).Int64("download_id", id).Msg("Failed to persist end time")
	}
	if err := m.chunks.DeleteChunks(ctx, id); err != nil {
		m.logger.Warn().Err(err).Int64("download_id", id).Msg("Failed to delete chunks")
	}
	if err := os.Remove(d.DownloadPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn().Err(err).Str("path", d.DownloadPath).Msg("Failed to delete partial file")
	}
	m.progress.remove(id)
	m.logger.Info().Int64("download_id", id).Msg("Download cancelled")
	m.callback(id).OnCancelled(id)
	return nil
}

// Remove stops a download and deletes its record and chunks. The file on
// disk is left alone.
func (m *Manager) Remove(ctx context.Context, id int64) (bool, error) {
	if r := m.takeRun(id); r != nil {
		m.stopRun(r)
	}
	m.progress.remove(id)
	deleted, err := m.downloads.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	m.RegisterCallback(id, nil)
	return deleted, nil
}

func (m *Manager) RemoveAll(ctx context.Context) error {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.active)+len(m.parked))
	for id, r := range m.active {
		runs = append(runs, r)
		delete(m.active, id)
	}
	for id, r := range m.parked {
		runs = append(runs, r)
		delete(m.parked, id)
	}
	m.callbacks = make(map[int64]Callback)
	m.mu.Unlock()

	for _, r := range runs {
		r.supersede()
		m.stopRun(r)
		m.progress.remove(r.downloadID)
	}
	return m.downloads.ClearAll(ctx)
}

// takeRun detaches and supersedes whatever run exists for id.
func (m *Manager) takeRun(id int64) *run {
	m.mu.Lock()
	r := m.active[id]
	if r == nil {
		r = m.parked[id]
	}
	delete(m.active, id)
	delete(m.parked, id)
	m.mu.Unlock()
	if r != nil {
		r.supersede()
	}
	return r
}

func (m *Manager) stopRun(r *run) {
	r.stop()
	if !r.wait(m.opts.shutdownTimeout) {
		r.logger.Warn().Msg("Timed out waiting for workers to stop")
	}
}

// Shutdown refuses new work, parks running downloads as PAUSED so they resume
// on the next start, and gives in-flight workers until the shutdown timeout
// before interrupting them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var active, parked []*run
	for _, r := range m.active {
		active = append(active, r)
	}
	for _, r := range m.parked {
		parked = append(parked, r)
	}
	m.mu.Unlock()

	m.pool.close()
	for _, r := range parked {
		r.stop()
	}
	for _, r := range active {
		if err := m.downloads.UpdateStatus(ctx, r.downloadID, store.StatusPaused); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to mark download paused")
		}
	}

	timeout := m.opts.shutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !m.pool.wait(timeout) {
		m.logger.Warn().Str("timeout", timeout.String()).Msg("Workers still running, forcing shutdown")
		for _, r := range active {
			if r.supersede() {
				m.callback(r.downloadID).OnPause(r.downloadID)
			}
			r.eachWorker((*chunkWorker).Stop)
		}
		m.pool.terminate()
	}

	for _, r := range append(active, parked...) {
		if !r.wait(m.opts.shutdownTimeout) {
			r.logger.Warn().Msg("Run did not exit")
		}
		m.progress.FlushNow(r.downloadID)
		m.detach(r)
	}
	m.pool.terminate()
	m.logger.Debug().Msg("Download manager shut down")
	return nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return nil
}

// FilenameFromURL picks a local file name from the URL path.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	name := filepath.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "download"
	}
	return name
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}
