package download

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// run is one attempt at moving a download forward: the workers spawned by a
// single Start and the monitor waiting on them. A run ends either by being
// reconciled into a terminal state or by being superseded (pause, cancel,
// shutdown), after which its results are ignored.
type run struct {
	id         string
	downloadID int64
	started    time.Time
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	done   chan struct{}

	mu         sync.Mutex
	workers    []*chunkWorker
	results    []ChunkResult
	superseded bool
	finished   bool
	paused     bool
	stopped    bool
}

func newRun(parent context.Context, downloadID int64, now time.Time, logger zerolog.Logger) *run {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &run{
		id:         id,
		downloadID: downloadID,
		started:    now,
		logger:     logger.With().Int64("download_id", downloadID).Str("run_id", id).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// addWorker registers w, applying any pause or stop already issued to the run.
func (r *run) addWorker(w *chunkWorker) {
	r.mu.Lock()
	r.workers = append(r.workers, w)
	paused, stopped := r.paused, r.stopped
	r.mu.Unlock()
	if stopped {
		w.Stop()
	} else if paused {
		w.Pause()
	}
}

func (r *run) addResult(res ChunkResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *run) snapshot() []ChunkResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChunkResult(nil), r.results...)
}

// supersede detaches the run from the download record. It returns false when
// the run had already been reconciled.
func (r *run) supersede() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.superseded = true
	return true
}

// finish runs fn exactly once unless the run was superseded first. fn holds
// the run lock so no supersede can interleave with its writes.
func (r *run) finish(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded || r.finished {
		return false
	}
	r.finished = true
	fn()
	return true
}

// commit runs fn under the run lock while the run is still current and reports
// whether it ran. A supersede either precedes every write fn makes or follows
// all of them.
func (r *run) commit(fn func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded || r.finished {
		return false, nil
	}
	return true, fn()
}

func (r *run) eachWorker(fn func(*chunkWorker)) {
	r.mu.Lock()
	workers := append([]*chunkWorker(nil), r.workers...)
	r.mu.Unlock()
	for _, w := range workers {
		fn(w)
	}
}

func (r *run) pauseAll() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.eachWorker((*chunkWorker).Pause)
}

// stop tells every worker to exit and interrupts blocked I/O.
func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.eachWorker((*chunkWorker).Stop)
	r.cancel()
}

// wait blocks until the run's monitor has returned or timeout elapses.
func (r *run) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}
