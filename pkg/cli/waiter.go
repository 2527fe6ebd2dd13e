package cli

import (
	"context"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/store"
)

// progressStep is how far, in percent, a download moves between progress
// log lines.
const progressStep = 10

// Outcome is how a download's run ended.
type Outcome struct {
	ID     int64
	Status store.Status
	Reason string
}

// Waiter is a download.Callback for foreground commands: it logs lifecycle
// events and lets the caller block until a tracked download ends.
type Waiter struct {
	logger zerolog.Logger

	mu       sync.Mutex
	outcomes map[int64]chan Outcome
	logged   map[int64]float64
}

var _ download.Callback = (*Waiter)(nil)

func NewWaiter(logger zerolog.Logger) *Waiter {
	return &Waiter{
		logger:   logger,
		outcomes: make(map[int64]chan Outcome),
		logged:   make(map[int64]float64),
	}
}

func (w *Waiter) channel(id int64) chan Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.outcomes[id]
	if !ok {
		ch = make(chan Outcome, 1)
		w.outcomes[id] = ch
	}
	return ch
}

// Wait blocks until id completes, fails, is cancelled or is paused, or until
// ctx ends.
func (w *Waiter) Wait(ctx context.Context, id int64) (Outcome, error) {
	select {
	case o := <-w.channel(id):
		return o, nil
	case <-ctx.Done():
		return Outcome{ID: id}, ctx.Err()
	}
}

func (w *Waiter) finish(o Outcome) {
	select {
	case w.channel(o.ID) <- o:
	default:
	}
}

func (w *Waiter) OnStart(id int64) {
	w.logger.Info().Int64("download_id", id).Msg("Downloading")
}

func (w *Waiter) OnResume(id int64) {
	w.logger.Info().Int64("download_id", id).Msg("Resuming")
}

func (w *Waiter) OnPause(id int64) {
	w.logger.Info().Int64("download_id", id).Msg("Paused")
	w.finish(Outcome{ID: id, Status: store.StatusPaused})
}

func (w *Waiter) OnProgress(id int64, downloaded, total int64, percent float64) {
	w.mu.Lock()
	last, seen := w.logged[id]
	step := math.Floor(percent/progressStep) * progressStep
	due := !seen || step > last
	if due {
		w.logged[id] = step
	}
	w.mu.Unlock()
	if !due {
		return
	}

	event := w.logger.Info().Int64("download_id", id).Str("downloaded", humanize.Bytes(uint64(downloaded)))
	if total > 0 {
		event = event.Str("total", humanize.Bytes(uint64(total))).Str("percent", humanize.FormatFloat("#.", percent)+"%")
	}
	event.Msg("Progress")
}

func (w *Waiter) OnCompleted(id int64) {
	w.logger.Info().Int64("download_id", id).Msg("Complete")
	w.finish(Outcome{ID: id, Status: store.StatusCompleted})
}

func (w *Waiter) OnFailed(id int64, msg string) {
	w.logger.Error().Int64("download_id", id).Str("reason", msg).Msg("Failed")
	w.finish(Outcome{ID: id, Status: store.StatusFailed, Reason: msg})
}

func (w *Waiter) OnCancelled(id int64) {
	w.logger.Warn().Int64("download_id", id).Msg("Cancelled")
	w.finish(Outcome{ID: id, Status: store.StatusCanceled})
}
