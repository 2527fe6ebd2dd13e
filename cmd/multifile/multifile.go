package multifile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/chunkdl/chunkdl/pkg/cli"
	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/optname"
	"github.com/chunkdl/chunkdl/pkg/store"
)

const longDesc = `
'multifile' mode for chunkdl takes a manifest file as input (can use '-' for stdin) and downloads all files listed in the manifest.

The manifest is expected to be in the format of a newline-separated list of pairs of URLs and destination paths, separated by a space.
e.g.
https://example.com/file1.txt /tmp/file1.txt

A manifest whose name ends in .yaml or .yml is read as a list of {link, op} entries instead.

All downloads are queued at once; '--max-concurrent-downloads' limits how many transfer at the same time and
'--threads' how many connections each of them uses.
`

const multifileExamples = `
  chunkdl multifile manifest.txt

  chunkdl multifile downloads.yaml

  cat manifest.txt | chunkdl multifile -
`

type multifileDownloadMetric struct {
	elapsedTime time.Duration
	fileSize    int64
}

type downloadMetrics struct {
	metrics []multifileDownloadMetric
	failed  int
	mut     sync.Mutex
}

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "multifile [flags] <manifest-file>",
		Short:   "download files from a manifest file in parallel",
		Long:    longDesc,
		Args:    cobra.ExactArgs(1),
		RunE:    runMultifileCMD,
		Example: multifileExamples,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func runMultifileCMD(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	manifestPath := args[0]
	file, err := manifestFile(manifestPath)
	if err != nil {
		return err
	}
	defer file.Close()
	entries, err := parseManifest(file, isYAML(manifestPath))
	if err != nil {
		return fmt.Errorf("error processing manifest file %s: %w", manifestPath, err)
	}
	if len(entries) == 0 {
		log.Warn().Str("manifest", manifestPath).Msg("Manifest is empty")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return multifileExecute(ctx, entries)
}

func multifileExecute(ctx context.Context, entries []manifestEntry) (err error) {
	engine, err := cli.OpenEngine()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(optname.ShutdownTimeout))
		defer cancel()
		err = errors.Join(err, engine.Close(closeCtx))
	}()

	metrics := &downloadMetrics{}
	multifileDownloadStart := time.Now()
	if err := downloadAll(ctx, engine.Manager, cli.NewWaiter(log.Logger), entries, metrics); err != nil {
		return err
	}
	aggregateAndPrintMetrics(time.Since(multifileDownloadStart), metrics)
	if metrics.failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", metrics.failed, len(entries))
	}
	return nil
}

// downloadAll adds and starts every entry, then waits for all of them. The
// Manager's pool bounds how many actually transfer at once.
func downloadAll(ctx context.Context, m *download.Manager, waiter *cli.Waiter, entries []manifestEntry, metrics *downloadMetrics) error {
	var eg errgroup.Group
	for _, entry := range entries {
		dest := entry.dest
		if abs, err := filepath.Abs(dest); err == nil {
			dest = abs
		}
		log.Debug().Str("url", entry.url).Str("dest", dest).Msg("Queueing Download")

		id, err := m.Add(ctx, &store.Download{URL: entry.url, DownloadPath: dest}, waiter)
		if err != nil {
			return fmt.Errorf("error adding %s: %w", entry.url, err)
		}
		began := time.Now()
		if err := m.Start(ctx, id); err != nil {
			// the failure is reported through the waiter as well
			log.Error().Err(err).Int64("download_id", id).Msg("Failed to start download")
		}
		eg.Go(func() error {
			return waitAndMeasure(ctx, m, waiter, id, began, metrics)
		})
	}
	return eg.Wait()
}

func waitAndMeasure(ctx context.Context, m *download.Manager, waiter *cli.Waiter, id int64, began time.Time, metrics *downloadMetrics) error {
	outcome, err := waiter.Wait(ctx, id)
	if err != nil {
		if pauseErr := m.Pause(context.Background(), id); pauseErr != nil {
			log.Warn().Err(pauseErr).Int64("download_id", id).Msg("Failed to pause download")
		}
		return fmt.Errorf("download %d interrupted, continue with 'chunkdl resume %d'", id, id)
	}
	if outcome.Status != store.StatusCompleted {
		metrics.mut.Lock()
		metrics.failed++
		metrics.mut.Unlock()
		return nil
	}

	var size int64
	if d, err := m.Get(context.Background(), id); err == nil {
		size = d.FileSize
	}
	addDownloadMetrics(time.Since(began), size, metrics)
	return nil
}

func aggregateAndPrintMetrics(elapsedTime time.Duration, metrics *downloadMetrics) {
	var totalFileSize int64

	metrics.mut.Lock()
	defer metrics.mut.Unlock()

	for _, metric := range metrics.metrics {
		totalFileSize += metric.fileSize
	}
	throughput := float64(totalFileSize) / elapsedTime.Seconds()
	log.Info().
		Int("file_count", len(metrics.metrics)).
		Int("failed_count", metrics.failed).
		Str("total_bytes_downloaded", humanize.Bytes(uint64(totalFileSize))).
		Str("throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(throughput)))).
		Str("elapsed_time", fmt.Sprintf("%.3fs", elapsedTime.Seconds())).
		Msg("Metrics")
}

func addDownloadMetrics(elapsedTime time.Duration, fileSize int64, metrics *downloadMetrics) {
	result := multifileDownloadMetric{
		elapsedTime: elapsedTime,
		fileSize:    fileSize,
	}
	metrics.mut.Lock()
	defer metrics.mut.Unlock()
	metrics.metrics = append(metrics.metrics, result)
}
