package root

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chunkdl/chunkdl/pkg/cli"
	"github.com/chunkdl/chunkdl/pkg/config"
	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/optname"
	"github.com/chunkdl/chunkdl/pkg/store"
)

const rootLongDesc = `
chunkdl

chunkdl is a resumable, multi-connection HTTP downloader. A file is split into byte ranges that are fetched
concurrently and written straight into place in the output file.

Every download and the progress of each of its chunks is recorded in a local SQLite database. An interrupted
download (Ctrl-C, a crash, a lost connection) can be continued later with 'chunkdl resume <id>' and only the
missing bytes are fetched again.

Servers that do not support range requests, or that do not report a size, are downloaded over a single
connection.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunkdl [flags] <url> [dest]",
		Short: "chunkdl",
		Long:  rootLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.PersistentStartupProcessFlags()
		},
		RunE: runRootCMD,
		Args: cobra.RangeArgs(1, 2),
		Example: `  chunkdl https://example.com/model.bin
  chunkdl -c 8 https://example.com/model.bin /data/model.bin`,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	err := config.AddRootPersistentFlags(cmd)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cmd
}

func runRootCMD(cmd *cobra.Command, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	urlString := args[0]
	if err := download.ValidateURL(urlString); err != nil {
		return err
	}
	dest := download.FilenameFromURL(urlString)
	if len(args) == 2 {
		dest = args[1]
	}

	log.Info().Str("url", urlString).
		Str("dest", dest).
		Int("threads", viper.GetInt(optname.Threads)).
		Msg("Initiating")

	if err := cli.EnsureDestinationNotExist(dest); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootExecute(ctx, urlString, dest)
}

// rootExecute adds and runs a single download, blocking until it ends or ctx
// is cancelled. A cancelled ctx pauses the download so it can be resumed.
func rootExecute(ctx context.Context, urlString, dest string) (err error) {
	engine, err := cli.OpenEngine()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(optname.ShutdownTimeout))
		defer cancel()
		err = errors.Join(err, engine.Close(closeCtx))
	}()

	if abs, absErr := filepath.Abs(dest); absErr == nil {
		dest = abs
	}
	waiter := cli.NewWaiter(log.Logger)
	id, err := engine.Manager.Add(ctx, &store.Download{URL: urlString, DownloadPath: dest}, waiter)
	if err != nil {
		return err
	}
	return RunAndWait(ctx, engine.Manager, waiter, id, engine.Manager.Start)
}

// RunAndWait invokes start for id and waits for the download to finish. When
// ctx ends first the download is paused and an error naming the resume command
// is returned.
func RunAndWait(ctx context.Context, m *download.Manager, waiter *cli.Waiter, id int64, start func(context.Context, int64) error) error {
	began := time.Now()
	if err := start(ctx, id); err != nil {
		return fmt.Errorf("download %d failed to start: %w", id, err)
	}

	outcome, err := waiter.Wait(ctx, id)
	if err != nil {
		if pauseErr := m.Pause(context.Background(), id); pauseErr != nil {
			log.Warn().Err(pauseErr).Int64("download_id", id).Msg("Failed to pause download")
		}
		log.Warn().Int64("download_id", id).Msgf("Interrupted, continue with 'chunkdl resume %d'", id)
		return fmt.Errorf("download %d interrupted", id)
	}

	switch outcome.Status {
	case store.StatusCompleted:
		d, err := m.Get(context.Background(), id)
		if err == nil {
			elapsed := time.Since(began)
			throughput := float64(d.FileSize) / elapsed.Seconds()
			log.Info().
				Int64("download_id", id).
				Str("dest", d.DownloadPath).
				Str("size", humanize.Bytes(uint64(max(d.FileSize, 0)))).
				Str("throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(max(throughput, 0))))).
				Str("elapsed_time", fmt.Sprintf("%.3fs", elapsed.Seconds())).
				Msg("Metrics")
		}
		return nil
	case store.StatusPaused:
		return fmt.Errorf("download %d paused, continue with 'chunkdl resume %d'", id, id)
	case store.StatusCanceled:
		return fmt.Errorf("download %d cancelled", id)
	default:
		return fmt.Errorf("download %d failed: %s", id, outcome.Reason)
	}
}
