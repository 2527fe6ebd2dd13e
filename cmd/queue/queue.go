// Package queue holds the commands that inspect and drive downloads already
// recorded in the database.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chunkdl/chunkdl/cmd/root"
	"github.com/chunkdl/chunkdl/pkg/cli"
	"github.com/chunkdl/chunkdl/pkg/optname"
	"github.com/chunkdl/chunkdl/pkg/store"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	statusStyles = map[store.Status]lipgloss.Style{
		store.StatusCompleted:   lipgloss.NewStyle().Foreground(lipgloss.Color("37")),
		store.StatusFailed:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		store.StatusCanceled:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		store.StatusPaused:      lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		store.StatusPending:     lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		store.StatusDownloading: lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	}
)

const statusColumn = 2

func ListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, err := cli.OpenStore()
			if err != nil {
				return err
			}
			defer s.Close()
			downloads, err := s.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			renderTable(cmd.OutOrStdout(), downloads)
			return nil
		},
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func ResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resume <id>",
		Short:   "continue a paused, failed or interrupted download",
		Args:    cobra.ExactArgs(1),
		Example: `  chunkdl resume 3`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cmd.SilenceUsage = true
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := cli.OpenEngine()
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(optname.ShutdownTimeout))
				defer cancel()
				err = errors.Join(err, engine.Close(closeCtx))
			}()

			d, err := engine.Manager.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("download %d: %w", id, err)
			}
			if d.Status == store.StatusCompleted {
				log.Info().Int64("download_id", id).Str("dest", d.DownloadPath).Msg("Already complete")
				return nil
			}
			waiter := cli.NewWaiter(log.Logger)
			engine.Manager.RegisterCallback(id, waiter)
			return root.RunAndWait(ctx, engine.Manager, waiter, id, engine.Manager.Resume)
		},
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func RemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "delete a download record, keeping any file on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, engine *cli.Engine) error {
				deleted, err := engine.Manager.Remove(ctx, id)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("download %d: %w", id, store.ErrNotFound)
				}
				log.Info().Int64("download_id", id).Msg("Removed")
				return nil
			})
		},
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func ClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "delete every download record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withEngine(cmd.Context(), func(ctx context.Context, engine *cli.Engine) error {
				if err := engine.Manager.RemoveAll(ctx); err != nil {
					return err
				}
				log.Info().Msg("Cleared all downloads")
				return nil
			})
		},
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *cli.Engine) error) error {
	engine, err := cli.OpenEngine()
	if err != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(optname.ShutdownTimeout))
	defer cancel()
	return errors.Join(fn(ctx, engine), engine.Close(closeCtx))
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid download id %q", arg)
	}
	return id, nil
}

func renderTable(w io.Writer, downloads []*store.Download) {
	if len(downloads) == 0 {
		fmt.Fprintln(w, "No downloads recorded")
		return
	}
	rows := make([][]string, 0, len(downloads))
	for _, d := range downloads {
		rows = append(rows, downloadRow(d))
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ID", "FILE", "STATUS", "PROGRESS", "SIZE", "THREADS", "STARTED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn {
				if style, ok := statusStyles[downloads[row].Status]; ok {
					return style.Padding(0, 1)
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func downloadRow(d *store.Download) []string {
	size := "unknown"
	progress := humanize.Bytes(uint64(max(d.DownloadedSize, 0)))
	if d.FileSize > 0 {
		size = humanize.Bytes(uint64(d.FileSize))
		percent := min(float64(d.DownloadedSize)*100/float64(d.FileSize), 100)
		progress = humanize.FormatFloat("#.", percent) + "%"
	}
	started := "-"
	if !d.StartTime.IsZero() {
		started = d.StartTime.Local().Format(time.DateTime)
	}
	return []string{
		strconv.FormatInt(d.ID, 10),
		d.Filename,
		string(d.Status),
		progress,
		size,
		strconv.Itoa(d.ThreadCount),
		started,
	}
}
