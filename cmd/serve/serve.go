package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chunkdl/chunkdl/pkg/api"
	"github.com/chunkdl/chunkdl/pkg/cli"
	"github.com/chunkdl/chunkdl/pkg/logging"
	"github.com/chunkdl/chunkdl/pkg/optname"
)

const (
	defaultListen = ":8089"
	dirFlag       = "dir"
)

const longDesc = `
'serve' runs chunkdl as a long-lived process with a JSON control API and a websocket event stream.

  GET    /api/downloads              list downloads
  POST   /api/downloads              add a download {"url": "...", "dest": "...", "start": true}
  GET    /api/downloads/:id          a download and its chunks
  POST   /api/downloads/:id/start    start (or continue) a download
  POST   /api/downloads/:id/pause
  POST   /api/downloads/:id/resume
  POST   /api/downloads/:id/cancel
  DELETE /api/downloads/:id          remove the record, keeping the file
  DELETE /api/downloads              remove every record
  GET    /api/events                 websocket stream of download events

Relative destinations are placed under '--dir'.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve [flags]",
		Short:   "serve the download API over HTTP",
		Long:    longDesc,
		Args:    cobra.NoArgs,
		RunE:    runServeCMD,
		Example: `  chunkdl serve --listen 127.0.0.1:8089 --dir ~/Downloads`,
	}
	cmd.Flags().String(optname.Listen, defaultListen, "Address for the API to listen on")
	cmd.Flags().String(dirFlag, ".", "Directory relative download destinations are placed in")
	if err := viper.BindPFlag(optname.Listen, cmd.Flags().Lookup(optname.Listen)); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func runServeCMD(cmd *cobra.Command, args []string) (err error) {
	cmd.SilenceUsage = true
	dir, err := cmd.Flags().GetString(dirFlag)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
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

	hub := api.NewHub(logging.GetComponentLogger("events"))
	server := api.NewServer(engine.Manager, hub, dir, logging.GetComponentLogger("api"))
	if err := server.ListenAndServe(ctx, viper.GetString(optname.Listen)); err != nil {
		return err
	}
	log.Info().Msg("Server stopped, parking running downloads")
	return nil
}
