package cmd

import (
	"github.com/spf13/cobra"

	"github.com/chunkdl/chunkdl/cmd/multifile"
	"github.com/chunkdl/chunkdl/cmd/queue"
	"github.com/chunkdl/chunkdl/cmd/root"
	"github.com/chunkdl/chunkdl/cmd/serve"
	"github.com/chunkdl/chunkdl/cmd/version"
)

func GetRootCommand() *cobra.Command {
	rootCMD := root.GetCommand()
	rootCMD.AddCommand(multifile.GetCommand())
	rootCMD.AddCommand(queue.ListCommand())
	rootCMD.AddCommand(queue.ResumeCommand())
	rootCMD.AddCommand(queue.RemoveCommand())
	rootCMD.AddCommand(queue.ClearCommand())
	rootCMD.AddCommand(serve.GetCommand())
	rootCMD.AddCommand(version.VersionCMD)
	return rootCMD
}
