package main

import (
	"os"

	"github.com/chunkdl/chunkdl/cmd"
	"github.com/chunkdl/chunkdl/pkg/logging"
)

func main() {
	logging.SetupLogger()
	rootCMD := cmd.GetRootCommand()
	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
