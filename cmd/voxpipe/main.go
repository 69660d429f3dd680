package main

import (
	"os"

	"github.com/voxpipe/voxpipe/cmd"
	"github.com/voxpipe/voxpipe/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	planCmd := cmd.NewPlanCommand()
	rootCmd.AddCommand(planCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
