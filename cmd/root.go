// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/voxpipe/voxpipe/cmd/util"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with VOXPIPE, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(util.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/voxpipe", "$HOME/.voxpipe", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "voxpipe",
		Short: "A pull-based pipeline for batches of volumetric arrays and point graphs",
		Long: `A pull-based pipeline for batches of volumetric arrays and point graphs.

Pipelines are defined in YAML: sources serve arrays and graphs, filters transform them
and relays merge or randomly choose between branches. Consumers request batches from
the output node; every node negotiates what it needs from its upstream nodes.`,
		SilenceUsage: true,
	}
}
