package main

import (
	"github.com/spf13/cobra"

	"github.com/timzifer/fleetreplay/config"
)

type commandContext struct {
	configPath string
}

func (c *commandContext) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "fleetreplay",
		Short:         "Fleet position playback and sensor state service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "config.yaml", "Configuration file or directory")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newHealthcheckCommand(ctx))
	rootCmd.AddCommand(newMarkersCommand(ctx))
	rootCmd.AddCommand(newSimulateCommand(ctx))
	return rootCmd
}
