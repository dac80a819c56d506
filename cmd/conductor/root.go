package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/conductor/internal/config"
)

func newRootCmd() *cobra.Command {
	var home string
	rootCmd := &cobra.Command{
		Use:          "conductor",
		Short:        "Control plane for Janus media gateways",
		Long:         "conductor keeps sessions and handle pools on a fleet of Janus gateways, relays stream signaling and runs the recording upload and orphaned room sweeps.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&home, "home", "", "conductor home directory (default $CONDUCTOR_HOME or ~/.conductor)")

	load := func() (config.Config, error) {
		dir := home
		if dir == "" {
			dir = config.HomeDir()
		}
		cfg, err := config.LoadFrom(dir)
		if err != nil {
			return cfg, fmt.Errorf("config load: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(load),
		newStatusCmd(load),
		newVacuumCmd(load),
		newReapCmd(load),
		newBackendsCmd(load),
		newStatsCmd(load),
		newDoctorCmd(load),
	)
	return rootCmd
}

type configLoader func() (config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
