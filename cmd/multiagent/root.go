package main

import (
	"github.com/spf13/cobra"
)

const configFlag = "config"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "multiagent",
		Short:        "Multi-agent crew runner with a live log stream",
		Long:         "multiagent runs crews of agents against tasks and streams their thoughts, actions and milestones to websocket subscribers per project.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String(configFlag, "", "YAML config file (default multiagent.yaml when present)")

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newCatalogCmd(),
	)
	return rootCmd
}
