package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scrimbot/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scrimbot",
		Short: "scrimbot - scheduled scrim lifecycle bot for Discord",
		Long: `scrimbot mirrors guild channels and roles into a key-value cache and runs
scheduled scrim actions (such as opening registration) from a durable queue,
guarded by distributed locks so several workers can share the load.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.WorkerCmd())
	rootCmd.AddCommand(cli.ScheduleCmd())
	rootCmd.AddCommand(cli.MirrorCmd())
	rootCmd.AddCommand(cli.QueueCmd())
	rootCmd.AddCommand(cli.ScrimCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
