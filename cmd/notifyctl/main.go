package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notifyctl",
		Short: "Operator CLI for the notification service",
		Long: `notifyctl talks to the same broker, database and cache as the notification
service. It reads its configuration from the environment, a .env file or the
YAML file named by NOTIFIER_CONFIG.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newPublishCmd(),
		newSweepCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
