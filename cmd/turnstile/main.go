package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "turnstile",
		Short: "Turnstile - durable one-at-a-time batch driver",
		Long: `Turnstile feeds queued batches of tasks through an interactive
automation surface, one task at a time. The control process survives
restarts; workers holding the surface are disposable and reconnect.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
