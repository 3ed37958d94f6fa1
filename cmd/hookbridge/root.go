package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hookbridge",
	Short: "Webhook delivery gateway",
	Long: `hookbridge receives webhooks from source control providers, verifies
their signatures, normalizes them into canonical envelopes and delivers
them to a message queue backend with per-session ordering, retries and
a dead letter queue.`,
	Version: "0.1.0",
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dlqCmd)
}
