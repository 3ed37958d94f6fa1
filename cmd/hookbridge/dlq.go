package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/dlq"
	"github.com/hookbridge/hookbridge/internal/logging"
)

var dlqListLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and maintain the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDLQStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		records, err := store.List(ctx, dlqListLimit)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("dead letter queue is empty")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove all dead-lettered events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDLQStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := store.Purge(ctx); err != nil {
			return fmt.Errorf("purge dead letters: %w", err)
		}
		fmt.Println("dead letter queue purged")
		return nil
	},
}

func openDLQStore() (dlq.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel("warn"), "text")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.DLQ.Backend {
	case "jetstream", "":
		return dlq.NewJetStreamStore(ctx, cfg.DLQ.NATSURL, logger)
	case "postgres":
		return dlq.NewPostgresStore(ctx, cfg.DLQ.PostgresURL, logger)
	default:
		return nil, fmt.Errorf("dlq backend %q is not accessible from the CLI (supported: jetstream, postgres)", cfg.DLQ.Backend)
	}
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 100, "maximum records to list")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
}
