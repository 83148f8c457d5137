package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"prism-board/config"
	"prism-board/journal"
	"prism-board/storage"
)

func newStorageInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage-init",
		Short: "Create tables, indexes and the journal queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.Debug, cfg.LogFormat, cfg.LogFile)
			logger.Info("storage init starting")
			if err := initStorage(cmd.Context(), cfg); err != nil {
				return err
			}
			logger.Info("storage init complete")
			return nil
		},
	}
}

func initStorage(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	if cfg.JournalDriver == "azqueue" {
		q, err := journal.NewQueuePublisher(cfg.ConnectionString, cfg.JournalQueue)
		if err != nil {
			return fmt.Errorf("queue client: %w", err)
		}
		if err := q.Init(ctx); err != nil {
			return fmt.Errorf("create queue: %w", err)
		}
	}
	return nil
}
