package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/malscan/internal/config"
	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
)

// newMigrateCmd runs the same idempotent schema creation the api and
// worker commands perform on startup, so an operator can provision a fresh
// database ahead of deploying either process.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate()
		},
	}
}

func runMigrate() error {
	cfg := config.Load()
	logger := setupLogger(cfg)

	db, err := dbopen.Open(cfg.DatabaseURL, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := registry.New(db); err != nil {
		return fmt.Errorf("migrate registry: %w", err)
	}

	ctx := context.Background()
	q := queue.New(db, queue.Options{Queue: cfg.QueueName})
	if err := q.EnsureTable(ctx); err != nil {
		return fmt.Errorf("migrate queue: %w", err)
	}
	dlq := queue.New(db, queue.Options{Queue: cfg.DLQName})
	if err := dlq.EnsureTable(ctx); err != nil {
		return fmt.Errorf("migrate dlq: %w", err)
	}

	logger.Info("migrate: schema is up to date", "database", cfg.DatabaseURL)
	return nil
}
