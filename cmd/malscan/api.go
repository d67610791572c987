package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/malscan/internal/artifactstore"
	"github.com/hazyhaar/malscan/internal/config"
	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/httpapi"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
)

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the submission and query HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runAPI()
		},
	}
}

func runAPI() error {
	cfg := config.Load()
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := dbopen.Open(cfg.DatabaseURL, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, err := registry.New(db)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	store, err := artifactstore.New(ctx, artifactstore.Options{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		Region:    cfg.BlobRegion,
		UseTLS:    cfg.BlobUseTLS,
	})
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	q := queue.New(db, queue.Options{Queue: cfg.QueueName})
	if err := q.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure queue table: %w", err)
	}
	dlq := queue.New(db, queue.Options{Queue: cfg.DLQName})
	if err := dlq.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure dlq table: %w", err)
	}

	srvDeps := &httpapi.Server{
		Registry:    reg,
		Store:       store,
		Queue:       q,
		MaxFileSize: cfg.MaxFileSize,
		StagesTotal: cfg.StagesTotal,
		CORSOrigins: cfg.CORSOrigins,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(srvDeps),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api: starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("api: shutting down")
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api: shutdown error", "error", err)
	}
	logger.Info("api: stopped")
	return nil
}
