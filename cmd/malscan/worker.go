package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/malscan/internal/artifactstore"
	"github.com/hazyhaar/malscan/internal/config"
	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/metrics"
	"github.com/hazyhaar/malscan/internal/pipeline"
	"github.com/hazyhaar/malscan/internal/pipeline/stages"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
	"github.com/hazyhaar/malscan/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline orchestrator worker",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
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

	q := queue.New(db, queue.Options{Queue: cfg.QueueName})
	if err := q.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure queue table: %w", err)
	}
	dlq := queue.New(db, queue.Options{Queue: cfg.DLQName})
	if err := dlq.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure dlq table: %w", err)
	}

	p := pipeline.New([]pipeline.Stage{
		stages.FileType{},
		stages.ClamAV{BinaryPath: cfg.ClamscanPath},
		stages.Yara{RulesDir: cfg.YaraRulesDir},
		stages.Ioc{},
		stages.Sandbox{Enabled: cfg.SandboxEnabled, Mock: cfg.SandboxMock},
	}, time.Duration(cfg.StageTimeoutSeconds)*time.Second, metrics.StageObserver{})

	w := &worker.Worker{
		Queue:     q,
		DLQ:       dlq,
		QueueName: cfg.QueueName,
		DLQName:   cfg.DLQName,
		Registry:  reg,
		Store:     store,
		Pipeline:  p,
		WorkDir:   "data/jobs",
		PollEvery: time.Second,
		Logger:    logger,
	}

	logger.Info("worker: starting", "stages", p.Len())
	w.Run(ctx)
	logger.Info("worker: stopped")
	return nil
}
