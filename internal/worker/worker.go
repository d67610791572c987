// Package worker is the Pipeline Orchestrator: it consumes one job message
// at a time, downloads the artifact, runs the stage pipeline, and persists
// the terminal outcome — acking, requeueing, or dead-lettering the message
// according to the retry budget.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/malscan/internal/artifactstore"
	"github.com/hazyhaar/malscan/internal/metrics"
	"github.com/hazyhaar/malscan/internal/pipeline"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
	"github.com/hazyhaar/malscan/internal/report"
	"github.com/hazyhaar/malscan/internal/safety"
)

// MaxRetries is the total retry budget before a message is dead-lettered:
// the initial delivery plus two redeliveries.
const MaxRetries = 3

// Message is the JSON wire shape published by the submission endpoint.
type Message struct {
	JobID            string `json:"job_id"`
	FileID           string `json:"file_id"`
	StorageKey       string `json:"storage_key"`
	SHA256           string `json:"sha256"`
	OriginalFilename string `json:"original_filename"`
}

// Worker ties the queue, registry, artifact store, and stage pipeline
// together into the consume → fetch → execute → persist loop.
type Worker struct {
	Queue     *queue.Q
	DLQ       *queue.Q
	QueueName string
	DLQName   string
	Registry  *registry.Registry
	Store     *artifactstore.Store
	Pipeline  *pipeline.Pipeline
	WorkDir   string
	PollEvery time.Duration
	Logger    *slog.Logger
}

// Run polls the queue for one message at a time (prefetch = 1) until ctx is
// cancelled. A stage in progress at shutdown runs to completion or its
// timeout; only then does the loop observe ctx.Done and stop.
func (w *Worker) Run(ctx context.Context) {
	log := w.logger()
	interval := w.PollEvery
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("worker: started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker: stopped")
			return
		case <-ticker.C:
			w.reportQueueDepth(ctx, log)
			w.drain(ctx, log)
		}
	}
}

// reportQueueDepth samples the main and dead-letter queue lengths into the
// malscan_queue_depth gauge. Best-effort: a failed Len read is logged and
// skipped rather than blocking the poll loop.
func (w *Worker) reportQueueDepth(ctx context.Context, log *slog.Logger) {
	if n, err := w.Queue.Len(ctx); err != nil {
		log.Warn("worker: queue depth read failed", "error", err)
	} else {
		metrics.QueueDepth.WithLabelValues(w.QueueName).Set(float64(n))
	}
	if n, err := w.DLQ.Len(ctx); err != nil {
		log.Warn("worker: dlq depth read failed", "error", err)
	} else {
		metrics.QueueDepth.WithLabelValues(w.DLQName).Set(float64(n))
	}
}

func (w *Worker) drain(ctx context.Context, log *slog.Logger) {
	for {
		msg, err := w.Queue.Claim(ctx)
		if err != nil {
			log.Warn("worker: claim failed", "error", err)
			return
		}
		if msg == nil {
			return
		}
		w.process(ctx, msg, log)
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Message, log *slog.Logger) {
	var qm Message
	if err := json.Unmarshal(msg.Payload, &qm); err != nil {
		log.Warn("worker: poison message, routing to dlq", "id", msg.ID, "error", err)
		if err := w.Queue.DeadLetter(ctx, w.DLQ, msg.ID, msg.Payload); err != nil {
			log.Error("worker: dead-letter poison message", "id", msg.ID, "error", err)
		}
		return
	}

	log = log.With("job_id", qm.JobID, "sha256", qm.SHA256)

	metrics.WorkerActiveJobs.Inc()
	defer metrics.WorkerActiveJobs.Dec()

	if err := w.Registry.UpdateStatus(ctx, qm.JobID, registry.StatusScanning); err != nil {
		log.Warn("worker: progress write failed", "error", err)
	}

	jobDir, err := safety.SafePath(w.WorkDir, qm.JobID)
	if err != nil {
		w.failOrRequeue(ctx, msg, qm, log, fmt.Sprintf("build work dir: %v", err), "", 0)
		return
	}
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		w.failOrRequeue(ctx, msg, qm, log, fmt.Sprintf("create work dir: %v", err), "", 0)
		return
	}
	defer os.RemoveAll(jobDir)

	destPath, err := safety.SafePath(jobDir, qm.StorageKey)
	if err != nil {
		w.failOrRequeue(ctx, msg, qm, log, fmt.Sprintf("build artifact path: %v", err), "", 0)
		return
	}

	localPath, err := w.Store.Get(ctx, qm.StorageKey, destPath)
	if err != nil {
		w.failOrRequeue(ctx, msg, qm, log, fmt.Sprintf("fetch artifact: %v", err), "", 0)
		return
	}

	sctx := &pipeline.StageContext{
		JobID:            qm.JobID,
		FileID:           qm.FileID,
		StorageKey:       qm.StorageKey,
		SHA256:           qm.SHA256,
		OriginalFilename: qm.OriginalFilename,
		LocalPath:        localPath,
		WorkDir:          jobDir,
	}

	// Detach from the worker's shutdown-cancellable ctx: a SIGTERM mid-stage
	// must let the running stage finish (or hit its own timeout) rather than
	// being cancelled outright, per the cancellation contract.
	execCtx := context.WithoutCancel(ctx)
	results, execErr := w.Pipeline.Execute(execCtx, sctx, func(pctx context.Context, idx int, name string) error {
		if err := w.Registry.UpdateStage(pctx, qm.JobID, name, idx); err != nil {
			log.Warn("worker: progress write failed", "stage", name, "error", err)
			return err
		}
		return nil
	})

	if execErr != nil {
		stageName, stagesDone := failurePoint(results)
		w.failOrRequeue(ctx, msg, qm, log, execErr.Error(), stageName, stagesDone)
		return
	}

	rep := report.Build(qm.JobID, report.FileInfo{
		FileID:           qm.FileID,
		SHA256:           qm.SHA256,
		OriginalFilename: qm.OriginalFilename,
	}, results)
	rep.CreatedAt = time.Now().UTC()

	body, err := json.Marshal(rep)
	if err != nil {
		w.failOrRequeue(ctx, msg, qm, log, fmt.Sprintf("marshal report: %v", err), "", len(results))
		return
	}

	if err := w.Registry.UpdateResult(ctx, qm.JobID, body); err != nil {
		log.Error("worker: terminal result write failed, requeueing for redelivery", "error", err)
		if err := w.Queue.Nack(ctx, msg.ID); err != nil {
			log.Error("worker: nack failed", "id", msg.ID, "error", err)
		}
		return
	}

	metrics.JobTotal.WithLabelValues(string(registry.StatusDone)).Inc()
	if err := w.Queue.Ack(ctx, msg.ID); err != nil {
		log.Error("worker: ack failed", "id", msg.ID, "error", err)
	}
}

// failOrRequeue implements the retry/DLQ decision from the message's
// observed attempt count: requeue while the budget allows redelivery,
// otherwise write the terminal failed state and dead-letter the message.
func (w *Worker) failOrRequeue(ctx context.Context, msg *queue.Message, qm Message, log *slog.Logger, errMsg, stageName string, stagesDone int) {
	if msg.Attempts < MaxRetries {
		log.Warn("worker: stage failed, requeueing", "attempts", msg.Attempts, "error", errMsg)
		if err := w.Queue.Nack(ctx, msg.ID); err != nil {
			log.Error("worker: nack failed", "id", msg.ID, "error", err)
		}
		return
	}

	terminalErr := fmt.Sprintf("Max retries exceeded: %s", errMsg)
	if err := w.Registry.UpdateFailed(ctx, qm.JobID, stageName, stagesDone, terminalErr); err != nil {
		log.Error("worker: terminal failure write failed, requeueing for redelivery", "error", err)
		if err := w.Queue.Nack(ctx, msg.ID); err != nil {
			log.Error("worker: nack failed", "id", msg.ID, "error", err)
		}
		return
	}

	metrics.JobTotal.WithLabelValues(string(registry.StatusFailed)).Inc()
	if err := w.Queue.DeadLetter(ctx, w.DLQ, msg.ID, msg.Payload); err != nil {
		log.Error("worker: dead-letter failed", "id", msg.ID, "error", err)
	}
}

func failurePoint(results []pipeline.StageResult) (string, int) {
	if len(results) == 0 {
		return "", 0
	}
	last := results[len(results)-1]
	if last.Status == pipeline.StatusFailed {
		return last.StageName, len(results) - 1
	}
	return last.StageName, len(results)
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
