package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/malscan/internal/artifactstore"
	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/pipeline"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
	"github.com/hazyhaar/malscan/internal/worker"
)

type fakeS3 struct{ objects map[string][]byte }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

type okStage struct{}

func (okStage) Name() string { return "file-type" }
func (okStage) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	return pipeline.StageResult{Status: pipeline.StatusOK, Findings: map[string]any{"mime_type": "text/plain"}}
}

type failStage struct{}

func (failStage) Name() string { return "clamav" }
func (failStage) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	return pipeline.StageResult{Status: pipeline.StatusFailed, Error: "scanner exploded"}
}

func setup(t *testing.T, stages []pipeline.Stage) (*worker.Worker, *registry.Registry, *queue.Q, *queue.Q, *artifactstore.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	reg, err := registry.New(db)
	if err != nil {
		t.Fatal(err)
	}
	main := queue.New(db, queue.Options{Queue: "malscan.jobs", Visibility: time.Second})
	dlq := queue.New(db, queue.Options{Queue: "malscan-dlq", Visibility: time.Second})
	if err := main.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}

	client := &fakeS3{}
	store := artifactstore.NewWithClient(client, "malscan-artifacts")

	w := &worker.Worker{
		Queue:    main,
		DLQ:      dlq,
		Registry: reg,
		Store:    store,
		Pipeline:  pipeline.New(stages, time.Second, nil),
		WorkDir:   t.TempDir(),
		PollEvery: 5 * time.Millisecond,
	}
	return w, reg, main, dlq, store
}

func publishJob(t *testing.T, reg *registry.Registry, store *artifactstore.Store, q *queue.Q, stagesTotal int) *registry.Job {
	t.Helper()
	ctx := context.Background()
	digest := "abc123"
	if err := store.Put(ctx, digest, []byte("hello"), "application/octet-stream"); err != nil {
		t.Fatal(err)
	}
	f, err := reg.InsertFile(ctx, &registry.File{SHA256: digest, Size: 5, Filename: "hello.bin"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := reg.InsertJob(ctx, f.ID, stagesTotal)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(worker.Message{
		JobID: job.ID, FileID: f.ID, StorageKey: digest, SHA256: digest, OriginalFilename: "hello.bin",
	})
	if err := q.Publish(ctx, job.ID, payload); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestWorkerHappyPath(t *testing.T) {
	w, reg, q, _, store := setup(t, []pipeline.Stage{okStage{}})
	job := publishJob(t, reg, store, q, 1)

	ctx := context.Background()
	w.Run(runOnceCtx(ctx))

	got, err := reg.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != registry.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if len(got.Result) == 0 {
		t.Fatal("expected a populated result")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected queue drained, got %d remaining", n)
	}
}

func TestWorkerPoisonMessageGoesToDLQ(t *testing.T) {
	w, reg, q, dlq, _ := setup(t, []pipeline.Stage{okStage{}})
	ctx := context.Background()

	if err := q.Publish(ctx, "bad-1", []byte("not-json")); err != nil {
		t.Fatal(err)
	}

	w.Run(runOnceCtx(ctx))

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected main queue drained, got %d", n)
	}
	if n, _ := dlq.Len(ctx); n != 1 {
		t.Fatalf("expected 1 message in dlq, got %d", n)
	}
	_ = reg
}

func TestWorkerExhaustsRetriesThenDeadLetters(t *testing.T) {
	w, reg, q, dlq, store := setup(t, []pipeline.Stage{failStage{}})
	job := publishJob(t, reg, store, q, 1)
	ctx := context.Background()

	// Simulate MaxRetries-1 prior deliveries by claiming and nacking
	// directly, so the worker's own claim is the last the budget allows.
	for i := 0; i < worker.MaxRetries-1; i++ {
		msg, err := q.Claim(ctx)
		if err != nil || msg == nil {
			t.Fatalf("expected a claimable message, got %v, %v", msg, err)
		}
		if err := q.Nack(ctx, msg.ID); err != nil {
			t.Fatal(err)
		}
	}

	w.Run(runOnceCtx(ctx))

	got, err := reg.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != registry.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if n, _ := dlq.Len(ctx); n != 1 {
		t.Fatalf("expected message dead-lettered, got dlq len %d", n)
	}
}

// runOnceCtx returns a context that expires 150ms after start, so Worker.Run
// returns on its own. With the 5ms PollEvery used in setup, the drain loop
// runs on many ticks before then; each test publishes a single message, so
// only the first drain finds work.
func runOnceCtx(parent context.Context) context.Context {
	ctx, cancel := context.WithTimeout(parent, 150*time.Millisecond)
	_ = cancel
	return ctx
}
