package registry_test

import (
	"context"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db := dbopen.OpenMemory(t)
	r, err := registry.New(db)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return r
}

func TestInsertFileDedup(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	f1, err := r.InsertFile(ctx, &registry.File{SHA256: "abc", Size: 5, Filename: "hello.bin"})
	if err != nil {
		t.Fatal(err)
	}
	f2, err := r.InsertFile(ctx, &registry.File{SHA256: "abc", Size: 5, Filename: "hello-again.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if f1.ID != f2.ID {
		t.Fatalf("expected same file id for same digest, got %q and %q", f1.ID, f2.ID)
	}
	if f2.Filename != "hello.bin" {
		t.Fatalf("second insert should not overwrite, got filename %q", f2.Filename)
	}
}

func TestLookupFileBySHA256NotFound(t *testing.T) {
	r := newRegistry(t)
	_, err := r.LookupFileBySHA256(context.Background(), "does-not-exist")
	if err != registry.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertJobLifecycle(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	f, err := r.InsertFile(ctx, &registry.File{SHA256: "deadbeef", Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	job, err := r.InsertJob(ctx, f.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != registry.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.StagesDone != 0 || job.StagesTotal != 5 {
		t.Fatalf("unexpected stage counts: %+v", job)
	}

	if err := r.UpdateStage(ctx, job.ID, "file-type", 0); err != nil {
		t.Fatal(err)
	}
	job, err = r.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != registry.StatusScanning {
		t.Fatalf("expected scanning, got %s", job.Status)
	}
	if !job.CurrentStage.Valid || job.CurrentStage.String != "file-type" {
		t.Fatalf("expected current_stage=file-type, got %+v", job.CurrentStage)
	}

	report, _ := json.Marshal(map[string]any{"verdict": "clean", "score": 0})
	if err := r.UpdateResult(ctx, job.ID, report); err != nil {
		t.Fatal(err)
	}
	job, err = r.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != registry.StatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
	if job.StagesDone != job.StagesTotal {
		t.Fatalf("stages_done=%d should equal stages_total=%d", job.StagesDone, job.StagesTotal)
	}
	if job.CurrentStage.Valid {
		t.Fatalf("current_stage should be null after done, got %q", job.CurrentStage.String)
	}
	if job.ErrorMessage.Valid {
		t.Fatalf("error_message should be null after done")
	}
	if string(job.Result) == "" {
		t.Fatal("expected result to be populated")
	}
}

func TestUpdateFailed(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	f, err := r.InsertFile(ctx, &registry.File{SHA256: "badbad", Size: 1})
	if err != nil {
		t.Fatal(err)
	}
	job, err := r.InsertJob(ctx, f.ID, 5)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateFailed(ctx, job.ID, "clamav", 1, "Max retries exceeded: clamav timed out"); err != nil {
		t.Fatal(err)
	}
	job, err = r.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != registry.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !job.ErrorMessage.Valid || job.ErrorMessage.String == "" {
		t.Fatal("expected error_message to be set")
	}
	if job.Result != nil {
		t.Fatal("result should remain null on failure")
	}
}

func TestReadJobNotFound(t *testing.T) {
	r := newRegistry(t)
	_, err := r.ReadJob(context.Background(), "nonexistent")
	if err != registry.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
