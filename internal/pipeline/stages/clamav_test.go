package stages_test

import (
	"context"
	"testing"

	"github.com/hazyhaar/malscan/internal/pipeline"
	"github.com/hazyhaar/malscan/internal/pipeline/stages"
)

func TestClamAVBinaryMissing(t *testing.T) {
	path := writeTemp(t, "hello")
	stage := stages.ClamAV{BinaryPath: "/no/such/clamscan-binary"}
	res := stage.Execute(context.Background(), &pipeline.StageContext{LocalPath: path})
	if res.Status != pipeline.StatusFailed {
		t.Fatalf("expected failed when clamscan binary is absent, got %s", res.Status)
	}
	if res.Error == "" {
		t.Fatal("expected a clear error message")
	}
}
