package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Observer receives per-stage outcomes as the pipeline progresses, so the
// worker can feed a metrics backend without this package importing one.
type Observer interface {
	ObserveStage(stage string, status Status, durationMS int64)
}

// ProgressFunc is invoked before each stage executes, carrying the
// 0-indexed count of stages already completed. Returning an error does not
// stop the pipeline — progress writes are best-effort (§4.B) — but the
// caller may still choose to log it.
type ProgressFunc func(ctx context.Context, stageIndex int, stageName string) error

// Pipeline is the fixed, ordered sequence of Stage implementations run
// against one downloaded artifact.
type Pipeline struct {
	stages   []Stage
	timeout  time.Duration
	observer Observer
}

// New builds a Pipeline over an ordered stage list with a shared per-stage
// timeout. observer may be nil.
func New(stages []Stage, stageTimeout time.Duration, observer Observer) *Pipeline {
	return &Pipeline{stages: stages, timeout: stageTimeout, observer: observer}
}

// Len reports the configured stage count, used to populate Job.stages_total.
func (p *Pipeline) Len() int { return len(p.stages) }

// Execute runs stages in declared order, stopping at the first failed
// result (fail-fast, §4.E). It returns every StageResult produced so far,
// and non-nil error set to the failure whenever the pipeline did not run
// to completion.
func (p *Pipeline) Execute(ctx context.Context, sctx *StageContext, onProgress ProgressFunc) ([]StageResult, error) {
	results := make([]StageResult, 0, len(p.stages))
	sctx.Prior = results

	for i, stage := range p.stages {
		if err := onProgress(ctx, i, stage.Name()); err != nil {
			// progress write failed: logged by the caller, pipeline continues
		}

		res := Run(ctx, stage.Name(), p.timeout, func(stageCtx context.Context) StageResult {
			return stage.Execute(stageCtx, sctx)
		})

		if p.observer != nil {
			p.observer.ObserveStage(res.StageName, res.Status, res.DurationMS)
		}

		results = append(results, res)
		sctx.Prior = results

		if res.Status == StatusFailed {
			return results, fmt.Errorf("pipeline: stage %q failed: %s", res.StageName, res.Error)
		}
	}
	return results, nil
}
