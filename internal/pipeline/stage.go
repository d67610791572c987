// Package pipeline runs the fixed, ordered sequence of inspection stages
// against a downloaded artifact. Stage dispatch is static and explicit — an
// ordered slice of Stage implementations built once at worker startup —
// generalizing the format-switch dispatch pattern used elsewhere in this
// codebase for document extraction to a fixed analysis sequence instead of a
// format-keyed choice.
package pipeline

import (
	"context"
	"strconv"
	"time"
)

// Status is the outcome of one stage execution.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StageResult is what a Stage reports after Execute returns.
type StageResult struct {
	StageName  string         `json:"stage_name"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
	Findings   map[string]any `json:"findings,omitempty"`
	Artifacts  []string       `json:"artifacts,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// StageContext carries everything a stage needs: job identity, the
// downloaded artifact's local path, and an accumulating list of results
// from stages that already ran, so later stages may read earlier findings.
type StageContext struct {
	JobID            string
	FileID           string
	StorageKey       string
	SHA256           string
	OriginalFilename string
	LocalPath        string
	WorkDir          string

	// Config consumed by individual stages.
	YaraRulesDir   string
	ClamscanPath   string
	SandboxEnabled bool
	SandboxMock    bool

	Prior []StageResult
}

// Stage is the capability every pipeline step implements. Dispatch over
// stages is static: the orchestrator holds an ordered []Stage built at
// startup, never a reflection-driven registry.
type Stage interface {
	Name() string
	Execute(ctx context.Context, sctx *StageContext) StageResult
}

// Run executes fn under a hard per-stage timeout. On expiry it returns a
// synthesized failed StageResult without waiting for fn: fn's context is
// cancelled, and an fn that ignores it keeps running in its goroutine until
// it returns. Any panic inside fn is also converted to a failed result so
// a single faulty stage can never crash the worker.
func Run(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) StageResult) StageResult {
	started := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan StageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- StageResult{
					StageName: name,
					Status:    StatusFailed,
					StartedAt: started,
					Error:     errString(r),
				}
			}
		}()
		done <- fn(stageCtx)
	}()

	select {
	case res := <-done:
		res.StageName = name
		res.StartedAt = started
		res.EndedAt = time.Now()
		res.DurationMS = res.EndedAt.Sub(res.StartedAt).Milliseconds()
		return res
	case <-stageCtx.Done():
		ended := time.Now()
		seconds := int64(timeout / time.Second)
		return StageResult{
			StageName:  name,
			Status:     StatusFailed,
			StartedAt:  started,
			EndedAt:    ended,
			DurationMS: seconds * 1000,
			Error:      "Stage timeout after " + strconv.FormatInt(seconds, 10) + "s",
		}
	}
}

func errString(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "panic: " + toString(r)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown"
}
