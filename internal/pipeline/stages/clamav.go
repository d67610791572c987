package stages

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/hazyhaar/malscan/internal/pipeline"
)

// ClamAV shells out to a clamscan-compatible binary and maps its exit code
// to an infection verdict: 0 clean, 1 infected, 2 scanner error.
type ClamAV struct {
	BinaryPath string
}

func (ClamAV) Name() string { return "clamav" }

func (c ClamAV) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	cmd := exec.CommandContext(ctx, c.BinaryPath, "--no-summary", sctx.LocalPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return pipeline.StageResult{
			Status: pipeline.StatusOK,
			Findings: map[string]any{
				"engine":      "ClamAV",
				"infected":    false,
				"threat_name": nil,
			},
		}
	case errors.As(err, &exitErr):
		switch exitErr.ExitCode() {
		case 1:
			return pipeline.StageResult{
				Status: pipeline.StatusOK,
				Findings: map[string]any{
					"engine":      "ClamAV",
					"infected":    true,
					"threat_name": parseThreatName(strings.TrimSpace(stdout.String())),
				},
			}
		case 2:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "ClamAV error"
			}
			return pipeline.StageResult{Status: pipeline.StatusFailed, Error: msg}
		default:
			return pipeline.StageResult{Status: pipeline.StatusFailed, Error: "clamav: unexpected exit code " + exitErr.Error()}
		}
	default:
		return pipeline.StageResult{Status: pipeline.StatusFailed, Error: "clamscan not found. Install ClamAV."}
	}
}

// parseThreatName pulls the threat name out of clamscan's "--no-summary"
// line shape: "<path>: <ThreatName> FOUND".
func parseThreatName(output string) string {
	idx := strings.LastIndex(output, ":")
	if idx < 0 {
		return ""
	}
	part := strings.TrimSpace(output[idx+1:])
	if !strings.HasSuffix(part, "FOUND") {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(part, "FOUND"))
}
