package stages

import (
	"context"
	"time"

	"github.com/hazyhaar/malscan/internal/pipeline"
)

// mockDelay simulates the time a real sandbox detonation would take.
const mockDelay = 2 * time.Second

// Sandbox is gated by two independent flags. Disabled returns skipped.
// Enabled+mock returns canned behaviors after a brief simulated delay.
// Enabled without mock is reserved for a future real sandbox adapter.
type Sandbox struct {
	Enabled bool
	Mock    bool
}

func (Sandbox) Name() string { return "sandbox" }

func (s Sandbox) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	if !s.Enabled {
		return pipeline.StageResult{
			Status:   pipeline.StatusSkipped,
			Findings: map[string]any{"executed": false, "reason": "Sandbox disabled"},
		}
	}

	if s.Mock {
		select {
		case <-time.After(mockDelay):
		case <-ctx.Done():
			return pipeline.StageResult{Status: pipeline.StatusFailed, Error: ctx.Err().Error()}
		}

		return pipeline.StageResult{
			Status: pipeline.StatusOK,
			Findings: map[string]any{
				"executed": true,
				"behaviors": []map[string]string{
					{"type": "file_write", "path": `C:\Windows\Temp\sample.dll`},
					{"type": "registry_read", "key": `HKLM\Software\Microsoft\Windows\CurrentVersion`},
				},
				"network_connections": []map[string]any{
					{"dst_ip": "93.184.216.34", "dst_port": 443, "protocol": "tcp"},
				},
				"is_mock": true,
			},
		}
	}

	return pipeline.StageResult{Status: pipeline.StatusFailed, Error: "sandbox: real adapter not implemented"}
}
