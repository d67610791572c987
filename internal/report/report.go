// Package report derives the terminal verdict and assembles the structured
// document written into Job.result once a scan completes.
package report

import (
	"time"

	"github.com/hazyhaar/malscan/internal/pipeline"
	"github.com/hazyhaar/malscan/internal/pipeline/stages"
)

type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
)

type FileInfo struct {
	FileID           string `json:"file_id"`
	SHA256           string `json:"sha256"`
	MIME             string `json:"mime"`
	Size             int64  `json:"size"`
	OriginalFilename string `json:"original_filename"`
}

type AVResult struct {
	Engine     string `json:"engine"`
	Infected   bool   `json:"infected"`
	ThreatName string `json:"threat_name,omitempty"`
}

type Hashes struct {
	MD5    string `json:"md5"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha256"`
}

type Iocs struct {
	URLs    []string `json:"urls"`
	Domains []string `json:"domains"`
	IPs     []string `json:"ips"`
	Hashes  Hashes   `json:"hashes"`
}

type Sandbox struct {
	Executed           bool             `json:"executed"`
	Behaviors          []map[string]any `json:"behaviors,omitempty"`
	NetworkConnections []map[string]any `json:"network_connections,omitempty"`
	IsMock             bool             `json:"is_mock,omitempty"`
}

type Results struct {
	AVResult AVResult           `json:"av_result"`
	YaraHits []stages.YaraMatch `json:"yara_hits"`
	Iocs     Iocs               `json:"iocs"`
	Sandbox  Sandbox            `json:"sandbox"`
}

type StageTiming struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

type Timings struct {
	TotalMS int64         `json:"total_ms"`
	Stages  []StageTiming `json:"stages"`
}

// Report is the value persisted into Job.result and returned by
// GET /reports/{id}.
type Report struct {
	JobID     string    `json:"job_id"`
	File      FileInfo  `json:"file"`
	Verdict   Verdict   `json:"verdict"`
	Score     int       `json:"score"`
	Results   Results   `json:"results"`
	Timings   Timings   `json:"timings"`
	CreatedAt time.Time `json:"created_at"`
}

// Build assembles a Report from the completed stage results, deriving the
// verdict and score per the rules applied in order:
//  1. start clean, score 0
//  2. av_result.infected -> malicious, score = max(score, 90)
//  3. non-empty yara_hits -> suspicious (if still clean), score = max(score, 50 + 10*hits)
//  4. score capped at 100
func Build(jobID string, file FileInfo, results []pipeline.StageResult) Report {
	r := Report{JobID: jobID, File: file, Verdict: VerdictClean, Score: 0}

	var totalMS int64
	for _, sr := range results {
		totalMS += sr.DurationMS
		r.Timings.Stages = append(r.Timings.Stages, StageTiming{
			Name:       sr.StageName,
			Status:     string(sr.Status),
			DurationMS: sr.DurationMS,
		})

		switch sr.StageName {
		case "file-type":
			fileTypeInto(&r.File, sr)
		case "clamav":
			r.Results.AVResult = avResultFrom(sr)
		case "yara":
			r.Results.YaraHits = yaraHitsFrom(sr)
		case "ioc-extract":
			r.Results.Iocs = iocsFrom(sr)
		case "sandbox":
			r.Results.Sandbox = sandboxFrom(sr)
		}
	}
	r.Timings.TotalMS = totalMS

	if r.Results.AVResult.Infected {
		r.Verdict = VerdictMalicious
		r.Score = max(r.Score, 90)
	}
	if len(r.Results.YaraHits) > 0 {
		if r.Verdict == VerdictClean {
			r.Verdict = VerdictSuspicious
		}
		r.Score = max(r.Score, 50+10*len(r.Results.YaraHits))
	}
	if r.Score > 100 {
		r.Score = 100
	}
	return r
}

func fileTypeInto(f *FileInfo, sr pipeline.StageResult) {
	if v, ok := sr.Findings["mime_type"].(string); ok {
		f.MIME = v
	}
	if v, ok := sr.Findings["file_size"].(int64); ok {
		f.Size = v
	}
}

func avResultFrom(sr pipeline.StageResult) AVResult {
	av := AVResult{Engine: "ClamAV"}
	if v, ok := sr.Findings["engine"].(string); ok {
		av.Engine = v
	}
	if v, ok := sr.Findings["infected"].(bool); ok {
		av.Infected = v
	}
	if v, ok := sr.Findings["threat_name"].(string); ok {
		av.ThreatName = v
	}
	return av
}

func yaraHitsFrom(sr pipeline.StageResult) []stages.YaraMatch {
	if v, ok := sr.Findings["matches"].([]stages.YaraMatch); ok {
		return v
	}
	return nil
}

func iocsFrom(sr pipeline.StageResult) Iocs {
	var iocs Iocs
	if v, ok := sr.Findings["urls"].([]string); ok {
		iocs.URLs = v
	}
	if v, ok := sr.Findings["domains"].([]string); ok {
		iocs.Domains = v
	}
	if v, ok := sr.Findings["ips"].([]string); ok {
		iocs.IPs = v
	}
	if v, ok := sr.Findings["hashes"].(map[string]string); ok {
		iocs.Hashes = Hashes{MD5: v["md5"], SHA1: v["sha1"], SHA256: v["sha256"]}
	}
	return iocs
}

func sandboxFrom(sr pipeline.StageResult) Sandbox {
	var sb Sandbox
	if v, ok := sr.Findings["executed"].(bool); ok {
		sb.Executed = v
	}
	if v, ok := sr.Findings["is_mock"].(bool); ok {
		sb.IsMock = v
	}
	if v, ok := sr.Findings["behaviors"].([]map[string]string); ok {
		sb.Behaviors = stringMapsToAny(v)
	}
	if v, ok := sr.Findings["network_connections"].([]map[string]any); ok {
		sb.NetworkConnections = v
	}
	return sb
}

func stringMapsToAny(in []map[string]string) []map[string]any {
	out := make([]map[string]any, len(in))
	for i, m := range in {
		conv := make(map[string]any, len(m))
		for k, v := range m {
			conv[k] = v
		}
		out[i] = conv
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
