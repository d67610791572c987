package report_test

import (
	"testing"

	"github.com/hazyhaar/malscan/internal/pipeline"
	"github.com/hazyhaar/malscan/internal/pipeline/stages"
	"github.com/hazyhaar/malscan/internal/report"
)

func TestBuildCleanVerdict(t *testing.T) {
	results := []pipeline.StageResult{
		{StageName: "file-type", Status: pipeline.StatusOK, Findings: map[string]any{"mime_type": "text/plain", "file_size": int64(1024)}},
		{StageName: "clamav", Status: pipeline.StatusOK, Findings: map[string]any{"engine": "ClamAV", "infected": false}},
		{StageName: "yara", Status: pipeline.StatusOK, Findings: map[string]any{"matches": []stages.YaraMatch{}}},
	}
	r := report.Build("job-1", report.FileInfo{SHA256: "abc"}, results)
	if r.Verdict != report.VerdictClean || r.Score != 0 {
		t.Fatalf("expected clean/0, got %s/%d", r.Verdict, r.Score)
	}
	if r.File.MIME != "text/plain" || r.File.Size != 1024 {
		t.Fatalf("expected file.mime/size populated from file-type stage, got %q/%d", r.File.MIME, r.File.Size)
	}
}

func TestBuildMaliciousFromInfected(t *testing.T) {
	results := []pipeline.StageResult{
		{StageName: "clamav", Status: pipeline.StatusOK, Findings: map[string]any{
			"engine": "ClamAV", "infected": true, "threat_name": "Eicar-Test-Signature",
		}},
	}
	r := report.Build("job-2", report.FileInfo{}, results)
	if r.Verdict != report.VerdictMalicious {
		t.Fatalf("expected malicious, got %s", r.Verdict)
	}
	if r.Score < 90 {
		t.Fatalf("expected score >= 90, got %d", r.Score)
	}
	if r.Results.AVResult.ThreatName != "Eicar-Test-Signature" {
		t.Fatalf("unexpected threat name: %q", r.Results.AVResult.ThreatName)
	}
}

func TestBuildSuspiciousFromYaraHits(t *testing.T) {
	matches := []stages.YaraMatch{
		{Rule: "rule1"},
		{Rule: "rule2"},
	}
	results := []pipeline.StageResult{
		{StageName: "clamav", Status: pipeline.StatusOK, Findings: map[string]any{"engine": "ClamAV", "infected": false}},
		{StageName: "yara", Status: pipeline.StatusOK, Findings: map[string]any{"matches": matches}},
	}
	r := report.Build("job-3", report.FileInfo{}, results)
	if r.Verdict != report.VerdictSuspicious {
		t.Fatalf("expected suspicious, got %s", r.Verdict)
	}
	if r.Score != 70 {
		t.Fatalf("expected score 70 (50 + 10*2), got %d", r.Score)
	}
}

func TestBuildScoreCapsAt100(t *testing.T) {
	matches := make([]stages.YaraMatch, 10)
	results := []pipeline.StageResult{
		{StageName: "clamav", Status: pipeline.StatusOK, Findings: map[string]any{"engine": "ClamAV", "infected": true}},
		{StageName: "yara", Status: pipeline.StatusOK, Findings: map[string]any{"matches": matches}},
	}
	r := report.Build("job-4", report.FileInfo{}, results)
	if r.Score != 100 {
		t.Fatalf("expected score capped at 100, got %d", r.Score)
	}
}
