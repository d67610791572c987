package stages

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/malscan/internal/pipeline"
)

// YaraMatch is one rule match, with string offsets collapsed to the
// distinct $name identifiers seen.
type YaraMatch struct {
	Rule        string   `json:"rule"`
	Namespace   string   `json:"namespace"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Author      string   `json:"author"`
	Tags        []string `json:"tags"`
	Strings     []string `json:"strings"`
}

// Yara runs every *.yar/*.yara rule file in RulesDir against the artifact
// using the yara CLI. An absent rules directory, or one with no rule
// files, is not an error — the stage reports ok with no matches.
type Yara struct {
	RulesDir string
}

func (Yara) Name() string { return "yara" }

func (y Yara) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	ruleFiles := y.findRuleFiles()
	if len(ruleFiles) == 0 {
		return pipeline.StageResult{Status: pipeline.StatusOK, Findings: map[string]any{"matches": []YaraMatch{}}}
	}

	var matches []YaraMatch
	for _, rf := range ruleFiles {
		cmd := exec.CommandContext(ctx, "yara", "-s", "-m", rf, sctx.LocalPath)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			// no match (exit 1) or rule file error: treat as no matches from this file
			continue
		}
		matches = append(matches, parseYaraOutput(stdout.String(), strings.TrimSuffix(filepath.Base(rf), filepath.Ext(rf)))...)
	}

	if matches == nil {
		matches = []YaraMatch{}
	}
	return pipeline.StageResult{Status: pipeline.StatusOK, Findings: map[string]any{"matches": matches}}
}

func (y Yara) findRuleFiles() []string {
	if y.RulesDir == "" {
		return nil
	}
	if _, err := os.Stat(y.RulesDir); err != nil {
		return nil
	}
	var out []string
	for _, pattern := range []string{"*.yar", "*.yara"} {
		matches, _ := filepath.Glob(filepath.Join(y.RulesDir, pattern))
		out = append(out, matches...)
	}
	return out
}

// parseYaraOutput parses yara -s -m stdout: rule header lines
// ("rule_name [meta=val,...] path") followed by indented string-match
// lines ("0x<hex>:$name: data"), attributing each match to the most
// recently seen rule header.
func parseYaraOutput(output, namespace string) []YaraMatch {
	var matches []YaraMatch
	var current *YaraMatch

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "0x") {
			ruleName, meta := parseRuleHeader(line)
			if ruleName == "" {
				continue
			}
			matches = append(matches, YaraMatch{
				Rule:        ruleName,
				Namespace:   namespace,
				Description: meta["description"],
				Severity:    defaultString(meta["severity"], "medium"),
				Author:      meta["author"],
				Tags:        []string{},
				Strings:     []string{},
			})
			current = &matches[len(matches)-1]
			continue
		}
		if current == nil {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			continue
		}
		name := strings.TrimSpace(parts[1])
		if !containsString(current.Strings, name) {
			current.Strings = append(current.Strings, name)
		}
	}
	return matches
}

func parseRuleHeader(line string) (string, map[string]string) {
	meta := map[string]string{}
	if strings.Contains(line, "[") && strings.Contains(line, "]") {
		start := strings.Index(line, "[")
		end := strings.Index(line, "]")
		if end < start {
			return "", meta
		}
		ruleName := strings.TrimSpace(line[:start])
		metaStr := line[start+1 : end]
		for _, item := range strings.Split(metaStr, ",") {
			kv := strings.SplitN(item, "=", 2)
			if len(kv) != 2 {
				continue
			}
			val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
			meta[strings.TrimSpace(kv[0])] = val
		}
		return ruleName, meta
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", meta
	}
	return fields[0], meta
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
