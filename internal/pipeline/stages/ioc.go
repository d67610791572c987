package stages

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/hazyhaar/malscan/internal/pipeline"
)

var (
	urlPattern    = regexp.MustCompile(`(?i)https?://[a-zA-Z0-9][-a-zA-Z0-9]*(\.[a-zA-Z0-9][-a-zA-Z0-9]*)+[^\s"'<>\x00-\x1f]*`)
	domainPattern = regexp.MustCompile(`(?i)([a-zA-Z0-9][-a-zA-Z0-9]*\.)+[a-zA-Z]{2,}`)
	ipPattern     = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
)

// privateBlocks are the exact ranges excluded from extracted IPs: "this
// network" (0.0.0.0/8), RFC1918 private space, loopback, and multicast.
var privateBlocks = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
)

var commonDomains = map[string]bool{
	"microsoft.com": true,
	"windows.com":   true,
	"google.com":    true,
	"example.com":   true,
	"localhost":     true,
	"w3.org":        true,
}

const (
	maxURLs    = 100
	maxDomains = 100
	maxIPs     = 50
)

// Ioc extracts URLs, domains, public IPv4 addresses, and content hashes
// from the artifact.
type Ioc struct{}

func (Ioc) Name() string { return "ioc-extract" }

func (Ioc) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	content, err := os.ReadFile(sctx.LocalPath)
	if err != nil {
		return pipeline.StageResult{Status: pipeline.StatusFailed, Error: err.Error()}
	}

	urls := dedupLimit(urlPattern.FindAllString(string(content), -1), maxURLs)

	urlDomains := map[string]bool{}
	for _, u := range urls {
		if d := domainFromURL(u); d != "" {
			urlDomains[d] = true
		}
	}

	domains := extractDomains(string(content), urlDomains)
	ips := extractPublicIPs(string(content))

	md5sum := md5.Sum(content)
	sha1sum := sha1.Sum(content)
	sha256sum := sha256.Sum256(content)

	return pipeline.StageResult{
		Status: pipeline.StatusOK,
		Findings: map[string]any{
			"urls":    urls,
			"domains": domains,
			"ips":     ips,
			"hashes": map[string]string{
				"md5":    hex.EncodeToString(md5sum[:]),
				"sha1":   hex.EncodeToString(sha1sum[:]),
				"sha256": hex.EncodeToString(sha256sum[:]),
			},
		},
	}
}

func domainFromURL(u string) string {
	rest := strings.SplitN(u, "://", 2)
	if len(rest) != 2 {
		return ""
	}
	parts := strings.SplitN(rest[1], "/", 2)
	return strings.ToLower(parts[0])
}

func extractDomains(content string, urlDomains map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range domainPattern.FindAllString(content, -1) {
		d := strings.ToLower(m)
		if seen[d] || urlDomains[d] || commonDomains[d] {
			continue
		}
		seen[d] = true
		// valid domains need at least 4 chars and an inner dot
		if len(d) < 4 || !strings.Contains(d[1:len(d)-1], ".") {
			continue
		}
		out = append(out, d)
		if len(out) >= maxDomains {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func extractPublicIPs(content string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range ipPattern.FindAllString(content, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		if !isPublicIP(m) {
			continue
		}
		out = append(out, m)
		if len(out) >= maxIPs {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return false
		}
	}
	return true
}

func dedupLimit(items []string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
