// Package config loads process configuration from environment variables at
// startup, mirroring the env(key, default) pattern used throughout the
// service's main commands. There is no hot-reload: config is loaded once and
// passed down as an explicit value, never read from a global afterward.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting for both the api and
// worker processes. Not every field is used by every process.
type Config struct {
	// Registry / persistence.
	DatabaseURL string

	// Artifact store (S3-compatible).
	BlobEndpoint    string
	BlobAccessKey   string
	BlobSecretKey   string
	BlobBucket      string
	BlobUseTLS      bool
	BlobRegion      string

	// Queue.
	QueueURL  string
	QueueName string
	DLQName   string

	// Submission / pipeline.
	MaxFileSize        int64
	StagesTotal         int
	StageTimeoutSeconds int
	YaraRulesDir        string
	ClamscanPath        string
	SandboxEnabled      bool
	SandboxMock         bool

	// HTTP surface.
	HTTPAddr    string
	CORSOrigins []string
	MetricsPort int

	// Ambient.
	LogLevel  string
	LogFormat string
}

// Load reads Config from the process environment, applying the defaults
// named in the external interfaces contract.
func Load() Config {
	return Config{
		DatabaseURL: env("DATABASE_URL", "malscan.db"),

		BlobEndpoint:  env("BLOB_ENDPOINT", "http://localhost:9000"),
		BlobAccessKey: env("BLOB_ACCESS_KEY", ""),
		BlobSecretKey: env("BLOB_SECRET_KEY", ""),
		BlobBucket:    env("BLOB_BUCKET", "malscan-artifacts"),
		BlobUseTLS:    envBool("BLOB_USE_TLS", false),
		BlobRegion:    env("BLOB_REGION", "us-east-1"),

		QueueURL:  env("QUEUE_URL", "malscan.db"),
		QueueName: env("QUEUE_NAME", "malscan.jobs"),
		DLQName:   env("DLQ_NAME", "malscan-dlq"),

		MaxFileSize:         envInt64("MAX_FILE_SIZE", 20*1024*1024),
		StagesTotal:         envInt("STAGES_TOTAL", 5),
		StageTimeoutSeconds: envInt("STAGE_TIMEOUT_SECONDS", 300),
		YaraRulesDir:        env("YARA_RULES_DIR", ""),
		ClamscanPath:        env("CLAMSCAN_BINARY_PATH", "clamscan"),
		SandboxEnabled:      envBool("SANDBOX_ENABLED", false),
		SandboxMock:         envBool("SANDBOX_MOCK", true),

		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		CORSOrigins: envList("CORS_ORIGINS", []string{"*"}),
		MetricsPort: envInt("METRICS_PORT", 9090),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "json"),
	}
}

// PublishRetry is the bounded exponential backoff for queue publish,
// applied by the submission endpoint around Queue.Publish.
var PublishRetry = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs a minimal sanity check useful at process start.
func (c Config) Validate() error {
	if c.StagesTotal <= 0 {
		return fmt.Errorf("config: STAGES_TOTAL must be positive, got %d", c.StagesTotal)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("config: MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}
	return nil
}
