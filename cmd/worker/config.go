// cmd/worker/config.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-heatmapper/internal/artifact"
)

type config struct {
	NATSURL       string
	SubmitSubject string
	SubmitQueue   string
	StatusSubject string
	ResultSubject string
	EventSubject  string

	JobsDir string
	// SourceDir, when set, is the only directory requests may read from.
	SourceDir string

	TileSize           int
	MaxDimension       int
	MaxPixels          int64
	MaxUploadBytes     int64
	Workers            int
	QueueSize          int
	TileDelay          time.Duration
	FalseColor         bool
	FullFrameFallback  bool
	ResultCacheEntries int

	RetentionMaxAge time.Duration
	SweepInterval   time.Duration

	JobStore    string
	DatabaseURL string

	S3 artifact.S3Config
}

func LoadConfig() (config, error) {
	cfg := config{
		NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
		SubmitSubject: getenv("SUBMIT_SUBJECT", "heatmap.jobs"),
		SubmitQueue:   getenv("SUBMIT_QUEUE", "heatmap-workers"),
		StatusSubject: getenv("STATUS_SUBJECT", "heatmap.status"),
		ResultSubject: getenv("RESULT_SUBJECT", "heatmap.result"),
		EventSubject:  getenv("EVENT_SUBJECT", "heatmap.events"),
		JobsDir:       getenv("JOBS_DIR", "./data/jobs"),
		SourceDir:     getenv("SOURCE_DIR", ""),
		FalseColor:    getenvBool("FALSE_COLOR", false),
		JobStore:      strings.ToLower(getenv("JOB_STORE", "file")),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		S3: artifact.S3Config{
			Endpoint:  getenv("ARTIFACT_S3_ENDPOINT", ""),
			Region:    getenv("ARTIFACT_S3_REGION", "us-east-1"),
			AccessKey: getenv("ARTIFACT_S3_ACCESS_KEY", ""),
			SecretKey: getenv("ARTIFACT_S3_SECRET_KEY", ""),
			Bucket:    getenv("ARTIFACT_S3_BUCKET", "heatmaps"),
			UseSSL:    getenvBool("ARTIFACT_S3_USE_SSL", false),
		},
	}

	cfg.FullFrameFallback = getenvBool("FULL_FRAME_FALLBACK", false)

	var err error
	if cfg.TileSize, err = parsePositiveInt(getenv("TILE_SIZE", "512"), "TILE_SIZE"); err != nil {
		return config{}, err
	}
	if cfg.MaxDimension, err = parsePositiveInt(getenv("MAX_DIMENSION", "2000"), "MAX_DIMENSION"); err != nil {
		return config{}, err
	}
	if cfg.Workers, err = parsePositiveInt(getenv("WORKERS", "2"), "WORKERS"); err != nil {
		return config{}, err
	}
	if cfg.QueueSize, err = parsePositiveInt(getenv("QUEUE_SIZE", "64"), "QUEUE_SIZE"); err != nil {
		return config{}, err
	}
	if cfg.ResultCacheEntries, err = parsePositiveInt(getenv("RESULT_CACHE_ENTRIES", "128"), "RESULT_CACHE_ENTRIES"); err != nil {
		return config{}, err
	}
	if cfg.MaxPixels, err = parseNonNegativeInt64(getenv("MAX_PIXELS", "250000000"), "MAX_PIXELS"); err != nil {
		return config{}, err
	}
	if cfg.MaxUploadBytes, err = parseNonNegativeInt64(getenv("MAX_UPLOAD_BYTES", "0"), "MAX_UPLOAD_BYTES"); err != nil {
		return config{}, err
	}
	if cfg.TileDelay, err = parseDuration(getenv("TILE_DELAY", "1ms"), "TILE_DELAY", true); err != nil {
		return config{}, err
	}
	if cfg.RetentionMaxAge, err = parseDuration(getenv("RETENTION_MAX_AGE", "6h"), "RETENTION_MAX_AGE", false); err != nil {
		return config{}, err
	}
	if cfg.SweepInterval, err = parseDuration(getenv("SWEEP_INTERVAL", "10m"), "SWEEP_INTERVAL", false); err != nil {
		return config{}, err
	}

	switch cfg.JobStore {
	case "memory", "file":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return config{}, fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return config{}, fmt.Errorf("invalid JOB_STORE %q (want memory, file or postgres)", cfg.JobStore)
	}

	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseNonNegativeInt64(value string, name string) (int64, error) {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative (got %d)", name, v)
	}
	return v, nil
}

func parseDuration(value, name string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
