// cmd/enqueue/main.go
package main

import (
	"context"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/tendant/simple-heatmapper/internal/bus"
	"github.com/tendant/simple-heatmapper/internal/decode"
	"github.com/tendant/simple-heatmapper/pkg/schema"
)

type config struct {
	NATSURL       string
	SubmitSubject string
	Dir           string
	Limit         int
	DryRun        bool
	WaitReply     bool
	Timeout       time.Duration
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	logger.Info("enqueue starting",
		"nats_url", cfg.NATSURL,
		"submit_subject", cfg.SubmitSubject,
		"dir", cfg.Dir,
		"limit", cfg.Limit,
		"dry_run", cfg.DryRun,
		"wait_reply", cfg.WaitReply,
	)
	if cfg.Dir == "" {
		fatal(logger, "missing -dir", os.ErrInvalid)
	}

	sources, err := findSources(cfg.Dir, cfg.Limit)
	if err != nil {
		fatal(logger, "scan directory", err, "dir", cfg.Dir)
	}
	logger.Info("found images", "count", len(sources))

	if cfg.DryRun {
		for _, src := range sources {
			logger.Info("would enqueue", "source_path", src)
		}
		logger.Info("dry run complete; pass -execute to publish", "count", len(sources))
		return
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	published, failed := 0, 0
	for _, src := range sources {
		req := newRequest(src)
		if !cfg.WaitReply {
			if err := nc.PublishJSON(cfg.SubmitSubject, req); err != nil {
				logger.Error("publish failed", "source_path", src, "err", err)
				failed++
				continue
			}
			published++
			logger.Info("published", "job_id", req.JobID, "source_path", src)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		var reply schema.SubmitReply
		err := nc.RequestJSON(ctx, cfg.SubmitSubject, req, &reply)
		cancel()
		switch {
		case err != nil:
			logger.Error("request failed", "source_path", src, "err", err)
			failed++
		case reply.Error != "":
			logger.Warn("job rejected", "source_path", src, "code", reply.ErrorCode, "error", reply.Error)
			failed++
		default:
			logger.Info("accepted", "job_id", reply.JobID, "source_path", src)
			published++
		}
	}
	logger.Info("enqueue complete", "published", published, "failed", failed)
}

func loadConfig() config {
	cfg := config{
		NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
		SubmitSubject: getenv("SUBMIT_SUBJECT", "heatmap.jobs"),
		DryRun:        true,
	}

	flag.StringVar(&cfg.Dir, "dir", "", "Directory to scan for images (required)")
	flag.IntVar(&cfg.Limit, "limit", 0, "Maximum number of images to enqueue (0 = unlimited)")
	flag.BoolVar(&cfg.WaitReply, "wait", false, "Send as request and wait for the worker to accept each job")
	flag.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Reply timeout when -wait is set")

	var execute bool
	flag.BoolVar(&execute, "execute", false, "Actually publish jobs (disables dry-run)")
	flag.Parse()

	if execute {
		cfg.DryRun = false
	}
	return cfg
}

// findSources returns absolute paths of supported images under dir in lexical
// order, stopping at limit when it is positive.
func findSources(dir string, limit int) ([]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !decode.SupportsPath(path) {
			return nil
		}
		out = append(out, path)
		if limit > 0 && len(out) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return out, err
}

func newRequest(path string) schema.HeatmapRequested {
	return schema.HeatmapRequested{
		JobID:      uuid.NewString(),
		SourcePath: path,
		Filename:   filepath.Base(path),
		HappenedAt: time.Now().Unix(),
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
