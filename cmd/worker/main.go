// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-heatmapper/internal/artifact"
	"github.com/tendant/simple-heatmapper/internal/bus"
	"github.com/tendant/simple-heatmapper/internal/job"
	"github.com/tendant/simple-heatmapper/internal/pipeline"
	"github.com/tendant/simple-heatmapper/internal/store"
	"github.com/tendant/simple-heatmapper/internal/sweep"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting", "nats_url", cfg.NATSURL, "submit_subject", cfg.SubmitSubject, "queue", cfg.SubmitQueue, "jobs_dir", cfg.JobsDir, "job_store", cfg.JobStore, "tile_size", cfg.TileSize, "max_dimension", cfg.MaxDimension, "workers", cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.JobsDir, 0o755); err != nil {
		fatal(logger, "ensure jobs directory", err, "jobs_dir", cfg.JobsDir)
	}

	jobStore, closeStore, err := openJobStore(ctx, cfg)
	if err != nil {
		fatal(logger, "open job store", err, "job_store", cfg.JobStore)
	}
	defer closeStore()

	manager := job.NewManager(jobStore, logger)
	restored, err := manager.Restore(ctx)
	if err != nil {
		fatal(logger, "restore jobs", err)
	}
	logger.Info("restored jobs", "count", restored)

	var mirror *artifact.S3Store
	if cfg.S3.Endpoint != "" {
		mirror, err = artifact.NewS3Store(cfg.S3)
		if err != nil {
			fatal(logger, "init artifact mirror", err, "endpoint", cfg.S3.Endpoint)
		}
		logger.Info("mirroring results to object storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	pcfg := pipeline.Config{
		JobsDir:            cfg.JobsDir,
		TileSize:           cfg.TileSize,
		MaxDimension:       cfg.MaxDimension,
		MaxPixels:          cfg.MaxPixels,
		TileDelay:          cfg.TileDelay,
		FalseColor:         cfg.FalseColor,
		FullFrameFallback:  cfg.FullFrameFallback,
		Workers:            cfg.Workers,
		QueueSize:          cfg.QueueSize,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		ResultCacheEntries: cfg.ResultCacheEntries,
	}
	if mirror != nil {
		pcfg.Mirror = mirror
	}
	runner, err := pipeline.New(pcfg, manager, logger)
	if err != nil {
		fatal(logger, "init pipeline", err)
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	svc := &service{
		cfg:    cfg,
		runner: runner,
		jobs:   manager,
		events: nc,
		mirror: mirror,
		logger: logger,
	}
	manager.Observe(svc.publishJobEvent)

	if _, err := nc.QueueSubscribeJSON(cfg.SubmitSubject, cfg.SubmitQueue, svc.handleSubmit); err != nil {
		fatal(logger, "subscribe submit", err, "subject", cfg.SubmitSubject, "queue", cfg.SubmitQueue)
	}
	if _, err := nc.RespondJSON(cfg.StatusSubject, svc.handleStatus); err != nil {
		fatal(logger, "subscribe status", err, "subject", cfg.StatusSubject)
	}
	if _, err := nc.RespondJSON(cfg.ResultSubject, svc.handleResult); err != nil {
		fatal(logger, "subscribe result", err, "subject", cfg.ResultSubject)
	}
	logger.Info("listening for jobs", "subject", cfg.SubmitSubject, "queue", cfg.SubmitQueue, "status_subject", cfg.StatusSubject, "result_subject", cfg.ResultSubject)

	sweeper := sweep.New(cfg.JobsDir, manager, sweep.Options{
		MaxAge:   cfg.RetentionMaxAge,
		Interval: cfg.SweepInterval,
		OnPurge:  svc.onPurge,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	runner.Start(gctx)
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}
	logger.Info("shutting down")
	_ = runner.Close()
}

// openJobStore returns the configured persistence backend. A nil store keeps
// job records in memory only.
func openJobStore(ctx context.Context, cfg config) (job.Store, func(), error) {
	switch cfg.JobStore {
	case "file":
		s, err := store.NewFile(cfg.JobsDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, func() {}, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
