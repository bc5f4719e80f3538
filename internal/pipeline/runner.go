// internal/pipeline/runner.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-heatmapper/internal/artifact"
	"github.com/tendant/simple-heatmapper/internal/decode"
	"github.com/tendant/simple-heatmapper/internal/job"
	"github.com/tendant/simple-heatmapper/internal/tile"
	"github.com/tendant/simple-heatmapper/internal/upload"
	"github.com/tendant/simple-heatmapper/pkg/schema"
)

var (
	// ErrArtifactIO wraps disk failures on source, spill or result files.
	ErrArtifactIO = errors.New("artifact io error")
	ErrQueueFull  = errors.New("job queue full")
	ErrClosed     = errors.New("runner closed")
)

const (
	defaultWorkers   = 1
	defaultQueueSize = 64
)

// Mirror publishes a finished result somewhere other than the jobs directory
// and returns a URL for it.
type Mirror interface {
	Mirror(ctx context.Context, jobID, path string) (string, error)
}

type Config struct {
	JobsDir      string
	TileSize     int
	MaxDimension int
	MaxPixels    int64
	// FullFrameFallback admits oversized sources that can only be decoded
	// whole. See decode.Options.
	FullFrameFallback bool
	// TileDelay is slept between tiles to yield CPU on small hosts.
	TileDelay  time.Duration
	FalseColor bool
	Workers    int
	QueueSize  int
	// MaxUploadBytes bounds sources accepted by Ingest. Zero means unlimited.
	MaxUploadBytes int64
	// ResultCacheEntries sizes the in-memory cache of result bytes.
	ResultCacheEntries int
	// Mirror is optional.
	Mirror Mirror
}

// Runner drives jobs through decode, tiling and heatmap generation on a fixed
// pool of workers. Submitting never waits for processing.
type Runner struct {
	cfg     Config
	jobs    *job.Manager
	stager  *upload.Stager
	results *artifact.Local
	logger  *slog.Logger

	queue chan task

	base     context.Context
	stopBase context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	group     *errgroup.Group

	// onTile is a test hook called after each tile is recorded.
	onTile func(id string, t tile.Descriptor)
}

type task struct {
	ctx     context.Context
	id      string
	source  string
	cleanup func() error
}

func New(cfg Config, jobs *job.Manager, logger *slog.Logger) (*Runner, error) {
	if cfg.JobsDir == "" {
		return nil, fmt.Errorf("jobs dir is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = tile.DefaultSize
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = decode.DefaultMaxDimension
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if err := os.MkdirAll(cfg.JobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create jobs dir: %w", ErrArtifactIO, err)
	}

	results, err := artifact.NewLocal(cfg.JobsDir, cfg.ResultCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}

	base, stop := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		jobs:     jobs,
		stager:   upload.NewStager(cfg.JobsDir, cfg.MaxUploadBytes),
		results:  results,
		logger:   logger,
		queue:    make(chan task, cfg.QueueSize),
		base:     base,
		stopBase: stop,
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Results exposes the reader over finished heatmaps.
func (r *Runner) Results() *artifact.Local { return r.results }

// Start launches the worker pool. Cancelling ctx stops the workers and
// abandons running jobs.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		context.AfterFunc(ctx, r.stopBase)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < r.cfg.Workers; i++ {
			g.Go(func() error {
				r.work(gctx)
				return nil
			})
		}
		r.group = g
		r.logger.Info("pipeline started", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
	})
}

// Close stops accepting jobs, cancels running ones and waits for the workers.
// Jobs still queued are marked failed.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()

		r.stopBase()
		if r.group != nil {
			_ = r.group.Wait()
		}
		for t := range r.queue {
			r.abandon(t, "worker shut down before the job started")
		}
	})
	return nil
}

// Submit registers jobID and queues the source at sourcePath for processing.
// The runner owns sourcePath from then on and removes it when the run ends.
func (r *Runner) Submit(ctx context.Context, jobID, sourcePath string) error {
	if _, err := r.jobs.Create(ctx, jobID, sourcePath); err != nil {
		return err
	}
	err := r.enqueue(jobID, sourcePath, func() error {
		if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		_ = r.jobs.Delete(ctx, jobID)
	}
	return err
}

// Ingest stages the stream under a new job ID and submits it.
func (r *Runner) Ingest(ctx context.Context, src io.Reader, filename string) (string, error) {
	id := uuid.NewString()
	if err := r.IngestAs(ctx, id, src, filename); err != nil {
		return "", err
	}
	return id, nil
}

// IngestAs stages the stream under a caller-chosen job ID and submits it. The
// ID is reserved before anything is written, so a concurrent call with the
// same ID fails with job.ErrDuplicateJob without touching the job directory.
func (r *Runner) IngestAs(ctx context.Context, id string, src io.Reader, filename string) error {
	if _, err := r.jobs.Create(ctx, id, ""); err != nil {
		return err
	}

	staged, cleanup, err := r.stager.Stage(ctx, id, src, filename)
	if err != nil {
		r.unreserve(ctx, id)
		if errors.Is(err, upload.ErrUnsupportedSource) || errors.Is(err, upload.ErrTooLarge) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: stage source: %w", ErrArtifactIO, err)
	}
	if err := r.jobs.SetSource(ctx, id, staged.Path); err != nil {
		_ = cleanup()
		r.unreserve(ctx, id)
		return err
	}
	if err := r.enqueue(id, staged.Path, cleanup); err != nil {
		_ = cleanup()
		r.unreserve(ctx, id)
		return err
	}
	r.logger.Info("source ingested", "job_id", id, "filename", staged.Filename, "mime_type", staged.MimeType, "bytes", staged.Size)
	return nil
}

// unreserve drops a reserved job that never reached the queue along with its
// directory. The directory is removed first so the ID cannot be reserved again
// while it still exists.
func (r *Runner) unreserve(ctx context.Context, id string) {
	_ = os.RemoveAll(r.results.Dir(id))
	_ = r.jobs.Delete(ctx, id)
}

// enqueue hands a created job to the worker pool. On failure the caller keeps
// ownership of the job record and the source.
func (r *Runner) enqueue(id, source string, cleanup func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	jctx, cancel := context.WithCancel(r.base)
	select {
	case r.queue <- task{ctx: jctx, id: id, source: source, cleanup: cleanup}:
		r.cancels[id] = cancel
		return nil
	default:
		cancel()
		return fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, cap(r.queue))
	}
}

// Cancel abandons a queued or running job. It reports whether the job was
// still in flight.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Forget cancels a job and drops its cached result. Used when a job is purged.
func (r *Runner) Forget(id string) {
	r.Cancel(id)
	r.results.Evict(id)
}

// Status reports the externally visible state of a job.
func (r *Runner) Status(ctx context.Context, id string) (schema.JobStatus, error) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return schema.JobStatus{}, err
	}
	return StatusOf(j), nil
}

// ResultPath returns the heatmap location of a completed job.
func (r *Runner) ResultPath(ctx context.Context, id string) (string, error) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch j.Phase {
	case job.PhaseCompleted:
	case job.PhaseFailed:
		return "", fmt.Errorf("%w: job %s failed: %s", job.ErrNotReady, id, j.Error)
	default:
		return "", fmt.Errorf("%w: job %s is %s", job.ErrNotReady, id, j.Phase)
	}
	if _, err := os.Stat(j.ResultPath); err != nil {
		return "", fmt.Errorf("%w: result of %s: %w", job.ErrNotFound, id, err)
	}
	return j.ResultPath, nil
}

// StatusOf converts a job snapshot to its wire form.
func StatusOf(j job.Job) schema.JobStatus {
	return schema.JobStatus{
		JobID:     j.ID,
		Phase:     string(j.Phase),
		Progress:  j.Progress,
		Error:     j.Error,
		Width:     j.Width,
		Height:    j.Height,
		Rows:      j.Rows,
		Cols:      j.Cols,
		CreatedAt: j.CreatedAt.Unix(),
		UpdatedAt: j.UpdatedAt.Unix(),
	}
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-r.queue:
			if !ok {
				return
			}
			r.execute(t)
		}
	}
}

func (r *Runner) abandon(t task, reason string) {
	defer r.release(t.id)
	if t.cleanup != nil {
		_ = t.cleanup()
	}
	if err := r.jobs.MarkFailed(context.Background(), t.id, reason); err != nil {
		r.logger.Warn("mark abandoned job failed", "job_id", t.id, "err", err)
	}
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}
