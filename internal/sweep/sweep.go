// internal/sweep/sweep.go
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/simple-heatmapper/internal/job"
)

const (
	DefaultMaxAge   = 6 * time.Hour
	DefaultInterval = 10 * time.Minute
)

// Registry is the part of job.Manager the sweeper needs.
type Registry interface {
	List(ctx context.Context) []job.Job
	Delete(ctx context.Context, id string) error
}

type Options struct {
	MaxAge   time.Duration
	Interval time.Duration
	// OnPurge runs after a job's record and directory are gone.
	OnPurge func(id string)
}

// Sweeper purges job directories and records older than MaxAge.
type Sweeper struct {
	dir    string
	jobs   Registry
	opts   Options
	logger *slog.Logger
}

func New(jobsDir string, jobs Registry, opts Options, logger *slog.Logger) *Sweeper {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{dir: jobsDir, jobs: jobs, opts: opts, logger: logger}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		purged, err := s.SweepOnce(ctx, time.Now())
		if err != nil {
			s.logger.Error("retention sweep failed", "err", err)
		} else if len(purged) > 0 {
			s.logger.Info("retention sweep purged jobs", "count", len(purged))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce deletes every job whose artifacts were last modified more than
// MaxAge before now, and returns the purged job IDs.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return nil, fmt.Errorf("read jobs dir: %w", err)
		}
	}

	var (
		purged []string
		seen   = make(map[string]struct{}, len(entries))
		errs   []error
	)
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !ent.IsDir() {
			continue
		}
		id := ent.Name()
		seen[id] = struct{}{}

		path := filepath.Join(s.dir, id)
		mod, err := newestModTime(path)
		if err != nil {
			// Removed concurrently.
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("stat %s: %w", id, err))
			continue
		}
		if now.Sub(mod) <= s.opts.MaxAge {
			continue
		}
		if err := s.purge(ctx, id, path); err != nil {
			errs = append(errs, err)
			continue
		}
		purged = append(purged, id)
	}

	// Records whose directory never existed or is already gone.
	for _, j := range s.jobs.List(ctx) {
		if _, ok := seen[j.ID]; ok {
			continue
		}
		if now.Sub(j.UpdatedAt) <= s.opts.MaxAge {
			continue
		}
		if err := s.purge(ctx, j.ID, ""); err != nil {
			errs = append(errs, err)
			continue
		}
		purged = append(purged, j.ID)
	}

	return purged, errors.Join(errs...)
}

func (s *Sweeper) purge(ctx context.Context, id, path string) error {
	if err := s.jobs.Delete(ctx, id); err != nil && !errors.Is(err, job.ErrNotFound) {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if path != "" {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}
	s.logger.Debug("purged job", "job_id", id)
	if s.opts.OnPurge != nil {
		s.opts.OnPurge(id)
	}
	return nil
}

// newestModTime returns the latest modification time of dir and its direct
// entries, so a job still writing artifacts is never considered stale.
func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, ent := range entries {
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}
