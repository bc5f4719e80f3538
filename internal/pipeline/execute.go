// internal/pipeline/execute.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/tendant/simple-heatmapper/internal/decode"
	"github.com/tendant/simple-heatmapper/internal/heatmap"
	"github.com/tendant/simple-heatmapper/internal/job"
	"github.com/tendant/simple-heatmapper/internal/stats"
	"github.com/tendant/simple-heatmapper/internal/tile"
)

// execute runs one job to a terminal phase. Failures of any kind, panics
// included, end in MarkFailed and never reach the worker loop.
func (r *Runner) execute(t task) {
	defer r.release(t.id)

	start := time.Now()
	logger := r.logger.With("job_id", t.id)
	resultPath := r.results.Path(t.id)

	err := r.process(t.ctx, t, resultPath)
	r.dropSource(t)

	// Status writes must land even when the job context was cancelled.
	ctx := context.WithoutCancel(t.ctx)
	if err == nil {
		logger.Info("heatmap generated", "result", resultPath, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	if rmErr := os.Remove(resultPath); rmErr != nil && !os.IsNotExist(rmErr) {
		logger.Warn("remove partial result failed", "err", rmErr)
	}
	r.results.Evict(t.id)
	if ferr := r.jobs.MarkFailed(ctx, t.id, failureMessage(err)); ferr != nil {
		logger.Error("mark job failed", "err", ferr, "cause", err)
		return
	}
	logger.Warn("heatmap job failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
}

func (r *Runner) process(ctx context.Context, t task, resultPath string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled before start: %w", err)
	}
	if err := r.jobs.AdvancePhase(ctx, t.id, job.PhaseDecoding); err != nil {
		return err
	}

	jobDir := r.results.Dir(t.id)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("%w: create job dir: %w", ErrArtifactIO, err)
	}
	dec, err := decode.Open(ctx, t.source, decode.Options{
		MaxDimension:      r.cfg.MaxDimension,
		MaxPixels:         r.cfg.MaxPixels,
		SpillDir:          jobDir,
		FullFrameFallback: r.cfg.FullFrameFallback,
	})
	if err != nil {
		return err
	}
	defer dec.Close()
	// The working raster now lives in the spill file.
	r.dropSource(t)

	if dec.Resampled() {
		w, h := dec.Original()
		r.logger.Debug("source resampled", "job_id", t.id, "from_width", w, "from_height", h, "width", dec.Width(), "height", dec.Height())
	}

	it, err := tile.New(dec.Width(), dec.Height(), r.cfg.TileSize)
	if err != nil {
		return err
	}
	if err := r.jobs.SetGeometry(ctx, t.id, dec.Width(), dec.Height(), it.Rows(), it.Cols()); err != nil {
		return err
	}
	if err := r.jobs.AdvancePhase(ctx, t.id, job.PhaseTiling); err != nil {
		return err
	}

	grid, err := r.scan(ctx, t.id, dec, it)
	if err != nil {
		return err
	}
	// The spill file is not needed past this point.
	if err := dec.Close(); err != nil {
		r.logger.Warn("remove spill file failed", "job_id", t.id, "err", err)
	}

	if err := r.jobs.AdvancePhase(ctx, t.id, job.PhaseGeneratingHeatmap); err != nil {
		return err
	}
	img, err := heatmap.Synthesize(grid, heatmap.Options{FalseColor: r.cfg.FalseColor})
	if err != nil {
		return err
	}
	if err := heatmap.Save(img, resultPath); err != nil {
		return fmt.Errorf("%w: write heatmap: %w", ErrArtifactIO, err)
	}

	if r.cfg.Mirror != nil {
		if url, err := r.cfg.Mirror.Mirror(ctx, t.id, resultPath); err != nil {
			r.logger.Warn("mirror heatmap failed", "job_id", t.id, "err", err)
		} else if err := r.jobs.SetMirrorURL(ctx, t.id, url); err != nil {
			return err
		}
	}

	return r.jobs.MarkCompleted(ctx, t.id, resultPath)
}

// dropSource removes the staged source. Cleanup funcs tolerate repeat calls.
func (r *Runner) dropSource(t task) {
	if t.cleanup == nil {
		return
	}
	if err := t.cleanup(); err != nil {
		r.logger.Warn("remove staged source failed", "job_id", t.id, "path", t.source, "err", err)
	}
}

// scan visits every tile in row-major order and records its mean.
func (r *Runner) scan(ctx context.Context, id string, dec *decode.Decoder, it *tile.Iterator) (*stats.Grid, error) {
	grid := stats.NewGrid(it.Rows(), it.Cols())
	total := it.Len()
	var buf *image.Gray

	done := 0
	for d := range it.All() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cancelled after %d of %d tiles: %w", done, total, err)
		}
		samples, err := dec.ReadTile(d, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrArtifactIO, err)
		}
		buf = samples

		mean, err := stats.Mean(samples)
		if err != nil {
			return nil, fmt.Errorf("tile (%d,%d): %w", d.Row, d.Col, err)
		}
		grid.Set(d.Row, d.Col, mean)
		done++

		if err := r.jobs.ReportProgress(ctx, id, done*100/total); err != nil {
			return nil, err
		}
		if r.onTile != nil {
			r.onTile(id, d)
		}
		if r.cfg.TileDelay > 0 && done < total {
			timer := time.NewTimer(r.cfg.TileDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
	return grid, nil
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "job cancelled"
	case errors.Is(err, decode.ErrDecode):
		return "could not decode source image: " + err.Error()
	case errors.Is(err, decode.ErrUnsupportedFormat):
		return "unsupported image format: " + err.Error()
	case errors.Is(err, heatmap.ErrEmptyGrid), errors.Is(err, stats.ErrEmptyTile):
		return "image has no pixels: " + err.Error()
	}
	return err.Error()
}
