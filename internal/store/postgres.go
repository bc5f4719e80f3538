// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-heatmapper/internal/job"
)

// Postgres keeps job records in a single heatmap_jobs table.
type Postgres struct {
	pool *pgxpool.Pool

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS heatmap_jobs (
  id TEXT PRIMARY KEY,
  phase TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  source_path TEXT NOT NULL DEFAULT '',
  result_path TEXT NOT NULL DEFAULT '',
  mirror_url TEXT NOT NULL DEFAULT '',
  width INTEGER NOT NULL DEFAULT 0,
  height INTEGER NOT NULL DEFAULT 0,
  grid_rows INTEGER NOT NULL DEFAULT 0,
  grid_cols INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP WITH TIME ZONE NOT NULL,
  updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heatmap_jobs_updated_at ON heatmap_jobs (updated_at);
`)
	})
	return s.schemaErr
}

func (s *Postgres) Save(ctx context.Context, j job.Job) error {
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO heatmap_jobs (
  id, phase, progress, error, source_path, result_path, mirror_url,
  width, height, grid_rows, grid_cols, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id)
DO UPDATE SET phase=EXCLUDED.phase,
  progress=EXCLUDED.progress,
  error=EXCLUDED.error,
  source_path=EXCLUDED.source_path,
  result_path=EXCLUDED.result_path,
  mirror_url=EXCLUDED.mirror_url,
  width=EXCLUDED.width,
  height=EXCLUDED.height,
  grid_rows=EXCLUDED.grid_rows,
  grid_cols=EXCLUDED.grid_cols,
  updated_at=EXCLUDED.updated_at`,
		j.ID, string(j.Phase), j.Progress, j.Error, j.SourcePath, j.ResultPath, j.MirrorURL,
		j.Width, j.Height, j.Rows, j.Cols, j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *Postgres) Load(ctx context.Context, id string) (job.Job, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return job.Job{}, fmt.Errorf("ensure schema: %w", err)
	}
	row := s.pool.QueryRow(ctx, selectJobs+` WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, job.ErrNotFound
	}
	return j, err
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM heatmap_jobs WHERE id = $1`, id)
	return err
}

func (s *Postgres) List(ctx context.Context) ([]job.Job, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	rows, err := s.pool.Query(ctx, selectJobs+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]job.Job, 0, 32)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const selectJobs = `SELECT id, phase, progress, error, source_path, result_path, mirror_url,
  width, height, grid_rows, grid_cols, created_at, updated_at
FROM heatmap_jobs`

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j     job.Job
		phase string
	)
	err := row.Scan(
		&j.ID,
		&phase,
		&j.Progress,
		&j.Error,
		&j.SourcePath,
		&j.ResultPath,
		&j.MirrorURL,
		&j.Width,
		&j.Height,
		&j.Rows,
		&j.Cols,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return job.Job{}, err
	}
	j.Phase = job.Phase(phase)
	return j, nil
}
