package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-heatmapper/internal/job"
)

// Set HEATMAP_TEST_PG_DSN to run against a real database.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("HEATMAP_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("HEATMAP_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	j := sampleJob("pg-" + uuid.NewString())
	t.Cleanup(func() { _ = s.Delete(context.Background(), j.ID) })

	require.NoError(t, s.Save(ctx, j))
	got, err := s.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.Phase, got.Phase)
	assert.Equal(t, j.Progress, got.Progress)
	assert.Equal(t, j.Width, got.Width)

	j.Phase = job.PhaseCompleted
	j.Progress = 100
	j.ResultPath = "/jobs/x/heatmap.png"
	require.NoError(t, s.Save(ctx, j))
	got, err = s.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.PhaseCompleted, got.Phase)
	assert.Equal(t, "/jobs/x/heatmap.png", got.ResultPath)

	all, err := s.List(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range all {
		if r.ID == j.ID {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, s.Delete(ctx, j.ID))
	_, err = s.Load(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestNewPostgresRequiresDSN(t *testing.T) {
	_, err := NewPostgres(context.Background(), "")
	assert.Error(t, err)
}
