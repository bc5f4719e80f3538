package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-heatmapper/internal/job"
)

func makeJobDir(t *testing.T, root, id string, mod time.Time) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "heatmap.png")
	require.NoError(t, os.WriteFile(file, []byte("png"), 0o644))
	require.NoError(t, os.Chtimes(file, mod, mod))
	require.NoError(t, os.Chtimes(dir, mod, mod))
	return dir
}

func TestSweepOnceRemovesOnlyStaleJobs(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	now := time.Now()

	m := job.NewManager(nil, nil)
	_, err := m.Create(ctx, "old", "")
	require.NoError(t, err)
	_, err = m.Create(ctx, "young", "")
	require.NoError(t, err)

	oldDir := makeJobDir(t, root, "old", now.Add(-7*time.Hour))
	youngDir := makeJobDir(t, root, "young", now.Add(-1*time.Hour))

	var hooked []string
	s := New(root, m, Options{MaxAge: 6 * time.Hour, OnPurge: func(id string) { hooked = append(hooked, id) }}, nil)

	purged, err := s.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, purged)
	assert.Equal(t, []string{"old"}, hooked)

	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(youngDir)
	assert.NoError(t, err)

	_, err = m.Get(ctx, "old")
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = m.Get(ctx, "young")
	assert.NoError(t, err)
}

func TestSweepOnceRecentEntryKeepsJob(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	now := time.Now()

	dir := makeJobDir(t, root, "busy", now.Add(-10*time.Hour))
	fresh := filepath.Join(dir, "working-1.gray")
	require.NoError(t, os.WriteFile(fresh, []byte{1, 2, 3}, 0o644))
	require.NoError(t, os.Chtimes(fresh, now, now))
	require.NoError(t, os.Chtimes(dir, now.Add(-10*time.Hour), now.Add(-10*time.Hour)))

	s := New(root, job.NewManager(nil, nil), Options{MaxAge: time.Hour}, nil)
	purged, err := s.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, purged)
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestSweepOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	now := time.Now()
	makeJobDir(t, root, "stale", now.Add(-48*time.Hour))

	// No registry record: a concurrent delete already removed it.
	s := New(root, job.NewManager(nil, nil), Options{MaxAge: 6 * time.Hour}, nil)

	purged, err := s.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, purged)

	purged, err = s.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestSweepOncePurgesRecordsWithoutDirectory(t *testing.T) {
	ctx := context.Background()
	m := job.NewManager(nil, nil)
	_, err := m.Create(ctx, "orphan", "")
	require.NoError(t, err)

	s := New(t.TempDir(), m, Options{MaxAge: time.Hour}, nil)

	purged, err := s.SweepOnce(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, purged, "fresh record must survive")

	purged, err = s.SweepOnce(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, purged)
	_, err = m.Get(ctx, "orphan")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestSweepOnceMissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"), job.NewManager(nil, nil), Options{}, nil)
	purged, err := s.SweepOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(t.TempDir(), job.NewManager(nil, nil), Options{Interval: 10 * time.Millisecond}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
