package main

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-heatmapper/internal/job"
	"github.com/tendant/simple-heatmapper/internal/pipeline"
	"github.com/tendant/simple-heatmapper/pkg/schema"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]any
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]any)
	}
	p.events[subject] = append(p.events[subject], v)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[subject])
}

func newTestService(t *testing.T, sourceDir string) (*service, *recordingPublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := job.NewManager(nil, logger)
	runner, err := pipeline.New(pipeline.Config{JobsDir: t.TempDir(), TileSize: 8}, manager, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	pub := &recordingPublisher{}
	cfg := config{EventSubject: "heatmap.events", SourceDir: sourceDir}
	svc := &service{cfg: cfg, runner: runner, jobs: manager, events: pub, logger: logger}
	manager.Observe(svc.publishJobEvent)
	return svc, pub
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSubmitStatusResultFlow(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	svc, pub := newTestService(t, srcDir)

	src := filepath.Join(srcDir, "scan.png")
	writePNG(t, src, 16, 16)

	reply := svc.handleSubmit(ctx, mustJSON(t, schema.HeatmapRequested{JobID: "job-1", SourcePath: src})).(schema.SubmitReply)
	require.Empty(t, reply.Error)
	assert.Equal(t, "job-1", reply.JobID)

	// The caller's file is copied, never consumed.
	_, err := os.Stat(src)
	require.NoError(t, err)

	svc.runner.Start(ctx)
	require.Eventually(t, func() bool {
		st := svc.handleStatus(ctx, mustJSON(t, schema.StatusRequest{JobID: "job-1"})).(schema.JobStatus)
		return st.Phase == string(job.PhaseCompleted)
	}, 10*time.Second, 5*time.Millisecond)

	res := svc.handleResult(ctx, mustJSON(t, schema.ResultRequest{JobID: "job-1"})).(schema.ResultReply)
	require.Empty(t, res.Error)
	assert.FileExists(t, res.Path)

	// CREATED, DECODING, geometry, TILING, progress x4, GENERATING_HEATMAP, COMPLETED.
	assert.GreaterOrEqual(t, pub.count("heatmap.events"), 6)
}

func TestSubmitMintsJobID(t *testing.T) {
	srcDir := t.TempDir()
	svc, _ := newTestService(t, "")
	src := filepath.Join(srcDir, "a.png")
	writePNG(t, src, 4, 4)

	reply := svc.handleSubmit(context.Background(), mustJSON(t, schema.HeatmapRequested{SourcePath: src})).(schema.SubmitReply)
	require.Empty(t, reply.Error)
	assert.NotEmpty(t, reply.JobID)
}

func TestSubmitRejections(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	svc, _ := newTestService(t, srcDir)

	outside := filepath.Join(t.TempDir(), "elsewhere.png")
	writePNG(t, outside, 4, 4)
	inside := filepath.Join(srcDir, "ok.png")
	writePNG(t, inside, 4, 4)

	cases := []struct {
		name string
		data []byte
	}{
		{"bad json", []byte("{")},
		{"missing path", mustJSON(t, schema.HeatmapRequested{})},
		{"outside source dir", mustJSON(t, schema.HeatmapRequested{SourcePath: outside})},
		{"missing file", mustJSON(t, schema.HeatmapRequested{SourcePath: filepath.Join(srcDir, "nope.png")})},
		{"unsafe id", mustJSON(t, schema.HeatmapRequested{JobID: "../x", SourcePath: inside})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply := svc.handleSubmit(ctx, tc.data).(schema.SubmitReply)
			assert.NotEmpty(t, reply.Error)
			assert.Equal(t, schema.ErrorCodeBadRequest, reply.ErrorCode)
		})
	}
}

func TestSubmitDuplicateID(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	svc, _ := newTestService(t, srcDir)
	src := filepath.Join(srcDir, "a.png")
	writePNG(t, src, 4, 4)

	first := svc.handleSubmit(ctx, mustJSON(t, schema.HeatmapRequested{JobID: "same", SourcePath: src})).(schema.SubmitReply)
	require.Empty(t, first.Error)
	second := svc.handleSubmit(ctx, mustJSON(t, schema.HeatmapRequested{JobID: "same", SourcePath: src})).(schema.SubmitReply)
	assert.Equal(t, schema.ErrorCodeBadRequest, second.ErrorCode)
}

func TestStatusAndResultLookupErrors(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	svc, _ := newTestService(t, srcDir)

	st := svc.handleStatus(ctx, mustJSON(t, schema.StatusRequest{JobID: "ghost"})).(schema.JobStatus)
	assert.Equal(t, schema.ErrorCodeNotFound, st.ErrorCode)

	src := filepath.Join(srcDir, "a.png")
	writePNG(t, src, 4, 4)
	reply := svc.handleSubmit(ctx, mustJSON(t, schema.HeatmapRequested{JobID: "pending", SourcePath: src})).(schema.SubmitReply)
	require.Empty(t, reply.Error)

	res := svc.handleResult(ctx, mustJSON(t, schema.ResultRequest{JobID: "pending"})).(schema.ResultReply)
	assert.Equal(t, schema.ErrorCodeNotReady, res.ErrorCode)
}

func TestOnPurgePublishes(t *testing.T) {
	svc, pub := newTestService(t, "")
	svc.onPurge("gone")
	assert.Equal(t, 1, pub.count("heatmap.events.purged"))
}

func TestResolveSource(t *testing.T) {
	root := t.TempDir()
	svc := &service{cfg: config{SourceDir: root}}

	got, err := svc.resolveSource(filepath.Join(root, "sub", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "a.png"), got)

	_, err = svc.resolveSource(filepath.Join(root, "..", "escape.png"))
	assert.Error(t, err)

	_, err = svc.resolveSource("   ")
	assert.Error(t, err)
}
