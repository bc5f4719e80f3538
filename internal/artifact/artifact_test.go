package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalReadCachesUntilEvicted(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, 4)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(l.Dir("a"), 0o755))
	require.NoError(t, os.WriteFile(l.Path("a"), []byte("first"), 0o644))

	data, err := l.Read(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	// Served from cache while the file changes underneath.
	require.NoError(t, os.WriteFile(l.Path("a"), []byte("second"), 0o644))
	data, err = l.Read(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	l.Evict("a")
	data, err = l.Read(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestLocalReadMissing(t *testing.T) {
	l, err := NewLocal(t.TempDir(), 0)
	require.NoError(t, err)
	_, err = l.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Read(context.Background(), "../etc")
	assert.Error(t, err)
}

func TestLocalPath(t *testing.T) {
	l, err := NewLocal("/data/jobs", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/jobs", "j1", ResultName), l.Path("j1"))
}

func TestNewS3StoreValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  S3Config
	}{
		{"missing endpoint", S3Config{AccessKey: "a", SecretKey: "s", Bucket: "b"}},
		{"missing keys", S3Config{Endpoint: "localhost:9000", Bucket: "b"}},
		{"missing bucket", S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewS3Store(tc.cfg)
			assert.Error(t, err)
		})
	}

	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "heatmaps"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.region)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "heatmaps/j1/heatmap.png", objectKey("j1", "/heatmap.png"))
	assert.Equal(t, "heatmaps/j1/", objectKey(" j1 ", ""))
}
