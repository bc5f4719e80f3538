// internal/artifact/local.go
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tendant/simple-heatmapper/internal/job"
)

// ResultName is the heatmap file name inside a job directory.
const ResultName = "heatmap.png"

var ErrNotFound = errors.New("artifact not found")

// Local serves result files from the jobs directory. Result bytes are small
// (one pixel per tile) and immutable once written, so reads are cached.
type Local struct {
	root  string
	cache *lru.Cache[string, []byte]
}

// NewLocal returns a reader over root. entries <= 0 disables the cache.
func NewLocal(root string, entries int) (*Local, error) {
	l := &Local{root: root}
	if entries > 0 {
		cache, err := lru.New[string, []byte](entries)
		if err != nil {
			return nil, err
		}
		l.cache = cache
	}
	return l, nil
}

// Dir returns the directory that holds every artifact of job id.
func (l *Local) Dir(id string) string {
	return filepath.Join(l.root, id)
}

// Path returns where the result of job id is written.
func (l *Local) Path(id string) string {
	return filepath.Join(l.root, id, ResultName)
}

// Read returns the result bytes of job id.
func (l *Local) Read(_ context.Context, id string) ([]byte, error) {
	if err := job.ValidID(id); err != nil {
		return nil, err
	}
	if l.cache != nil {
		if data, ok := l.cache.Get(id); ok {
			return data, nil
		}
	}
	data, err := os.ReadFile(l.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read result: %w", err)
	}
	if l.cache != nil {
		l.cache.Add(id, data)
	}
	return data, nil
}

// Evict drops any cached result of job id.
func (l *Local) Evict(id string) {
	if l.cache != nil {
		l.cache.Remove(id)
	}
}
