// internal/store/file.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-heatmapper/internal/job"
)

// StatusFile is the per-job record name inside the job directory.
const StatusFile = "status.json"

// File keeps each job record as <root>/<job_id>/status.json, next to the
// job's artifacts, so removing the job directory removes its record too.
type File struct {
	root string
}

func NewFile(root string) (*File, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &File{root: root}, nil
}

func (s *File) Save(_ context.Context, j job.Job) error {
	if err := job.ValidID(j.ID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	path := filepath.Join(dir, StatusFile)
	tmp := path + ".tmp"
	if err := writeSynced(tmp, raw); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *File) Load(_ context.Context, id string) (job.Job, error) {
	if err := job.ValidID(id); err != nil {
		return job.Job{}, err
	}
	return readStatus(filepath.Join(s.root, id, StatusFile))
}

func (s *File) Delete(_ context.Context, id string) error {
	if err := job.ValidID(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, id, StatusFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every readable record. Directories without a status file, or
// with one that does not parse, are skipped.
func (s *File) List(_ context.Context) ([]job.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	out := make([]job.Job, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		j, err := readStatus(filepath.Join(s.root, ent.Name(), StatusFile))
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func readStatus(path string) (job.Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return job.Job{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return j, nil
}

func writeSynced(path string, raw []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return f.Close()
}
