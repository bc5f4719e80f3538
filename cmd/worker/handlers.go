// cmd/worker/handlers.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-heatmapper/internal/artifact"
	"github.com/tendant/simple-heatmapper/internal/job"
	"github.com/tendant/simple-heatmapper/internal/pipeline"
	"github.com/tendant/simple-heatmapper/internal/upload"
	"github.com/tendant/simple-heatmapper/pkg/schema"
)

type publisher interface {
	PublishJSON(subject string, v any) error
}

type service struct {
	cfg    config
	runner *pipeline.Runner
	jobs   *job.Manager
	events publisher
	mirror *artifact.S3Store
	logger *slog.Logger
}

func (s *service) handleSubmit(ctx context.Context, data []byte) any {
	var req schema.HeatmapRequested
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("invalid submit payload", "err", err)
		return schema.SubmitReply{Error: "invalid payload: " + err.Error(), ErrorCode: schema.ErrorCodeBadRequest}
	}

	path, err := s.resolveSource(req.SourcePath)
	if err != nil {
		s.logger.Warn("rejected submit", "source_path", req.SourcePath, "err", err)
		return schema.SubmitReply{JobID: req.JobID, Error: err.Error(), ErrorCode: schema.ErrorCodeBadRequest}
	}

	id := strings.TrimSpace(req.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("open source failed", "job_id", id, "source_path", path, "err", err)
		return schema.SubmitReply{JobID: id, Error: fmt.Sprintf("open source: %v", err), ErrorCode: schema.ErrorCodeBadRequest}
	}
	defer f.Close()

	if err := s.runner.IngestAs(ctx, id, f, filename); err != nil {
		s.logger.Warn("submit failed", "job_id", id, "err", err)
		return schema.SubmitReply{JobID: id, Error: err.Error(), ErrorCode: submitErrorCode(err)}
	}
	s.logger.Info("job accepted", "job_id", id, "source_path", path)
	return schema.SubmitReply{JobID: id}
}

func (s *service) handleStatus(ctx context.Context, data []byte) any {
	var req schema.StatusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return schema.JobStatus{Error: "invalid payload: " + err.Error(), ErrorCode: schema.ErrorCodeBadRequest}
	}
	st, err := s.runner.Status(ctx, req.JobID)
	if err != nil {
		return schema.JobStatus{JobID: req.JobID, Error: err.Error(), ErrorCode: lookupErrorCode(err)}
	}
	return st
}

func (s *service) handleResult(ctx context.Context, data []byte) any {
	var req schema.ResultRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return schema.ResultReply{Error: "invalid payload: " + err.Error(), ErrorCode: schema.ErrorCodeBadRequest}
	}
	path, err := s.runner.ResultPath(ctx, req.JobID)
	if err != nil {
		return schema.ResultReply{JobID: req.JobID, Error: err.Error(), ErrorCode: lookupErrorCode(err)}
	}
	reply := schema.ResultReply{JobID: req.JobID, Path: path}
	if j, err := s.jobs.Get(ctx, req.JobID); err == nil {
		reply.MirrorURL = j.MirrorURL
	}
	return reply
}

// publishJobEvent runs as a job.Manager observer.
func (s *service) publishJobEvent(j job.Job) {
	evt := schema.JobEvent{
		JobID:      j.ID,
		Phase:      string(j.Phase),
		Progress:   j.Progress,
		Error:      j.Error,
		ResultPath: j.ResultPath,
		MirrorURL:  j.MirrorURL,
		HappenedAt: j.UpdatedAt.Unix(),
	}
	if err := s.events.PublishJSON(s.cfg.EventSubject, evt); err != nil {
		s.logger.Warn("publish job event failed", "job_id", j.ID, "err", err)
	}
}

// onPurge runs after the sweeper removed a job.
func (s *service) onPurge(id string) {
	s.runner.Forget(id)
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.mirror.Remove(ctx, id); err != nil {
			s.logger.Warn("remove mirrored result failed", "job_id", id, "err", err)
		}
		cancel()
	}
	evt := schema.JobPurged{JobID: id, HappenedAt: time.Now().Unix()}
	if err := s.events.PublishJSON(s.cfg.EventSubject+".purged", evt); err != nil {
		s.logger.Warn("publish purge event failed", "job_id", id, "err", err)
	}
}

// resolveSource cleans path and, when SourceDir is set, keeps it inside.
func (s *service) resolveSource(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("source_path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve source_path: %w", err)
	}
	if s.cfg.SourceDir == "" {
		return abs, nil
	}
	root, err := filepath.Abs(s.cfg.SourceDir)
	if err != nil {
		return "", fmt.Errorf("resolve SOURCE_DIR: %w", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source_path %s is outside %s", path, s.cfg.SourceDir)
	}
	return abs, nil
}

func submitErrorCode(err error) schema.ErrorCode {
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrClosed):
		return schema.ErrorCodeQueueFull
	case errors.Is(err, job.ErrDuplicateJob),
		errors.Is(err, upload.ErrUnsupportedSource),
		errors.Is(err, upload.ErrTooLarge),
		errors.Is(err, job.ErrInvalidID):
		return schema.ErrorCodeBadRequest
	}
	return schema.ErrorCodeInternal
}

func lookupErrorCode(err error) schema.ErrorCode {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return schema.ErrorCodeNotFound
	case errors.Is(err, job.ErrNotReady):
		return schema.ErrorCodeNotReady
	}
	return schema.ErrorCodeInternal
}
