// pkg/schema/events.go
package schema

// HeatmapRequested asks a worker to process the image at SourcePath. The worker
// stages its own copy, so SourcePath is left untouched. JobID is optional; one
// is minted when empty.
type HeatmapRequested struct {
	JobID      string `json:"job_id,omitempty"`
	SourcePath string `json:"source_path"`
	Filename   string `json:"filename,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}

// SubmitReply answers a HeatmapRequested sent as a request.
type SubmitReply struct {
	JobID     string    `json:"job_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

type StatusRequest struct {
	JobID string `json:"job_id"`
}

// JobStatus is the externally visible view of a job. Progress is -1 once the
// job has failed.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	Phase     string    `json:"phase"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Rows      int       `json:"rows,omitempty"`
	Cols      int       `json:"cols,omitempty"`
	CreatedAt int64     `json:"created_at,omitempty"`
	UpdatedAt int64     `json:"updated_at,omitempty"`
}

type ResultRequest struct {
	JobID string `json:"job_id"`
}

// ResultReply points at a finished heatmap. MirrorURL is set when the result
// was also published to object storage.
type ResultReply struct {
	JobID     string    `json:"job_id"`
	Path      string    `json:"path,omitempty"`
	MirrorURL string    `json:"mirror_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

type ErrorCode string

const (
	ErrorCodeNotFound   ErrorCode = "not_found"
	ErrorCodeNotReady   ErrorCode = "not_ready"
	ErrorCodeQueueFull  ErrorCode = "queue_full"
	ErrorCodeBadRequest ErrorCode = "bad_request"
	ErrorCodeInternal   ErrorCode = "internal"
)

// JobEvent is published on every committed job change.
type JobEvent struct {
	JobID      string `json:"job_id"`
	Phase      string `json:"phase"`
	Progress   int    `json:"progress"`
	Error      string `json:"error,omitempty"`
	ResultPath string `json:"result_path,omitempty"`
	MirrorURL  string `json:"mirror_url,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}

// JobPurged is published when the retention sweep removes a job.
type JobPurged struct {
	JobID      string `json:"job_id"`
	HappenedAt int64  `json:"happened_at"`
}
