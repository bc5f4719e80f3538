// internal/job/job.go
package job

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle state of a heatmap job.
type Phase string

const (
	PhaseCreated           Phase = "CREATED"
	PhaseDecoding          Phase = "DECODING"
	PhaseTiling            Phase = "TILING"
	PhaseGeneratingHeatmap Phase = "GENERATING_HEATMAP"
	PhaseCompleted         Phase = "COMPLETED"
	PhaseFailed            Phase = "FAILED"
)

// ProgressFailed is the progress value persisted for a failed job.
const ProgressFailed = -1

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseCreated, PhaseDecoding, PhaseTiling, PhaseGeneratingHeatmap, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// successor returns the phase AdvancePhase may move to from p. Completion and
// failure have their own operations and are never reached through it.
func successor(p Phase) (Phase, bool) {
	switch p {
	case PhaseCreated:
		return PhaseDecoding, true
	case PhaseDecoding:
		return PhaseTiling, true
	case PhaseTiling:
		return PhaseGeneratingHeatmap, true
	}
	return "", false
}

// Job is the record kept for one submitted image.
type Job struct {
	ID         string    `json:"id"`
	Phase      Phase     `json:"phase"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	SourcePath string    `json:"source_path"`
	ResultPath string    `json:"result_path,omitempty"`
	MirrorURL  string    `json:"mirror_url,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Rows       int       `json:"rows,omitempty"`
	Cols       int       `json:"cols,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ValidID rejects identifiers that cannot double as a single path element.
func ValidID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: job id is required", ErrInvalidID)
	case id != strings.TrimSpace(id):
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidID, id)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return nil
}
