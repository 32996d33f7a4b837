package job

import (
	"fmt"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/types"
)

// Status is a node of the job state machine.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusAnalyzing  Status = "analyzing"
	StatusAnalyzed   Status = "analyzed"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Phase names the long-running pipeline that owns a job's progress.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseAnalysis   Phase = "analysis"
	PhaseProcessing Phase = "processing"
)

// Job is an immutable snapshot of one video's pipeline state.
type Job struct {
	ID         string          `json:"video_id"`
	Status     Status          `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message"`
	Error      string          `json:"error,omitempty"`
	ErrorPhase Phase           `json:"error_phase,omitempty"`
	Info       types.VideoInfo `json:"video_info"`
	// MasksReady is true once analysis succeeded; a processing failure keeps it.
	MasksReady bool `json:"masks_ready"`
	// Active is set while a pipeline (analysis, processing or preview) owns the job.
	Active      bool      `json:"active"`
	HasPreview  bool      `json:"has_preview"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Phase reports which pipeline phase the status belongs to.
func (j Job) Phase() Phase {
	switch j.Status {
	case StatusAnalyzing:
		return PhaseAnalysis
	case StatusProcessing:
		return PhaseProcessing
	default:
		return PhaseNone
	}
}

// canStart reports whether a pipeline entering `to` may start from j.
func canStart(j Job, to Status) bool {
	switch to {
	case StatusAnalyzing:
		return j.Status == StatusUploaded
	case StatusProcessing:
		if j.Status == StatusAnalyzed {
			return true
		}
		return j.Status == StatusError && j.ErrorPhase == PhaseProcessing && j.MasksReady
	default:
		return false
	}
}

// CheckStart reports why a pipeline entering `to` could not start from this
// snapshot: ErrConflict while another pipeline owns the job, ErrInvalidState
// when the status does not allow it.
func (j Job) CheckStart(to Status) error {
	if j.Active {
		return fmt.Errorf("%w: %s is %s", ErrConflict, j.ID, j.Status)
	}
	if !canStart(j, to) {
		return fmt.Errorf("%w: cannot start %s from %s", ErrInvalidState, to, j.Status)
	}
	return nil
}

// CheckPreview is CheckStart for previews.
func (j Job) CheckPreview() error {
	if j.Active {
		return fmt.Errorf("%w: %s is %s", ErrConflict, j.ID, j.Status)
	}
	if !j.CanPreview() {
		return fmt.Errorf("%w: preview requires analyzed masks (status %s)", ErrInvalidState, j.Status)
	}
	return nil
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusUploaded:
		return to == StatusAnalyzing
	case StatusAnalyzing:
		return to == StatusAnalyzed || to == StatusError
	case StatusAnalyzed:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	case StatusError:
		return to == StatusProcessing
	default:
		return false
	}
}

// CanPreview reports whether a preview may be rendered from the job's masks.
func (j Job) CanPreview() bool {
	if !j.MasksReady {
		return false
	}
	switch j.Status {
	case StatusAnalyzed, StatusCompleted, StatusProcessing:
		return true
	case StatusError:
		return j.ErrorPhase == PhaseProcessing
	default:
		return false
	}
}
