package pipeline

import (
	"fmt"

	"github.com/andresmejia3/sentinel-blur/internal/job"
)

// Error is a pipeline failure pinned to the frame where it happened.
// errors.Is matches both its Kind (job.ErrDecode, job.ErrDetection, ...) and the cause.
type Error struct {
	Phase job.Phase
	// Frame is the failing frame index, or -1 when the failure is not tied to a frame.
	Frame int
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("%s: %v: %v", e.Phase, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v at frame %d: %v", e.Phase, e.Kind, e.Frame, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
