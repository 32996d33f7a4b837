package job

import "errors"

// Boundary errors. Synchronous calls return these wrapped with context.
var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
	ErrInvalidState  = errors.New("invalid state for operation")
	ErrConflict      = errors.New("pipeline already active")
	ErrValidation    = errors.New("validation failure")
)

// Collaborator failures. These end an asynchronous pipeline run and are only
// surfaced through the job's error field.
var (
	ErrDecode    = errors.New("decode failure")
	ErrDetection = errors.New("detection failure")
	ErrEncode    = errors.New("encode failure")
	ErrPublish   = errors.New("artifact publish failure")
)
