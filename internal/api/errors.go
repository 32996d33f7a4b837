package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/andresmejia3/sentinel-blur/internal/job"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the job error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, job.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, job.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, job.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, job.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, job.ErrDecode):
		return http.StatusInternalServerError, "decode_failure"
	case errors.Is(err, job.ErrEncode):
		return http.StatusInternalServerError, "encode_failure"
	case errors.Is(err, job.ErrDetection):
		return http.StatusInternalServerError, "detection_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
