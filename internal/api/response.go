package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps engine errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, detection.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, alert.ErrUnknownAlert):
		return http.StatusNotFound
	case errors.Is(err, alert.ErrInvalidTransition),
		errors.Is(err, session.ErrDuplicateEvent),
		errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrDraining):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
