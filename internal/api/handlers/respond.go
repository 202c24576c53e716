// Package handlers exposes the safety, e-Rx, risk and notes services over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/carepath/clinsafe/internal/api/middleware"
	"github.com/carepath/clinsafe/internal/apperror"
	"github.com/carepath/clinsafe/internal/domain/prescription"
	"github.com/carepath/clinsafe/internal/domain/safety"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error     string           `json:"error"`
	Field     string           `json:"field,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Findings  []safety.Finding `json:"findings,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	body.RequestID = middleware.GetRequestID(r.Context())
	writeJSON(w, status, body)
}

// writeError maps service errors onto status codes. Anything unclassified is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var (
		confirm *prescription.ConfirmationRequiredError
		invalid *apperror.ValidationError
	)
	switch {
	case errors.As(err, &confirm):
		jsonError(w, r, http.StatusConflict, ErrorResponse{
			Error:    prescription.ErrConfirmationRequired.Error(),
			Field:    "confirmed",
			Findings: confirm.Findings,
		})
	case errors.As(err, &invalid):
		jsonError(w, r, http.StatusBadRequest, ErrorResponse{Error: invalid.Message, Field: invalid.Field})
	case apperror.IsNotFound(err):
		jsonError(w, r, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case apperror.IsConflict(err):
		jsonError(w, r, http.StatusConflict, ErrorResponse{Error: "concurrent update, retry the request"})
	case apperror.IsUnavailable(err):
		logger.Error("storage unavailable",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, r, http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable"})
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, r, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// decode reads a JSON body into v. An empty body is rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.Invalid("body", "is required")
		}
		return &apperror.ValidationError{Field: "body", Message: "invalid JSON", Cause: err}
	}
	return nil
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.Invalid(name, fmt.Sprintf("must be an integer, got %q", raw))
	}
	return n, nil
}
