package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fernandezvara/permkit"
)

const maxBodyBytes = 1 << 20

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type      string `json:"type,omitempty"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func problem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:     title,
		Status:    status,
		Detail:    detail,
		RequestID: permkit.GetRequestID(r.Context()),
	})
}

// errorResponder maps permkit errors to problem responses. Forbidden and not
// found bodies carry no detail.
func errorResponder(logger *slog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		switch {
		case permkit.IsUnauthenticated(err):
			problem(w, r, http.StatusUnauthorized, "Unauthorized", detail(err))
		case permkit.IsForbidden(err):
			problem(w, r, http.StatusForbidden, "Forbidden", "")
		case permkit.IsValidation(err):
			problem(w, r, http.StatusBadRequest, "Validation Failed", detail(err))
		case permkit.IsConflict(err):
			problem(w, r, http.StatusConflict, "Conflict", detail(err))
		case permkit.IsNotFound(err):
			problem(w, r, http.StatusNotFound, "Not Found", "")
		default:
			logger.ErrorContext(r.Context(), "request failed",
				slog.Any("error", err),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", permkit.GetRequestID(r.Context())),
			)
			problem(w, r, http.StatusInternalServerError, "Internal Error", "")
		}
	}
}

// detail returns the human message of a permkit error without the sentinel prefix.
func detail(err error) string {
	var pe *permkit.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return permkit.NewError(permkit.ErrValidation, "request body is required")
		}
		return permkit.NewError(permkit.ErrValidation, "invalid request body").WithCause(err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, permkit.NewError(permkit.ErrValidation, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, permkit.NewError(permkit.ErrValidation, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return n, nil
}
