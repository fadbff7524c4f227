// Package routing holds the HTTP response conventions shared by every
// handler: one JSON error envelope, one success writer, and the mapping
// from engine error kinds to HTTP statuses.
package routing

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidegrid/metacore/pkg/enginerr"
)

type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	WriteJSON(w, status, ErrorEnvelope{
		Code:    code,
		Message: message,
		TraceID: traceIDFromRequest(r),
		Meta: ErrorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

// RespondError translates an engine error into the envelope. Unknown
// errors become an opaque 500 so internals never leak to callers.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	WriteError(w, r, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case enginerr.IsValidation(err):
		return http.StatusBadRequest, "validation_failed"
	case enginerr.IsCompileConflict(err):
		return http.StatusConflict, "overlay_conflict"
	case enginerr.IsPolicyNotPublished(err):
		return http.StatusConflict, "policy_not_published"
	case enginerr.IsInvalidTransition(err):
		return http.StatusConflict, "invalid_transition"
	case enginerr.IsConcurrentModification(err):
		return http.StatusConflict, "concurrent_modification"
	case enginerr.IsGateNotSatisfied(err):
		return http.StatusUnprocessableEntity, "gate_not_satisfied"
	case enginerr.IsRoutingUnresolved(err):
		return http.StatusUnprocessableEntity, "routing_unresolved"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
