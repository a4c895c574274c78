package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://coreplane.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://coreplane.dev/problems/bad-request"
	ProblemTypeInternal     = "https://coreplane.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://coreplane.dev/problems/unauthorized"
	ProblemTypeForbidden    = "https://coreplane.dev/problems/forbidden"
	ProblemTypeRateLimited  = "https://coreplane.dev/problems/rate-limited"
	ProblemTypeConflict     = "https://coreplane.dev/problems/conflict"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	})
}

// Forbidden writes a 403 problem response.
func Forbidden(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeForbidden,
		Title:    "Forbidden",
		Status:   http.StatusForbidden,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}

// WriteError maps a taxonomy error to its problem response. Unmatched
// errors become 500 with a generic detail; the original stays in logs.
func WriteError(w http.ResponseWriter, err error, instance string) {
	switch {
	case errors.Is(err, plugin.ErrUnauthorized):
		Unauthorized(w, "authentication required", instance)
	case errors.Is(err, plugin.ErrForbidden):
		Forbidden(w, "insufficient permissions", instance)
	case errors.Is(err, plugin.ErrNotFound):
		NotFound(w, err.Error(), instance)
	case errors.Is(err, plugin.ErrBadRequest):
		BadRequest(w, err.Error(), instance)
	case errors.Is(err, plugin.ErrCoreComponent):
		Forbidden(w, err.Error(), instance)
	default:
		InternalError(w, "an unexpected error occurred", instance)
	}
}
