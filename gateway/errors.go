package gateway

import (
	"fmt"
	"time"

	"github.com/miid-sh/miid/did"
)

// APIError is a structured error returned to HTTP callers. The Code string
// is the machine-readable contract; Message and Extra are advisory.
type APIError struct {
	Status  int
	Code    string
	Message string
	Extra   map[string]any
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *APIError) body() map[string]any {
	out := map[string]any{"error": e.Code}
	if e.Message != "" {
		out["message"] = e.Message
	}
	for k, v := range e.Extra {
		out[k] = v
	}
	return out
}

// With attaches an extra top-level field to the error body.
func (e *APIError) With(key string, val any) *APIError {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = val
	return e
}

func apiError(status int, code string) *APIError {
	return &APIError{Status: status, Code: code}
}

func apiErrorMsg(status int, code, msg string) *APIError {
	return &APIError{Status: status, Code: code, Message: msg}
}

func isoTime(t time.Time) string {
	return did.FormatTime(t)
}

func isoTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := did.FormatTime(*t)
	return &s
}
