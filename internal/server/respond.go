package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
	"github.com/RicherTunes/ai-proxy-sub011/internal/credential"
)

// apiErrorBody is the proxy-generated error shape of spec §7:
// {error, code, retryAfterMs?, requestId}.
type apiErrorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

func errorResponse(msg string) apiErrorBody { return apiErrorBody{Error: msg} }

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// retryAfterMser is implemented by errors that carry a Retry-After hint in
// milliseconds, namely the admission gate's backpressureError.
type retryAfterMser interface {
	RetryAfterMs() int64
}

// kinder is implemented by errors that carry an ErrorKind taxonomy code.
type kinder interface {
	Kind() core.ErrorKind
}

// errorStatus extracts the HTTP status an error should produce, defaulting
// to 500 for anything that doesn't carry one explicitly.
func errorStatus(err error) int {
	var se core.HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeAPIError renders err as the standard proxy error envelope, setting
// Retry-After when the error carries a millisecond hint (admission
// backpressure, a cold credential pool) and the errorKind taxonomy code
// when available.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	body := apiErrorBody{Error: err.Error(), RequestID: core.RequestIDFromContext(r.Context())}

	var ke kinder
	if errors.As(err, &ke) {
		body.Code = string(ke.Kind())
	}

	var rm retryAfterMser
	switch {
	case errors.As(err, &rm):
		body.RetryAfterMs = rm.RetryAfterMs()
	case errors.As(err, new(*credential.ColdError)):
		var cold *credential.ColdError
		errors.As(err, &cold)
		body.RetryAfterMs = cold.WaitMs
		if body.Code == "" {
			body.Code = string(core.ErrKindPoolCold)
		}
	}
	if body.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((body.RetryAfterMs+999)/1000, 10))
	}

	writeJSON(w, status, body)
}
