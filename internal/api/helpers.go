package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"grimm.is/foreman/internal/lifecycle"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/registry"
	"grimm.is/foreman/internal/trace"
)

const maxBodyBytes = 1 << 20

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// readJSON decodes a bounded request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// httpStatus maps domain errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, trace.ErrNoTrace), errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrNotMutable):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// protocolError maps domain errors to recoverable protocol errors.
func protocolError(err error) *protocol.Error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, registry.ErrUnknownAgent):
		return protocol.NewError(protocol.CodeNotFound, err.Error(), true)
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return protocol.NewError(protocol.CodeInvalidPayload, err.Error(), true)
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrNotMutable), errors.Is(err, lifecycle.ErrWrongAgent):
		return protocol.NewError(protocol.CodeInvalidState, err.Error(), true)
	}
	return protocol.NewError(protocol.CodeInternal, err.Error(), true)
}
