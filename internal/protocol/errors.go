package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in error payloads.
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeInvalidID         = "INVALID_ID"
	CodeStaleMessage      = "STALE_MESSAGE"
	CodeDuplicateMessage  = "DUPLICATE_MESSAGE"
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeHandshakeRequired = "HANDSHAKE_REQUIRED"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeMessageTooLarge   = "MESSAGE_TOO_LARGE"
	CodeAgentReplaced     = "AGENT_REPLACED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternal          = "INTERNAL"
)

// WebSocket close codes sent after connection:closing.
const (
	CloseProtocolViolation = 4000
	CloseHandshakeRequired = 4001
	CloseAgentReplaced     = 4002
	CloseServerShutdown    = 4003
)

// Error is a protocol-level failure reported to the peer.
// Unrecoverable errors close the connection.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// NewError creates a protocol error.
func NewError(code, msg string, recoverable bool) *Error {
	return &Error{Code: code, Message: msg, Recoverable: recoverable}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CloseCode maps an unrecoverable error to its WebSocket close code.
func (e *Error) CloseCode() int {
	switch e.Code {
	case CodeHandshakeRequired:
		return CloseHandshakeRequired
	case CodeAgentReplaced:
		return CloseAgentReplaced
	}
	return CloseProtocolViolation
}

// AsError extracts a protocol error from err, wrapping foreign errors as
// recoverable INTERNAL errors.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(CodeInternal, err.Error(), true)
}
