package engine

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the shared failure taxonomy: every automation kind maps
// its failures onto these values and nothing else.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation_error"
	KindConflict     ErrorKind = "conflict"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindNotReady     ErrorKind = "not_ready"
	KindStorage      ErrorKind = "storage_error"
)

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict, KindNotReady:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is the engine's client-facing failure type. Meta carries
// machine-readable detail (validation issues, the existing duplicate
// id). The wrapped cause is for server-side logs only and is never
// serialized.
type Error struct {
	Kind    ErrorKind
	Message string
	Meta    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func ValidationFailed(issues []string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "payload validation failed",
		Meta:    map[string]any{"issues": issues},
	}
}

func Duplicate(existingID string) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: "duplicate submission",
		Meta:    map[string]any{"existing_id": existingID},
	}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Forbidden() *Error {
	return &Error{Kind: KindForbidden, Message: "insufficient roles"}
}

func NotReady(status string) *Error {
	return &Error{
		Kind:    KindNotReady,
		Message: "submission is not done yet",
		Meta:    map[string]any{"status": status},
	}
}

// StorageFailure keeps the cause for logging; the client only ever
// sees the generic message.
func StorageFailure(op string, cause error) *Error {
	return &Error{
		Kind:    KindStorage,
		Message: "internal storage error",
		cause:   fmt.Errorf("%s: %w", op, cause),
	}
}

// sanitizeError flattens an execution failure into the short,
// single-line reason stored on the submission. Never a stack trace.
func sanitizeError(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if msg == "" {
		return "unknown error"
	}
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
