package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"queuedeck/server/internal/auth"
	"queuedeck/server/internal/locks"
	"queuedeck/server/internal/slice"
	"queuedeck/server/internal/store"
)

// DomainError is an error that already knows its HTTP shape. Handlers that
// build one skip the generic mapping in mapError.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns an internal error into an HTTP error response shape.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// errorCode maps session errors onto the wire taxonomy the client recovers
// from. Anything unrecognized is internal.
func errorCode(err error) string {
	switch {
	case errors.Is(err, slice.ErrOutdatedSessionSeq):
		return "outdated-session-id"
	case errors.Is(err, slice.ErrOutdatedQueueSeq):
		return "outdated-queue-id"
	case errors.Is(err, slice.ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, locks.ErrLocked):
		return "locked"
	default:
		return "internal"
	}
}
