package remotestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/cashsync/internal/cashsync"
)

// Error codes carried in relay error bodies.
const (
	CodeBadRequest      = "bad_request"
	CodeValidation      = "validation_failed"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvitePending   = "invite_pending"
	CodeAlreadyShared   = "already_shared"
	CodeInvalidGrantOp  = "invalid_grant_transition"
	CodeRateLimited     = "rate_limited"
	CodeTimeout         = "timeout"
	CodeUnavailable     = "unavailable"
	CodePayloadTooLarge = "payload_too_large"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match relay failures against the engine's sentinels.
func (e *HTTPError) Is(target error) bool {
	switch e.Code {
	case CodeInvitePending:
		return target == cashsync.ErrInvitePending
	case CodeAlreadyShared:
		return target == cashsync.ErrAlreadyShared
	case CodeInvalidGrantOp:
		return target == cashsync.ErrInvalidGrantOp
	}
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return target == cashsync.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == cashsync.ErrPermission
	case http.StatusNotFound:
		return target == cashsync.ErrNotFound
	}
	return false
}

// StatusForError maps a store error to the HTTP status and code the relay
// answers with.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, cashsync.ErrInvitePending):
		return http.StatusConflict, CodeInvitePending
	case errors.Is(err, cashsync.ErrAlreadyShared):
		return http.StatusConflict, CodeAlreadyShared
	case errors.Is(err, cashsync.ErrInvalidGrantOp):
		return http.StatusConflict, CodeInvalidGrantOp
	case errors.Is(err, cashsync.ErrValidation):
		return http.StatusUnprocessableEntity, CodeValidation
	case errors.Is(err, cashsync.ErrInvalidInput):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, cashsync.ErrPermission):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, cashsync.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusServiceUnavailable, CodeUnavailable
	}
}
