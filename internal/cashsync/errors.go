package cashsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/cashsync/internal/retry"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrOffline         = errors.New("offline")
	ErrPermission      = errors.New("permission denied")
	ErrValidation      = errors.New("validation failed")
	ErrQueueFull       = errors.New("sync queue full")
	ErrArchiveExists   = errors.New("archive already exists for date")
	ErrInvitePending   = errors.New("invite already pending")
	ErrAlreadyShared   = errors.New("worksheet already shared with user")
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrLocalPersist    = errors.New("local persistence failed")
	ErrInvalidGrantOp  = errors.New("invalid grant transition")
	ErrSessionNotFound = errors.New("no accepted grant for session")
)

type Kind int

const (
	KindTransient Kind = iota
	KindPermission
	KindValidation
	KindNotFound
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps an error to the retry taxonomy. Anything unrecognised is
// treated as a transient network failure.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidGrantOp),
		errors.Is(err, ErrInvitePending), errors.Is(err, ErrAlreadyShared), errors.Is(err, ErrArchiveExists):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case retry.IsPermanent(err):
		return KindValidation
	default:
		return KindTransient
	}
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type PermissionError struct {
	UserID  string
	OwnerID string
	Action  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s for %s", e.UserID, e.Action, e.OwnerID)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermission
}
