package models

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError. Local precondition kinds are raised before any
// remote call; RemoteError and TransportError come back from the actor.
type Kind string

const (
	KindNotAuthenticated   Kind = "NOT_AUTHENTICATED"
	KindMutationInProgress Kind = "MUTATION_IN_PROGRESS"
	KindInvalidTarget      Kind = "INVALID_TARGET"
	KindInvalidAmount      Kind = "INVALID_AMOUNT"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindRemote             Kind = "REMOTE_ERROR"
	KindTransport          Kind = "TRANSPORT_ERROR"
)

// AppError represents a custom application error
type AppError struct {
	Code    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Local reports whether the error was raised before contacting the remote actor.
func (e *AppError) Local() bool {
	switch e.Code {
	case KindRemote, KindTransport:
		return false
	}
	return true
}

// Predefined error constructors
func NewNotAuthenticatedError() *AppError {
	return &AppError{
		Code:    KindNotAuthenticated,
		Message: "Not authenticated",
	}
}

func NewMutationInProgressError(kind, entityID string) *AppError {
	return &AppError{
		Code:    KindMutationInProgress,
		Message: fmt.Sprintf("%s already in progress for %s", kind, entityID),
	}
}

func NewInvalidTargetError(message string) *AppError {
	return &AppError{
		Code:    KindInvalidTarget,
		Message: message,
	}
}

func NewInvalidAmountError(message string) *AppError {
	return &AppError{
		Code:    KindInvalidAmount,
		Message: message,
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    KindValidation,
		Message: message,
	}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    KindNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

// NewRemoteError wraps a failure string declared by the remote actor.
func NewRemoteError(method, message string) *AppError {
	return &AppError{
		Code:    KindRemote,
		Message: fmt.Sprintf("%s rejected: %s", method, message),
	}
}

// NewTransportError wraps a call-layer failure (network, timeout, malformed reply).
func NewTransportError(method string, err error) *AppError {
	return &AppError{
		Code:    KindTransport,
		Message: fmt.Sprintf("%s call failed", method),
		Err:     err,
	}
}

// KindOf returns the Kind of the first AppError in err's chain, or "" if none.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsKind reports whether err carries an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
