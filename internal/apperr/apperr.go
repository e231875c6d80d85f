// Package apperr defines the error taxonomy shared by the social engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the action boundary.
type Kind int

const (
	// KindInternal covers errors that carry no classification.
	KindInternal Kind = iota
	// KindValidation marks bad or missing input.
	KindValidation
	// KindNotFound marks an absent space, tag, account or request.
	KindNotFound
	// KindAuthorization marks a caller that may not perform the action.
	KindAuthorization
	// KindConflict marks duplicate or already-resolved state.
	KindConflict
	// KindIO marks an unreadable or unwritable store.
	KindIO
	// KindExternalService marks a failed call to an outside collaborator.
	KindExternalService
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindIO:
		return "io"
	case KindExternalService:
		return "external_service"
	default:
		return "internal"
	}
}

// Error is a classified failure with a stable code and a user-facing message.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// Message returns the text that may be shown to the acting user.
func (e *Error) Message() string {
	return e.message
}

// New builds a classified error. The code is derived as "operation.reason".
func New(kind Kind, operation, reason, message string, cause error) error {
	return &Error{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

func Validation(operation, reason, message string) error {
	return New(KindValidation, operation, reason, message, nil)
}

func NotFound(operation, reason, message string) error {
	return New(KindNotFound, operation, reason, message, nil)
}

func Authorization(operation, reason, message string) error {
	return New(KindAuthorization, operation, reason, message, nil)
}

func Conflict(operation, reason, message string) error {
	return New(KindConflict, operation, reason, message, nil)
}

func IO(operation, reason, message string, cause error) error {
	return New(KindIO, operation, reason, message, cause)
}

func ExternalService(operation, reason, message string, cause error) error {
	return New(KindExternalService, operation, reason, message, cause)
}

// KindOf reports the classification of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err, or its text when unclassified.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.message
	}
	return err.Error()
}

// CodeOf returns the code of err, or the empty string when unclassified.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
