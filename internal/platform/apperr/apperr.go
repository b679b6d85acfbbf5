// Package apperr defines the error kinds shared by every domain package and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound      Kind = "NotFoundException"
	KindAlreadyExists Kind = "AlreadyExistsException"
	KindBusinessLogic Kind = "BusinessLogicException"
	KindValidation    Kind = "ValidationException"
	KindConflict      Kind = "ConflictException"
	KindInternal      Kind = "InternalException"
)

// Error is the canonical typed error. Op names the operation that failed,
// e.g. "activity.approve".
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

func AlreadyExists(op, format string, args ...any) *Error {
	return newError(KindAlreadyExists, op, format, args...)
}

func BusinessLogic(op, format string, args ...any) *Error {
	return newError(KindBusinessLogic, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return newError(KindValidation, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return newError(KindConflict, op, format, args...)
}

// Wrap attaches a kind to an infrastructure error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the user-facing message of err without the op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Cause != nil {
			return e.Cause.Error()
		}
	}
	return err.Error()
}

var statusByKind = map[Kind]int{
	KindValidation:    http.StatusBadRequest,
	KindBusinessLogic: http.StatusBadRequest,
	KindNotFound:      http.StatusNotFound,
	KindAlreadyExists: http.StatusConflict,
	KindConflict:      http.StatusConflict,
}

// HTTPStatus maps an error onto the status code returned by the API.
func HTTPStatus(err error) int {
	if status, ok := statusByKind[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
