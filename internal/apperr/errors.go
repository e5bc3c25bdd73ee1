// Package apperr defines the error taxonomy surfaced by the order engine.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind names a class of failure. The string value is what clients see.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindLeadTimeViolation Kind = "lead_time_violation"
	KindProductNotFound   Kind = "product_not_found"
	KindInvalidStatus     Kind = "invalid_status"
	KindIllegalTransition Kind = "illegal_transition"
	KindAlreadyPaid       Kind = "already_paid"
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal"
)

// Sentinel errors, one per kind, for errors.Is checks.
var (
	ErrValidation        = errors.New("validation error")
	ErrLeadTimeViolation = errors.New("lead time violation")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyPaid       = errors.New("already paid")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInternal          = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindLeadTimeViolation: ErrLeadTimeViolation,
	KindProductNotFound:   ErrProductNotFound,
	KindInvalidStatus:     ErrInvalidStatus,
	KindIllegalTransition: ErrIllegalTransition,
	KindAlreadyPaid:       ErrAlreadyPaid,
	KindNotFound:          ErrNotFound,
	KindTimeout:           ErrTimeout,
	KindConflict:          ErrConflict,
	KindUnauthorized:      ErrUnauthorized,
	KindInternal:          ErrInternal,
}

// Error is a classified application error with optional structured context
// (e.g. the computed minimum pickup date for a lead-time violation).
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Context   map[string]interface{}
	Err       error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return sentinels[e.Kind].Error()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// WithContext adds additional context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == KindTimeout || kind == KindConflict,
	}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

// FromContext converts context deadline errors into a Timeout and returns nil
// for anything else.
func FromContext(err error, op string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "%s timed out", op)
	}
	return nil
}

// KindOf reports the kind of err, or KindInternal if err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may safely retry.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation, KindLeadTimeViolation, KindProductNotFound, KindInvalidStatus:
		return http.StatusBadRequest
	case KindIllegalTransition:
		if ae.Context["guard"] == "capability" {
			return http.StatusForbidden
		}
		return http.StatusConflict
	case KindAlreadyPaid, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
