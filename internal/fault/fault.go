// Package fault defines the error taxonomy shared by every lending component.
// Each domain error unwraps to exactly one kind, so edges can map kinds to
// transport status codes with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation")
	ErrAuthorization = errors.New("authorization")
	ErrLiquidity     = errors.New("liquidity")
	ErrHealth        = errors.New("health")
	ErrStaleData     = errors.New("stale data")
	ErrTransfer      = errors.New("transfer failure")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
)

// Error is a domain error tagged with its kind.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

// Kind returns the taxonomy sentinel the error belongs to.
func (e *Error) Kind() error { return e.kind }

func New(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Validation(msg string) *Error    { return New(ErrValidation, msg) }
func Authorization(msg string) *Error { return New(ErrAuthorization, msg) }
func Liquidity(msg string) *Error     { return New(ErrLiquidity, msg) }
func Health(msg string) *Error        { return New(ErrHealth, msg) }
func StaleData(msg string) *Error     { return New(ErrStaleData, msg) }
func Transfer(msg string) *Error      { return New(ErrTransfer, msg) }
func NotFound(msg string) *Error      { return New(ErrNotFound, msg) }
func Conflict(msg string) *Error      { return New(ErrConflict, msg) }

// Validationf builds an ad-hoc validation error.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Sprintf(format, args...))
}

// KindOf returns the taxonomy sentinel for err, or nil when err is untagged.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrAuthorization, ErrLiquidity, ErrHealth,
		ErrStaleData, ErrTransfer, ErrNotFound, ErrConflict,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Label is the metrics/log label for err's kind.
func Label(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrAuthorization:
		return "authorization"
	case ErrLiquidity:
		return "liquidity"
	case ErrHealth:
		return "health"
	case ErrStaleData:
		return "stale_data"
	case ErrTransfer:
		return "transfer"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	default:
		return "internal"
	}
}
