// Package errs classifies the typed failures every entry point can return.
package errs

import (
	"errors"
	"fmt"

	fpmath "PerpSettle/internal/math"
)

// Kind is the failure family of an error
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindCapacity
	KindMarket
	KindSolvency
	KindLifecycle
	KindAuthorization
	KindNotFound
	KindArithmetic
	KindInvalidInput
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCapacity:
		return "capacity"
	case KindMarket:
		return "market"
	case KindSolvency:
		return "solvency"
	case KindLifecycle:
		return "lifecycle"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindArithmetic:
		return "arithmetic"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a sentinel failure. Wrap it with fmt.Errorf("%w: ...") to add context.
type Error struct {
	Kind Kind
	Code string
}

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ae *fpmath.ArithmeticError
	if errors.As(err, &ae) {
		return KindArithmetic
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ae *fpmath.ArithmeticError
	if errors.As(err, &ae) {
		return "arithmetic_" + ae.Reason
	}
	return "internal"
}
