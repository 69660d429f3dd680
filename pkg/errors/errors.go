// Package errors holds the configuration and programmer errors surfaced while
// wiring a pipeline or negotiating a request. None of them are retried.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSpecConflict is returned when a node declares a key it may not
	// declare, or when a request asks for a key no node provides.
	ErrSpecConflict = errors.New("spec conflict")

	// ErrDimensionMismatch is returned when geometric operands differ in axis count.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvariantViolation is returned when a spec or ROI breaks one of its
	// construction invariants.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrUnsupportedKeyKind is returned for keys that are neither array nor graph keys.
	ErrUnsupportedKeyKind = errors.New("unsupported key kind")
)

func SpecConflict(format string, args ...any) error {
	return wrap(ErrSpecConflict, format, args...)
}

func DimensionMismatch(format string, args ...any) error {
	return wrap(ErrDimensionMismatch, format, args...)
}

func InvariantViolation(format string, args ...any) error {
	return wrap(ErrInvariantViolation, format, args...)
}

func UnsupportedKeyKind(format string, args ...any) error {
	return wrap(ErrUnsupportedKeyKind, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Categorized reports whether err carries one of the sentinels of this
// package.
func Categorized(err error) bool {
	for _, sentinel := range []error{ErrSpecConflict, ErrDimensionMismatch, ErrInvariantViolation, ErrUnsupportedKeyKind} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
