package ir

import (
	"errors"
	"fmt"
)

var (
	// ErrParseSkipped marks a file whose tree was missing or malformed.
	// The file is excluded and analysis continues.
	ErrParseSkipped = errors.New("parse skipped")

	// ErrConfigInvalid marks a malformed configuration or sink definition.
	// It is fatal before analysis starts.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrTraversalTimeout marks a root whose traversal ran out of time.
	// Findings already confirmed for the root are kept.
	ErrTraversalTimeout = errors.New("traversal timeout")

	// ErrInvariant is returned when an internal invariant is broken.
	// It is never swallowed.
	ErrInvariant = errors.New("internal invariant violation")
)

// InvariantError carries the detail of an invariant violation.
type InvariantError struct {
	What  string
	Value any
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", ErrInvariant, e.What, e.Value)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Invariantf builds an InvariantError.
func Invariantf(value any, format string, args ...any) error {
	return &InvariantError{What: fmt.Sprintf(format, args...), Value: value}
}

// CheckConfidence returns an InvariantError when c is outside [0,1] or NaN.
func CheckConfidence(c float64, where string) error {
	if c != c || c < 0 || c > 1 {
		return Invariantf(c, "confidence out of range at %s", where)
	}
	return nil
}
