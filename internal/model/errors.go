package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can tell retryable from fatal conditions
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"   // Collaborator network/timeout/model failure
	KindValidation  ErrorKind = "validation"  // Malformed input or collaborator output
	KindPersistence ErrorKind = "persistence" // History read/write failure
)

var (
	ErrTransient   = errors.New("transient collaborator error")
	ErrValidation  = errors.New("validation error")
	ErrPersistence = errors.New("persistence error")
)

// Error is a classified error carrying the failing operation
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrPersistence:
		return e.Kind == KindPersistence
	}
	return false
}

// Transient wraps err as a retryable collaborator failure
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Validation wraps err as a non-retryable input failure
func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Persistence wraps err as a storage failure
func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
// Unclassified collaborator errors are treated as transient; validation,
// persistence and cancellation errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrPersistence) {
		return false
	}
	return true
}
