package model

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

// Failure kinds, in the order an invocation can hit them.
const (
	KindArgument   ErrorKind = "argument"
	KindConfig     ErrorKind = "config"
	KindInput      ErrorKind = "input"
	KindPreprocess ErrorKind = "preprocess"
	KindInference  ErrorKind = "inference"
	KindInternal   ErrorKind = "internal"
)

// Error carries the kind of a failure along with its cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with kind. A nil err yields nil.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an error of the given kind from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind attached to err, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
