// Package errors is the only errors package used in the repository.
// It adds stack traces, multi errors and nested errors on top of the standard library.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

type StackTrace []uintptr

type stackTracer interface {
	StackTrace() StackTrace
}

// withStack adds a stack trace to an error from the standard library.
type withStack struct {
	error
	trace StackTrace
}

// wrappedError adds a message to an error, the original error is available by Unwrap.
type wrappedError struct {
	msg   string
	err   error
	trace StackTrace
}

func New(message string) error {
	return &withStack{error: errors.New(message), trace: callers()}
}

func Errorf(format string, a ...any) error {
	return &withStack{error: fmt.Errorf(format, a...), trace: callers()}
}

func Wrap(err error, message string) error {
	return &wrappedError{msg: message, err: err, trace: callers()}
}

func Wrapf(err error, format string, a ...any) error {
	return &wrappedError{msg: fmt.Sprintf(format, a...), err: err, trace: callers()}
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{error: err, trace: callers()}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func (e *withStack) Unwrap() error {
	return e.error
}

func (e *withStack) StackTrace() StackTrace {
	return e.trace
}

func (e *wrappedError) Error() string {
	return e.msg
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

func (e *wrappedError) StackTrace() StackTrace {
	return e.trace
}

func callers() StackTrace {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}
