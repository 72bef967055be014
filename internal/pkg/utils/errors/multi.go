package errors

import (
	"fmt"
	"sync"
)

// MultiError collects errors, it is safe for concurrent use.
type MultiError interface {
	error
	Len() int
	Unwrap() []error
	WrappedErrors() []error
	ErrorOrNil() error
	Append(errs ...error)
	AppendNested(err error) NestedError
	AppendWithPrefix(err error, prefix string)
	AppendWithPrefixf(err error, format string, a ...any)
}

type multiErrorGetter interface {
	WrappedErrors() []error
}

type multiError struct {
	lock   *sync.Mutex
	errors []error
}

func NewMultiError() MultiError {
	return &multiError{lock: &sync.Mutex{}}
}

func (e *multiError) Error() string {
	return Format(e)
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errors)
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errors))
	copy(out, e.errors)
	return out
}

// ErrorOrNil returns nil if no error has been appended.
func (e *multiError) ErrorOrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err == nil {
			continue
		}
		// Flatten
		if v, ok := err.(multiErrorGetter); ok { // nolint: errorlint
			if _, nested := err.(nestedErrorGetter); !nested { // nolint: errorlint
				e.errors = append(e.errors, v.WrappedErrors()...)
				continue
			}
		}
		e.errors = append(e.errors, err)
	}
}

func (e *multiError) AppendNested(err error) NestedError {
	nested := NewNestedError(err)
	e.Append(nested)
	return nested
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	e.Append(PrefixError(err, prefix))
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	e.Append(PrefixError(err, fmt.Sprintf(format, a...)))
}
