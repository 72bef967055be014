// Package errors contains the error taxonomy of the worker.
// Each error has a name, which is reported to the server together with the run result.
package errors

import (
	"context"
	"time"

	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type WithName interface {
	ErrorName() string
}

// UserError - the task function failed.
type UserError struct {
	err error
}

// CancelledError - the run token has been aborted, before or after the task function observed it.
type CancelledError struct {
	Kind    string
	Message string
}

// TimeoutError - a deadline-derived cancellation. It is reported as the CancelledError with a timeout cause.
type TimeoutError struct {
	Deadline string
	Timeout  time.Duration
}

// TransportError - a message could not be delivered to the server.
type TransportError struct {
	err error
}

// ConfigError - invalid configuration, it is returned synchronously at call time.
type ConfigError struct {
	err error
}

func NewUserError(err error) UserError {
	return UserError{err: err}
}

func NewCancelledError(kind, message string) CancelledError {
	return CancelledError{Kind: kind, Message: message}
}

func NewTimeoutError(deadline string, timeout time.Duration) TimeoutError {
	return TimeoutError{Deadline: deadline, Timeout: timeout}
}

func NewTransportError(err error) TransportError {
	return TransportError{err: err}
}

func NewConfigError(err error) ConfigError {
	return ConfigError{err: err}
}

func NewConfigErrorf(format string, a ...any) ConfigError {
	return ConfigError{err: errors.Errorf(format, a...)}
}

func (UserError) ErrorName() string {
	return "userError"
}

func (e UserError) Error() string {
	return e.err.Error()
}

func (e UserError) Unwrap() error {
	return e.err
}

func (CancelledError) ErrorName() string {
	return "cancelledError"
}

func (e CancelledError) Error() string {
	if e.Message == "" {
		return "run cancelled"
	}
	return "run cancelled: " + e.Message
}

func (TimeoutError) ErrorName() string {
	return "timeoutError"
}

func (e TimeoutError) Error() string {
	return e.Deadline + " timeout " + e.Timeout.String() + " exceeded"
}

// Unwrap returns the CancelledError, so errors.As matches both types.
func (e TimeoutError) Unwrap() error {
	return CancelledError{Kind: "timeout", Message: e.Error()}
}

func (TransportError) ErrorName() string {
	return "transportError"
}

func (e TransportError) Error() string {
	return e.err.Error()
}

func (e TransportError) Unwrap() error {
	return e.err
}

func (ConfigError) ErrorName() string {
	return "configError"
}

func (e ConfigError) Error() string {
	return e.err.Error()
}

func (e ConfigError) Unwrap() error {
	return e.err
}

// IsCancellation returns true for cancellation-flavored errors, including context cancellation.
func IsCancellation(err error) bool {
	var cancelledErr CancelledError
	return errors.As(err, &cancelledErr) || errors.Is(err, context.Canceled)
}

// StatusFrom maps an error returned by a task function to the terminal status of the run.
func StatusFrom(err error) transport.Status {
	switch {
	case err == nil:
		return transport.StatusSuccess
	case IsCancellation(err):
		return transport.StatusCancelled
	default:
		return transport.StatusFailure
	}
}

// NameFrom returns name of the first known error in the chain.
// A timeout is reported as the CancelledError, see CauseFrom.
func NameFrom(err error) string {
	if IsCancellation(err) {
		return CancelledError{}.ErrorName()
	}
	var named WithName
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	return UserError{}.ErrorName()
}

// CauseFrom returns the cancellation cause, for example "timeout:execution", or an empty string.
func CauseFrom(err error) string {
	var timeoutErr TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timeout:" + timeoutErr.Deadline
	}
	var cancelledErr CancelledError
	if errors.As(err, &cancelledErr) {
		return cancelledErr.Kind
	}
	return ""
}
