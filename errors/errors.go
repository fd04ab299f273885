package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around system errno codes, with a customizable error
// message.
type DriverError interface {
	error
	Errno() Errno
	Unwrap() error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type driverError struct {
	errno         Errno
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e driverError) Errno() Errno {
	return e.errno
}

func (e driverError) Unwrap() error {
	return e.originalError
}

// Is makes every error derived from an errno match the bare sentinel for that
// errno, e.g. `errors.Is(err, ErrIOFailed)` holds for any EIO error.
func (e driverError) Is(target error) bool {
	other, ok := target.(driverError)
	return ok && other.originalError == nil && other.errno == e.errno
}

// WithMessage returns a new error with the same errno and `message` appended
// to this error's message.
func (e driverError) WithMessage(message string) DriverError {
	return driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

// Wrap returns a new error with the same errno whose cause is `err`. Both this
// error and `err` can be found with [errors.Is] and [errors.As].
func (e driverError) Wrap(err error) DriverError {
	return driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// New creates a new [DriverError] with a default message derived from the
// system's error code.
func New(errnoCode Errno) DriverError {
	return driverError{
		errno:   errnoCode,
		message: StrError(errnoCode),
	}
}

func NewFromError(errnoCode Errno, originalError error) DriverError {
	return driverError{
		errno:         errnoCode,
		message:       fmt.Sprintf("%s: %s", StrError(errnoCode), originalError.Error()),
		originalError: originalError,
	}
}

// NewWithMessage creates a new DriverError from a system error code with a
// custom message.
func NewWithMessage(errnoCode Errno, message string) DriverError {
	return New(errnoCode).WithMessage(message)
}

// CastToDriverError returns `err` as a [DriverError]. If nothing in its chain is
// one already, it's wrapped in a new error with the errno `fallback`.
func CastToDriverError(err error, fallback Errno) DriverError {
	if err == nil {
		return nil
	}
	var driverErr DriverError
	if stderrors.As(err, &driverErr) {
		return driverErr
	}
	return NewFromError(fallback, err)
}
