// POSIX-style error codes for the file layer. The syscall package doesn't
// define every value on every platform (EUCLEAN in particular), so we carry
// our own table.

package errors

import (
	"fmt"
)

type Errno int

var errorMessagesByCode map[Errno]string

const (
	EOK Errno = iota
	EPERM
	ENOENT
	EIO
	EBADF
	EBUSY
	EEXIST
	ENODEV
	EINVAL
	EMFILE
	ENOSPC
	ESPIPE
	ERANGE
	ENOSYS
	EALREADY
	EUCLEAN
)

// ErrIOFailed is returned when a device round-trip fails, either because the
// transport broke or because the device answered with a failure status.
var ErrIOFailed = New(EIO)

// ErrNoSpaceOnDevice is returned when the allocator has no device left that
// can accept another block.
var ErrNoSpaceOnDevice = New(ENOSPC)

// ErrAlreadyOpen is returned when opening a path that already has a live
// handle.
var ErrAlreadyOpen = New(EBUSY)

// ErrNotOpen is returned for handles that are unknown or already closed.
var ErrNotOpen = New(EBADF)

// ErrInvalidOffset is returned when seeking past the logical end of a file.
var ErrInvalidOffset = New(EINVAL)

var ErrNotPermitted = New(EPERM)
var ErrInvalidFileDescriptor = ErrNotOpen
var ErrExists = New(EEXIST)
var ErrNoDevice = New(ENODEV)
var ErrInvalidArgument = New(EINVAL)
var ErrTooManyOpenFiles = New(EMFILE)
var ErrResultOutOfRange = New(ERANGE)
var ErrFileSystemCorrupted = New(EUCLEAN)

func init() {
	errorMessagesByCode = make(map[Errno]string, 16)
	errorMessagesByCode[EOK] = "Success"
	errorMessagesByCode[EPERM] = "Operation not permitted"
	errorMessagesByCode[ENOENT] = "No such file or directory"
	errorMessagesByCode[EIO] = "Input/output error"
	errorMessagesByCode[EBADF] = "Bad file descriptor"
	errorMessagesByCode[EBUSY] = "Device or resource busy"
	errorMessagesByCode[EEXIST] = "File exists"
	errorMessagesByCode[ENODEV] = "No such device"
	errorMessagesByCode[EINVAL] = "Invalid argument"
	errorMessagesByCode[EMFILE] = "Too many open files"
	errorMessagesByCode[ENOSPC] = "No space left on device"
	errorMessagesByCode[ESPIPE] = "Illegal seek"
	errorMessagesByCode[ERANGE] = "Numerical result out of range"
	errorMessagesByCode[ENOSYS] = "Function not implemented"
	errorMessagesByCode[EALREADY] = "Operation already in progress"
	errorMessagesByCode[EUCLEAN] = "Structure needs cleaning"
}

func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}
