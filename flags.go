package lcloud

import (
	"fmt"
	"os"
	"strings"
)

// IOFlags controls how a file stream may be used. The values are the same as
// the corresponding flags in the [os] package.
type IOFlags int

const (
	O_RDONLY = IOFlags(os.O_RDONLY)
	O_WRONLY = IOFlags(os.O_WRONLY)
	O_RDWR   = IOFlags(os.O_RDWR)
	// O_APPEND moves the cursor to the end of the file before every write.
	O_APPEND = IOFlags(os.O_APPEND)
	// O_EXCL makes opening fail with EEXIST if the file already exists.
	O_EXCL = IOFlags(os.O_EXCL)
)

const accessModeMask = O_RDONLY | O_WRONLY | O_RDWR
const supportedFlags = accessModeMask | O_APPEND | O_EXCL

func (flags IOFlags) accessMode() IOFlags {
	return flags & accessModeMask
}

// Read returns true if the flags allow reading.
func (flags IOFlags) Read() bool {
	return flags.accessMode() != O_WRONLY
}

// Write returns true if the flags allow writing.
func (flags IOFlags) Write() bool {
	return flags.accessMode() != O_RDONLY
}

func (flags IOFlags) Append() bool {
	return flags&O_APPEND != 0
}

func (flags IOFlags) Exclusive() bool {
	return flags&O_EXCL != 0
}

// Validate returns an error if the flags contain bits that aren't supported
// or an invalid access mode.
func (flags IOFlags) Validate() error {
	if unknown := flags &^ supportedFlags; unknown != 0 {
		return fmt.Errorf("unsupported open flags: %#x", int(unknown))
	}
	if flags.accessMode() == accessModeMask {
		return fmt.Errorf("invalid access mode: %#x", int(flags.accessMode()))
	}
	return nil
}

func (flags IOFlags) String() string {
	var parts []string
	switch flags.accessMode() {
	case O_RDONLY:
		parts = append(parts, "O_RDONLY")
	case O_WRONLY:
		parts = append(parts, "O_WRONLY")
	case O_RDWR:
		parts = append(parts, "O_RDWR")
	default:
		parts = append(parts, fmt.Sprintf("ACCMODE(%d)", int(flags.accessMode())))
	}
	if flags.Append() {
		parts = append(parts, "O_APPEND")
	}
	if flags.Exclusive() {
		parts = append(parts, "O_EXCL")
	}
	return strings.Join(parts, "|")
}
