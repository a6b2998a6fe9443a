// Package errkind defines the dense error-kind enumeration shared by the
// driver, cache, and filesystem layers (see spec §7).
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a sentinel error identifying one of the error categories a public
// operation in this module can return. Kind values are comparable with
// errors.Is because Kind implements Error() directly, the same pattern
// dargueta/disko uses for its DiskoError string type.
type Kind string

const (
	// InvalidArgument means the caller violated a precondition: a null
	// buffer, an unaligned offset, an unrecognized control op.
	InvalidArgument Kind = "invalid argument"
	// NotSupported means the operation is not applicable to this backend.
	NotSupported Kind = "not supported"
	// Busy means the resource is already in use: a double open, or no
	// evictable cache slot right now.
	Busy Kind = "resource busy"
	// NotFound means the named object does not exist.
	NotFound Kind = "not found"
	// AlreadyExists means the named object already exists.
	AlreadyExists Kind = "already exists"
	// OutOfMemory means an in-memory allocation could not be satisfied.
	OutOfMemory Kind = "out of memory"
	// IOError means the device or a short transfer failed.
	IOError Kind = "I/O error"
	// BadFormat means an on-disk structure violates a layout invariant.
	BadFormat Kind = "bad on-disk format"
	// NoFreeInode means the inode bitmap is exhausted.
	NoFreeInode Kind = "no free inode"
	// NoFreeDataBlock means the data bitmap is exhausted.
	NoFreeDataBlock Kind = "no free data block"
)

// Error implements the error interface so a bare Kind can be returned,
// compared with errors.Is, and wrapped with WithMessage/Wrap below.
func (k Kind) Error() string {
	return string(k)
}

// WithMessage annotates k with a caller-supplied message, preserving k as
// the root cause for errors.Is(err, k).
func (k Kind) WithMessage(message string) error {
	return errors.WithMessage(k, message)
}

// WithMessagef is WithMessage with fmt.Sprintf-style formatting.
func (k Kind) WithMessagef(format string, args ...interface{}) error {
	return errors.WithMessage(k, fmt.Sprintf(format, args...))
}

// Wrap annotates k with an underlying error, e.g. a device-level I/O
// failure surfacing as an errkind.IOError at the cache layer.
func (k Kind) Wrap(cause error) error {
	if cause == nil {
		return k
	}
	return errors.WithMessage(k, cause.Error())
}

// Is lets errors.Is(err, SomeKind) match both bare Kind values and ones
// wrapped with WithMessage/Wrap, by comparing against the same Kind.
func (k Kind) Is(target error) bool {
	other, ok := target.(Kind)
	return ok && other == k
}
