// Package handle implements the reference-counted polymorphic I/O handle
// of spec §4.D: a small record wrapping a backing object's close/read/
// write/control entry points. The filesystem's open files are the only
// backend in this module that hands out Handles; the vtable itself is
// backend-agnostic. This mirrors the vtable style of
// dargueta/disko's driver.NopObjectHandle: a fixed operation set behind an
// interface-shaped struct, with a no-op default for anything not wired up.
package handle

import (
	"sync"

	"github.com/rv64os/storage/errkind"
)

// VTable is the dispatch table a backing object supplies. Close, Read, and
// Write are required; Control may be nil, in which case every control
// call returns errkind.NotSupported (spec §4.D, "A control operation with
// no handler returns not-supported").
type VTable struct {
	Close   func() error
	Read    func(buf []byte, n int) (int, error)
	Write   func(buf []byte, n int) (int, error)
	Control func(op int, arg interface{}) error
}

// Handle is a reference-counted wrapper around a VTable. Every call that
// hands out a Handle (filesystem Open or Create) represents
// one reference; Close drops one, and the backing Close entry point fires
// only on the final drop (spec §4.D, "Ownership").
type Handle struct {
	mu     sync.Mutex
	refcnt int
	vt     VTable
}

// New wraps vt in a Handle with an initial reference count of 1,
// representing the reference returned to whoever calls New.
func New(vt VTable) *Handle {
	return &Handle{refcnt: 1, vt: vt}
}

// AddRef adds one reference without performing a backing open. The
// filesystem does not call it: Mount records directory entries only, and
// each Open/Create builds a fresh Handle with a count of 1.
func (h *Handle) AddRef() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refcnt++
}

// RefCount returns the current reference count, chiefly for tests.
func (h *Handle) RefCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refcnt
}

// Close drops one reference. When the count reaches zero, the backing
// Close entry point runs exactly once.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.refcnt--
	remaining := h.refcnt
	h.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if h.vt.Close == nil {
		return nil
	}
	return h.vt.Close()
}

// Read reads up to n bytes into buf. A negative n is a caller error.
func (h *Handle) Read(buf []byte, n int) (int, error) {
	if n < 0 {
		return 0, errkind.InvalidArgument.WithMessagef("negative read length %d", n)
	}
	return h.vt.Read(buf, n)
}

// Write writes up to n bytes from buf. A negative n is a caller error.
func (h *Handle) Write(buf []byte, n int) (int, error) {
	if n < 0 {
		return 0, errkind.InvalidArgument.WithMessagef("negative write length %d", n)
	}
	return h.vt.Write(buf, n)
}

// Control dispatches a control operation. If the backing object supplied
// no Control entry, this returns errkind.NotSupported.
func (h *Handle) Control(op int, arg interface{}) error {
	if h.vt.Control == nil {
		return errkind.NotSupported
	}
	return h.vt.Control(op, arg)
}
