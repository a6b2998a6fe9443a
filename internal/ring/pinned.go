package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PinnedArena is a physically-backed, page-aligned memory region suitable
// for descriptor rings: the device reads and writes it directly, so it must
// never move and must never be touched by the Go garbage collector. Spec
// design note 9 ("Memory ownership of rings") calls for a dedicated
// allocator returning an owned, pinned buffer tied to the device's
// lifetime; mmap with MAP_ANONYMOUS|MAP_PRIVATE gives us exactly that,
// mirroring the mmap-backed arenas used elsewhere in the pack
// (mendersoftware/mender and tinyrange/cc both carry golang.org/x/sys for
// this class of low-level memory management).
type PinnedArena struct {
	buf []byte
}

// NewPinnedArena allocates size bytes of pinned memory. size is rounded up
// to a multiple of the system page size, since mmap only operates on whole
// pages.
func NewPinnedArena(size int) (*PinnedArena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pinned arena size must be positive, got %d", size)
	}

	pageSize := unix.Getpagesize()
	rounded := ((size + pageSize - 1) / pageSize) * pageSize

	buf, err := unix.Mmap(
		-1, 0, rounded,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap pinned arena of %d bytes: %w", rounded, err)
	}

	return &PinnedArena{buf: buf}, nil
}

// Bytes returns the whole arena as a slice. Callers must not retain
// sub-slices past a call to Destroy.
func (a *PinnedArena) Bytes() []byte {
	return a.buf
}

// Destroy unmaps the arena. The PinnedArena must not be used afterward.
func (a *PinnedArena) Destroy() error {
	if a.buf == nil {
		return nil
	}
	err := unix.Munmap(a.buf)
	a.buf = nil
	return err
}

// Addr returns the arena's base address. Because mmap'd memory is never
// moved by the Go garbage collector, this address is stable for the
// arena's lifetime and safe to hand to a device as a DMA target, the same
// guarantee tamago's dma.Reserve provides on bare metal.
func (a *PinnedArena) Addr() uint64 {
	if len(a.buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&a.buf[0])))
}

// AddrToSlice reinterprets a previously-pinned address as a byte slice.
// It exists so that a device-side test double (or, on real hardware, the
// device itself) can dereference descriptor addresses without holding a
// reference to the originating PinnedArena.
func AddrToSlice(addr uint64, length int) []byte {
	if addr == 0 || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
