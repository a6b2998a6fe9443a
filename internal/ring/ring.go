// Package ring implements the VirtIO split-virtqueue wire layout: a
// descriptor table, an availability ring, and a completion ("used") ring,
// laid out in one physically contiguous region per spec §6 ("Wire protocol
// (block device)"). It mirrors the guest-driver side of the protocol shown
// in the pack's tamago virtio queue implementation, generalized to a
// driver that issues one descriptor chain at a time rather than a
// device-side emulator.
package ring

import (
	"encoding/binary"
)

// Descriptor flag bits, per the VirtIO 1.x specification.
const (
	FlagNext     uint16 = 1
	FlagWrite    uint16 = 2
	FlagIndirect uint16 = 4
)

const descriptorSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func getDescriptor(b []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// usedElemSize is the size in bytes of one "used ring" element: {id, len},
// both u32.
const usedElemSize = 8

// Queue is a split virtqueue of size Size (always a power of two). The
// descriptor table, avail ring, and used ring all live inside one
// PinnedArena, laid out descriptor-table-then-avail-then-used, with the
// used ring aligned to 4 bytes as the VirtIO spec requires.
type Queue struct {
	Size uint16

	arena *PinnedArena

	descTable []byte // Size * descriptorSize bytes
	availBuf  []byte // 4 + Size*2 + 2 bytes
	usedBuf   []byte // 4 + Size*usedElemSize + 2 bytes

	descTableAddr uintptr
	availAddr     uintptr
	usedAddr      uintptr

	lastUsedIdx uint16
	freeHead    uint16 // next free descriptor for chain allocation
}

// New allocates a queue of the given size (must be a power of two) backed
// by a freshly pinned arena. This package only manipulates offsets within
// the arena, so callers add the arena's base address (Arena().Addr())
// before programming device registers.
func New(size uint16) (*Queue, error) {
	descBytes := int(size) * descriptorSize
	availBytes := 4 + int(size)*2 + 2
	// Used ring must start 4-byte aligned relative to the arena.
	usedOffset := descBytes + availBytes
	if rem := usedOffset % 4; rem != 0 {
		usedOffset += 4 - rem
	}
	usedBytes := 4 + int(size)*usedElemSize + 2
	total := usedOffset + usedBytes

	arena, err := NewPinnedArena(total)
	if err != nil {
		return nil, err
	}

	buf := arena.Bytes()
	q := &Queue{
		Size:      size,
		arena:     arena,
		descTable: buf[0:descBytes],
		availBuf:  buf[descBytes : descBytes+availBytes],
		usedBuf:   buf[usedOffset : usedOffset+usedBytes],
	}
	return q, nil
}

// Destroy releases the queue's backing memory.
func (q *Queue) Destroy() error {
	return q.arena.Destroy()
}

// Addresses returns the offsets (within the arena) of the descriptor
// table, avail ring, and used ring, for programming the device's queue
// registers.
func (q *Queue) Addresses() (desc, avail, used int) {
	avail = len(q.descTable)
	used = avail + len(q.availBuf)
	if rem := used % 4; rem != 0 {
		used += 4 - rem
	}
	return 0, avail, used
}

// Arena exposes the queue's backing pinned memory, so a driver can derive
// a base address to add to the offsets Addresses returns.
func (q *Queue) Arena() *PinnedArena {
	return q.arena
}

func (q *Queue) setDescriptor(idx uint16, d Descriptor) {
	d.put(q.descTable[int(idx)*descriptorSize : (int(idx)+1)*descriptorSize])
}

func (q *Queue) availIndex() uint16 {
	return binary.LittleEndian.Uint16(q.availBuf[2:4])
}

func (q *Queue) setAvailIndex(idx uint16) {
	binary.LittleEndian.PutUint16(q.availBuf[2:4], idx)
}

func (q *Queue) setAvailRing(slot, descHead uint16) {
	off := 4 + int(slot)*2
	binary.LittleEndian.PutUint16(q.availBuf[off:off+2], descHead)
}

// UsedIndex returns the device's current used-ring index.
func (q *Queue) UsedIndex() uint16 {
	return binary.LittleEndian.Uint16(q.usedBuf[2:4])
}

func (q *Queue) usedElem(slot uint16) (id uint32, length uint32) {
	off := 4 + int(slot)*usedElemSize
	return binary.LittleEndian.Uint32(q.usedBuf[off : off+4]),
		binary.LittleEndian.Uint32(q.usedBuf[off+4 : off+8])
}

// PushChain writes descs as a linked chain starting at freeHead (wrapping
// the NEXT flag on every entry but the last, per spec §4.A "Request
// protocol"), publishes the head index on the avail ring, and advances the
// avail index. It returns the head descriptor index, which the caller
// passes to queue-notify. Since exactly one request is ever in flight per
// device (spec §5), reusing the same len(descs) head slots on every call
// is safe: the previous chain's descriptors are guaranteed retired by the
// time the device lock is re-acquired for the next request.
func (q *Queue) PushChain(descs []Descriptor) uint16 {
	head := q.freeHead
	for i, d := range descs {
		idx := (q.freeHead + uint16(i)) % q.Size
		if i < len(descs)-1 {
			d.Flags |= FlagNext
			d.Next = (q.freeHead + uint16(i+1)) % q.Size
		}
		q.setDescriptor(idx, d)
	}
	q.freeHead = (q.freeHead + uint16(len(descs))) % q.Size

	avail := q.availIndex()
	q.setAvailRing(avail%q.Size, head)
	// Memory fence: the descriptor writes above must be visible before the
	// avail index publish below (spec §4.A step 3, "writes memory fences
	// between the descriptor writes and the availability-ring append").
	fence()
	q.setAvailIndex(avail + 1)
	fence()

	return head
}

// PollCompletion reports whether the used ring has advanced past
// lastUsedIdx, meaning the most recently pushed chain has been serviced.
// If so it returns the used element's descriptor head and length and
// consumes the entry by advancing lastUsedIdx.
func (q *Queue) PollCompletion() (descHead uint32, length uint32, ok bool) {
	used := q.UsedIndex()
	if used == q.lastUsedIdx {
		return 0, 0, false
	}
	id, l := q.usedElem(q.lastUsedIdx % q.Size)
	q.lastUsedIdx++
	return id, l, true
}

// Descriptor returns the descriptor at idx, used by tests and by status
// inspection after a completion.
func (q *Queue) Descriptor(idx uint16) Descriptor {
	return getDescriptor(q.descTable[int(idx)*descriptorSize : (int(idx)+1)*descriptorSize])
}

// PeekAvail returns the oldest descriptor head published by the driver's
// PushChain at or after lastSeenAvailIdx, for use by a device-side implementation (real
// hardware, or a test double). lastSeenAvailIdx should start at 0 and be
// updated to the returned index on every call so each published chain is
// only reported once.
func (q *Queue) PeekAvail(lastSeenAvailIdx uint16) (head uint16, newIdx uint16, ok bool) {
	avail := q.availIndex()
	if avail == lastSeenAvailIdx {
		return 0, lastSeenAvailIdx, false
	}
	off := 4 + int(lastSeenAvailIdx%q.Size)*2
	head = binary.LittleEndian.Uint16(q.availBuf[off : off+2])
	return head, lastSeenAvailIdx + 1, true
}

// CompleteHead publishes a used-ring entry for descHead and advances the
// used index, the device-side half of the protocol a test double plays.
func (q *Queue) CompleteHead(descHead uint16, totalLen uint32) {
	used := q.UsedIndex()
	off := 4 + int(used%q.Size)*usedElemSize
	binary.LittleEndian.PutUint32(q.usedBuf[off:off+4], uint32(descHead))
	binary.LittleEndian.PutUint32(q.usedBuf[off+4:off+8], totalLen)
	fence()
	binary.LittleEndian.PutUint16(q.usedBuf[2:4], used+1)
}
