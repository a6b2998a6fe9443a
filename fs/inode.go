package fs

import (
	"github.com/rv64os/storage/errkind"
)

// On-disk block pointers (inode.Direct/Indirect/DIndirect and the 4-byte
// entries inside indirection blocks) are stored one-based: 0 means
// "unallocated" and a nonzero value v addresses data-area-relative block
// v-1. This is what lets a freshly zero-filled indirection block double
// as "every entry unallocated" without a second bit of bookkeeping, and
// lets a direct pointer of 0 mean the same thing, since data-area block 0
// is itself a legitimate data block and must be distinguishable from "no
// block here".
func decodePointer(raw uint32) (localIdx uint32, ok bool) {
	if raw == 0 {
		return 0, false
	}
	return raw - 1, true
}

func encodePointer(localIdx uint32) uint32 {
	return localIdx + 1
}

// blockIndexFor resolves a contiguous in-file block index k to a
// data-area-relative block index, per spec §4.C "Inode addressing".
// ok is false for a hole that has never been allocated.
func (fs *Filesystem) blockIndexFor(in RawInode, k uint32) (localIdx uint32, ok bool, err error) {
	switch {
	case k < maxDirectBlocks:
		localIdx, ok = decodePointer(in.Direct[k])
		return localIdx, ok, nil

	case k < maxIndirectBlocks:
		spine, ok := decodePointer(in.Indirect)
		if !ok {
			return 0, false, nil
		}
		entry, err := fs.readSpineEntry(spine, k-maxDirectBlocks)
		if err != nil {
			return 0, false, err
		}
		idx, ok := decodePointer(entry)
		return idx, ok, nil

	case k < maxDoubleIndirectBlocks:
		rootSel, outer, inner := fs.doubleIndirectCoords(k)
		root, ok := decodePointer(in.DIndirect[rootSel])
		if !ok {
			return 0, false, nil
		}
		spineBlock, err := fs.readSpineEntry(root, outer)
		if err != nil {
			return 0, false, err
		}
		spineLocal, ok := decodePointer(spineBlock)
		if !ok {
			return 0, false, nil
		}
		entry, err := fs.readSpineEntry(spineLocal, inner)
		if err != nil {
			return 0, false, err
		}
		idx, ok := decodePointer(entry)
		return idx, ok, nil

	default:
		return 0, false, errkind.InvalidArgument.WithMessagef(
			"block index %d exceeds maximum addressable file size", k,
		)
	}
}

// doubleIndirectCoords splits an in-file block index in the
// double-indirect range into (which of the two dindirect roots, index
// into that root's spine block, index into the leaf indirection block).
func (fs *Filesystem) doubleIndirectCoords(k uint32) (rootSelector int, outer, inner uint32) {
	pos := k - maxIndirectBlocks
	span := uint32(PointersPerBlock) * PointersPerBlock
	root := pos / span
	pos = pos % span
	return int(root), pos / PointersPerBlock, pos % PointersPerBlock
}

// readSpineEntry reads one 4-byte index out of indirection block
// dataLocalIdx (a data-area-relative block index) at position entryIdx.
func (fs *Filesystem) readSpineEntry(dataLocalIdx uint32, entryIdx uint32) (uint32, error) {
	pos := fs.geom.dataBlockPosition(dataLocalIdx)
	b, err := fs.cache.Get(pos)
	if err != nil {
		return 0, err
	}
	v := leUint32(b.Data[entryIdx*4:])
	fs.cache.Release(b, false)
	return v, nil
}

// writeSpineEntry writes one 4-byte index into indirection block
// dataLocalIdx at position entryIdx.
func (fs *Filesystem) writeSpineEntry(dataLocalIdx uint32, entryIdx uint32, value uint32) error {
	pos := fs.geom.dataBlockPosition(dataLocalIdx)
	b, err := fs.cache.Get(pos)
	if err != nil {
		return err
	}
	putLeUint32(b.Data[entryIdx*4:], value)
	fs.cache.Release(b, true)
	return nil
}

// allocateDataBlock allocates a fresh data block from the data bitmap
// and zero-fills it, returning its data-area-relative index.
func (fs *Filesystem) allocateDataBlock() (uint32, error) {
	idx, err := allocateBit(fs.cache, fs.dataBitmapRegion(), errkind.NoFreeDataBlock, nil)
	if err != nil {
		return 0, err
	}
	pos := fs.geom.dataBlockPosition(idx)
	b, err := fs.cache.Get(pos)
	if err != nil {
		_ = freeBit(fs.cache, fs.dataBitmapRegion(), idx)
		return 0, err
	}
	for i := range b.Data {
		b.Data[i] = 0
	}
	fs.cache.Release(b, true)
	return idx, nil
}

// ensureBlockAllocated guarantees that in-file block k has a backing
// data block, allocating it (and any spine blocks required to reach it)
// on demand, per the appender's step 2. It mutates in in place.
func (fs *Filesystem) ensureBlockAllocated(in *RawInode, k uint32) (dataLocalIdx uint32, err error) {
	switch {
	case k < maxDirectBlocks:
		if idx, ok := decodePointer(in.Direct[k]); ok {
			return idx, nil
		}
		idx, err := fs.allocateDataBlock()
		if err != nil {
			return 0, err
		}
		in.Direct[k] = encodePointer(idx)
		return idx, nil

	case k < maxIndirectBlocks:
		spine, ok := decodePointer(in.Indirect)
		if !ok {
			spine, err = fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			in.Indirect = encodePointer(spine)
		}
		entryIdx := k - maxDirectBlocks
		existing, err := fs.readSpineEntry(spine, entryIdx)
		if err != nil {
			return 0, err
		}
		if idx, ok := decodePointer(existing); ok {
			return idx, nil
		}
		idx, err := fs.allocateDataBlock()
		if err != nil {
			return 0, err
		}
		if err := fs.writeSpineEntry(spine, entryIdx, encodePointer(idx)); err != nil {
			return 0, err
		}
		return idx, nil

	case k < maxDoubleIndirectBlocks:
		rootSel, outer, inner := fs.doubleIndirectCoords(k)
		root, ok := decodePointer(in.DIndirect[rootSel])
		if !ok {
			root, err = fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			in.DIndirect[rootSel] = encodePointer(root)
		}
		rawSpineBlock, err := fs.readSpineEntry(root, outer)
		if err != nil {
			return 0, err
		}
		spineBlock, ok := decodePointer(rawSpineBlock)
		if !ok {
			spineBlock, err = fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			if err := fs.writeSpineEntry(root, outer, encodePointer(spineBlock)); err != nil {
				return 0, err
			}
		}
		existing, err := fs.readSpineEntry(spineBlock, inner)
		if err != nil {
			return 0, err
		}
		if idx, ok := decodePointer(existing); ok {
			return idx, nil
		}
		idx, err := fs.allocateDataBlock()
		if err != nil {
			return 0, err
		}
		if err := fs.writeSpineEntry(spineBlock, inner, encodePointer(idx)); err != nil {
			return 0, err
		}
		return idx, nil

	default:
		return 0, errkind.InvalidArgument.WithMessagef(
			"block index %d exceeds maximum addressable file size", k,
		)
	}
}

func (fs *Filesystem) dataBitmapRegion() bitmapRegion {
	return bitmapRegion{
		startBlock: fs.geom.dataBitmapStart,
		blockCount: fs.geom.dataBitmapBlockCount,
		totalBits:  fs.geom.dataBlockCount,
	}
}

func (fs *Filesystem) inodeBitmapRegion() bitmapRegion {
	return bitmapRegion{
		startBlock: fs.geom.inodeBitmapStart,
		blockCount: fs.geom.inodeBitmapBlockCount,
		totalBits:  fs.geom.totalInodes,
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
