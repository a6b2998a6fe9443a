package fs

import "github.com/rv64os/storage/errkind"

// readAt reads up to len(buf) bytes from in starting at byte offset pos,
// clamped to in.Size, following the block loop of spec §4.C "Read". A
// hole (an in-file block index with no backing allocation) reads as
// zeros rather than erroring, since growAppend only ever advances size
// alongside allocation and the root directory's swap-and-truncate never
// leaves one.
func (fs *Filesystem) readAt(in *RawInode, pos uint64, buf []byte) (int, error) {
	if pos >= uint64(in.Size) {
		return 0, nil
	}
	length := len(buf)
	if remaining := uint64(in.Size) - pos; uint64(length) > remaining {
		length = int(remaining)
	}

	read := 0
	for read < length {
		k := uint32(pos / BlockSize)
		localIdx, ok, err := fs.blockIndexFor(*in, k)
		if err != nil {
			return read, err
		}

		offset := pos % BlockSize
		chunk := BlockSize - int(offset)
		if remaining := length - read; remaining < chunk {
			chunk = remaining
		}

		if ok {
			blockPos := fs.geom.dataBlockPosition(localIdx)
			b, err := fs.cache.Get(blockPos)
			if err != nil {
				return read, err
			}
			copy(buf[read:read+chunk], b.Data[offset:offset+uint64(chunk)])
			fs.cache.Release(b, false)
		} else {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		}

		read += chunk
		pos += uint64(chunk)
	}
	return read, nil
}

// writeAt overwrites existing, already-allocated bytes of in in place.
// Callers must ensure pos+len(buf) <= in.Size; growth past the current
// size goes through growAppend instead (spec §4.C, "Write").
func (fs *Filesystem) writeAt(in *RawInode, pos uint64, buf []byte) (int, error) {
	written := 0
	for written < len(buf) {
		k := uint32(pos / BlockSize)
		localIdx, ok, err := fs.blockIndexFor(*in, k)
		if err != nil {
			return written, err
		}
		if !ok {
			return written, errkind.BadFormat.WithMessagef("in-place write target block %d is unallocated", k)
		}

		offset := pos % BlockSize
		chunk := BlockSize - int(offset)
		if remaining := len(buf) - written; remaining < chunk {
			chunk = remaining
		}

		blockPos := fs.geom.dataBlockPosition(localIdx)
		b, err := fs.cache.Get(blockPos)
		if err != nil {
			return written, err
		}
		copy(b.Data[offset:offset+uint64(chunk)], buf[written:written+chunk])
		fs.cache.Release(b, true)

		written += chunk
		pos += uint64(chunk)
	}
	return written, nil
}

// growAppend is the shared appender of spec §4.C: it extends in by
// length bytes starting at in.Size, allocating data (and spine) blocks
// on demand. When src is non-nil, the new bytes are copied from it;
// otherwise the freshly zero-filled allocated blocks are left as-is,
// which is exactly "zero-fills for the set-end operation" since a block
// is never handed out by the allocator with stale contents.
func (fs *Filesystem) growAppend(in *RawInode, length int, src []byte) (int, error) {
	written := 0
	for written < length {
		pos := uint64(in.Size)
		k := uint32(pos / BlockSize)
		if k >= maxDoubleIndirectBlocks {
			return written, errkind.OutOfMemory.WithMessage("file has reached the maximum addressable size")
		}

		localIdx, err := fs.ensureBlockAllocated(in, k)
		if err != nil {
			return written, err
		}

		offset := pos % BlockSize
		chunk := BlockSize - int(offset)
		if remaining := length - written; remaining < chunk {
			chunk = remaining
		}

		blockPos := fs.geom.dataBlockPosition(localIdx)
		b, err := fs.cache.Get(blockPos)
		if err != nil {
			return written, err
		}
		if src != nil {
			copy(b.Data[offset:offset+uint64(chunk)], src[written:written+chunk])
		}
		fs.cache.Release(b, true)

		written += chunk
		in.Size = uint32(pos) + uint32(chunk)
	}
	return written, nil
}

// fileRead implements the per-file Read operation against slot's cursor
// (spec §4.C, "Read").
func (fs *Filesystem) fileRead(slot *fileSlot, buf []byte, n int) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if n < 0 {
		return 0, errkind.InvalidArgument.WithMessagef("negative read length %d", n)
	}
	length := n
	if length > len(buf) {
		length = len(buf)
	}

	read, err := fs.readAt(&slot.cachedInode, slot.pos, buf[:length])
	slot.pos += uint64(read)
	return read, err
}

// fileWrite implements the per-file Write operation: an in-place
// overwrite of existing bytes followed by the appender for anything
// past the current size (spec §4.C, "Write"). The in-core inode is
// flushed to disk as the final step, even on a partial-write error, so
// the on-disk size always agrees with the bytes actually written (spec
// §9, resolving the partial-write open issue).
func (fs *Filesystem) fileWrite(slot *fileSlot, buf []byte, n int) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if n < 0 {
		return 0, errkind.InvalidArgument.WithMessagef("negative write length %d", n)
	}
	length := n
	if length > len(buf) {
		length = len(buf)
	}

	total := 0
	if slot.pos < uint64(slot.cachedInode.Size) {
		inPlace := int(uint64(slot.cachedInode.Size) - slot.pos)
		if inPlace > length {
			inPlace = length
		}
		written, err := fs.writeAt(&slot.cachedInode, slot.pos, buf[:inPlace])
		total += written
		slot.pos += uint64(written)
		if err != nil {
			_ = fs.flushInode(slot.inode, slot.cachedInode)
			return total, err
		}
	}

	if remaining := length - total; remaining > 0 {
		grown, err := fs.growAppend(&slot.cachedInode, remaining, buf[total:total+remaining])
		total += grown
		slot.pos += uint64(grown)
		if err != nil {
			_ = fs.flushInode(slot.inode, slot.cachedInode)
			return total, err
		}
	}

	if err := fs.flushInode(slot.inode, slot.cachedInode); err != nil {
		return total, err
	}
	return total, nil
}

// fileControl implements the four control operations of spec §6.
func (fs *Filesystem) fileControl(slot *fileSlot, op ControlOp, arg interface{}) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch op {
	case OpGetEnd:
		out, ok := arg.(*uint64)
		if !ok {
			return errkind.InvalidArgument.WithMessage("get-end requires a *uint64 argument")
		}
		*out = uint64(slot.cachedInode.Size)
		return nil

	case OpSetEnd:
		in, ok := arg.(*uint64)
		if !ok {
			return errkind.InvalidArgument.WithMessage("set-end requires a *uint64 argument")
		}
		newSize := *in
		if newSize < uint64(slot.cachedInode.Size) {
			return errkind.InvalidArgument.WithMessage("set-end cannot shrink a file")
		}
		grow := newSize - uint64(slot.cachedInode.Size)
		if grow > 0 {
			if _, err := fs.growAppend(&slot.cachedInode, int(grow), nil); err != nil {
				_ = fs.flushInode(slot.inode, slot.cachedInode)
				return err
			}
		}
		return fs.flushInode(slot.inode, slot.cachedInode)

	case OpGetPos:
		out, ok := arg.(*uint64)
		if !ok {
			return errkind.InvalidArgument.WithMessage("get-pos requires a *uint64 argument")
		}
		*out = slot.pos
		return nil

	case OpSetPos:
		in, ok := arg.(*uint64)
		if !ok {
			return errkind.InvalidArgument.WithMessage("set-pos requires a *uint64 argument")
		}
		newPos := *in
		if newPos > uint64(slot.cachedInode.Size) {
			newPos = uint64(slot.cachedInode.Size)
		}
		slot.pos = newPos
		return nil

	default:
		return errkind.InvalidArgument.WithMessagef("unrecognized control op %d", op)
	}
}
