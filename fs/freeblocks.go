package fs

// clearPointer zeroes whichever pointer slot (direct entry, or an entry
// inside an indirect/double-indirect spine block) currently addresses
// in-file block k.
func (fs *Filesystem) clearPointer(in *RawInode, k uint32) error {
	switch {
	case k < maxDirectBlocks:
		in.Direct[k] = 0
		return nil

	case k < maxIndirectBlocks:
		if idx, ok := decodePointer(in.Indirect); ok {
			return fs.writeSpineEntry(idx, k-maxDirectBlocks, 0)
		}
		return nil

	case k < maxDoubleIndirectBlocks:
		rootSel, outer, inner := fs.doubleIndirectCoords(k)
		rootIdx, ok := decodePointer(in.DIndirect[rootSel])
		if !ok {
			return nil
		}
		leafRaw, err := fs.readSpineEntry(rootIdx, outer)
		if err != nil {
			return err
		}
		leafIdx, ok := decodePointer(leafRaw)
		if !ok {
			return nil
		}
		return fs.writeSpineEntry(leafIdx, inner, 0)

	default:
		return nil
	}
}

// blockAllZero reports whether every byte of data-area-relative block
// dataLocalIdx is zero, used to decide whether a spine block has become
// entirely empty and can itself be freed.
func (fs *Filesystem) blockAllZero(dataLocalIdx uint32) (bool, error) {
	pos := fs.geom.dataBlockPosition(dataLocalIdx)
	b, err := fs.cache.Get(pos)
	if err != nil {
		return false, err
	}
	allZero := true
	for _, v := range b.Data {
		if v != 0 {
			allZero = false
			break
		}
	}
	fs.cache.Release(b, false)
	return allZero, nil
}

// freeEmptySpines frees the indirect and double-indirect spine blocks of
// in once every entry they hold has been cleared, per spec §4.C
// "Delete... free spine blocks... if the truncated file no longer needs
// them".
func (fs *Filesystem) freeEmptySpines(in *RawInode) error {
	if idx, ok := decodePointer(in.Indirect); ok {
		zero, err := fs.blockAllZero(idx)
		if err != nil {
			return err
		}
		if zero {
			if err := freeBit(fs.cache, fs.dataBitmapRegion(), idx); err != nil {
				return err
			}
			in.Indirect = 0
		}
	}

	for r := 0; r < len(in.DIndirect); r++ {
		rootIdx, ok := decodePointer(in.DIndirect[r])
		if !ok {
			continue
		}

		rootEmpty := true
		for outer := uint32(0); outer < PointersPerBlock; outer++ {
			leafRaw, err := fs.readSpineEntry(rootIdx, outer)
			if err != nil {
				return err
			}
			leafIdx, ok := decodePointer(leafRaw)
			if !ok {
				continue
			}
			zero, err := fs.blockAllZero(leafIdx)
			if err != nil {
				return err
			}
			if zero {
				if err := freeBit(fs.cache, fs.dataBitmapRegion(), leafIdx); err != nil {
					return err
				}
				if err := fs.writeSpineEntry(rootIdx, outer, 0); err != nil {
					return err
				}
			} else {
				rootEmpty = false
			}
		}

		if rootEmpty {
			if err := freeBit(fs.cache, fs.dataBitmapRegion(), rootIdx); err != nil {
				return err
			}
			in.DIndirect[r] = 0
		}
	}

	return nil
}

// freeBlockRange frees every data block backing in-file blocks
// [fromK, toK), clears their pointers, and cleans up any spine blocks
// left entirely empty (spec §4.C, "Delete").
func (fs *Filesystem) freeBlockRange(in *RawInode, fromK, toK uint32) error {
	for k := fromK; k < toK; k++ {
		localIdx, ok, err := fs.blockIndexFor(*in, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := freeBit(fs.cache, fs.dataBitmapRegion(), localIdx); err != nil {
			return err
		}
		if err := fs.clearPointer(in, k); err != nil {
			return err
		}
	}
	return fs.freeEmptySpines(in)
}
