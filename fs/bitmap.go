package fs

import (
	"github.com/boljen/go-bitmap"

	"github.com/rv64os/storage/blockcache"
)

// bitsPerBlock is the number of allocation bits one cache block holds.
const bitsPerBlock = BlockSize * 8

// bitmapRegion names a bitmap area (inode bitmap or data bitmap): where
// it starts in the volume, how many blocks it spans, and how many of its
// bits are meaningful (the inode bitmap may have trailing padding bits
// in its last block; same for the data bitmap).
type bitmapRegion struct {
	startBlock uint32
	blockCount uint32
	totalBits  uint32
}

// allocateBit performs the linear scan of spec §4.C's "allocator is a
// linear scan... for the first clear bit, which is atomically set":
// skip, when non-nil, lets the caller exclude reserved indices (the
// root-directory inode during inode allocation).
func allocateBit(cache *blockcache.Cache, region bitmapRegion, exhausted error, skip func(globalIdx uint32) bool) (uint32, error) {
	for blk := uint32(0); blk < region.blockCount; blk++ {
		pos := uint64(region.startBlock+blk) * BlockSize
		b, err := cache.Get(pos)
		if err != nil {
			return 0, err
		}

		limit := uint32(bitsPerBlock)
		if remaining := region.totalBits - blk*bitsPerBlock; remaining < limit {
			limit = remaining
		}

		bm := bitmap.Bitmap(b.Data)
		found := false
		var localIdx uint32
		for localIdx = 0; localIdx < limit; localIdx++ {
			global := blk*bitsPerBlock + localIdx
			if skip != nil && skip(global) {
				continue
			}
			if !bm.Get(int(localIdx)) {
				bm.Set(int(localIdx), true)
				found = true
				break
			}
		}

		if found {
			cache.Release(b, true)
			return blk*bitsPerBlock + localIdx, nil
		}
		cache.Release(b, false)
	}
	return 0, exhausted
}

// freeBit clears a previously allocated bit.
func freeBit(cache *blockcache.Cache, region bitmapRegion, globalIdx uint32) error {
	blk := globalIdx / bitsPerBlock
	local := globalIdx % bitsPerBlock
	pos := uint64(region.startBlock+blk) * BlockSize

	b, err := cache.Get(pos)
	if err != nil {
		return err
	}
	bm := bitmap.Bitmap(b.Data)
	bm.Set(int(local), false)
	cache.Release(b, true)
	return nil
}

// bitIsSet reports whether globalIdx is allocated in region, used by the
// invariant checks of Filesystem.Check (and so by cmd/fsck).
func bitIsSet(cache *blockcache.Cache, region bitmapRegion, globalIdx uint32) (bool, error) {
	blk := globalIdx / bitsPerBlock
	local := globalIdx % bitsPerBlock
	pos := uint64(region.startBlock+blk) * BlockSize

	b, err := cache.Get(pos)
	if err != nil {
		return false, err
	}
	bm := bitmap.Bitmap(b.Data)
	set := bm.Get(int(local))
	cache.Release(b, false)
	return set, nil
}
