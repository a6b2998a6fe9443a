package fs

import "github.com/rv64os/storage/errkind"

// geometry is the derived region layout computed from the superblock
// (spec §3, "derived region offsets"). All *Start fields are absolute
// block indices within the volume; dataAreaStart..blockCount is the data
// area, addressed from 0 within itself by every inode pointer.
type geometry struct {
	blockCount            uint32
	inodeBitmapStart      uint32
	inodeBitmapBlockCount uint32
	dataBitmapStart       uint32
	dataBitmapBlockCount  uint32
	inodeAreaStart        uint32
	inodeBlockCount       uint32
	dataAreaStart         uint32
	dataBlockCount        uint32

	totalInodes uint32

	rootDirectoryInode uint32
}

func newGeometry(sb RawSuperblock) (geometry, error) {
	if sb.BlockCount == 0 {
		return geometry{}, errkind.BadFormat.WithMessage("superblock block_count is zero")
	}

	const superblockStart = 1 // block 0 is the superblock itself

	g := geometry{
		blockCount:            sb.BlockCount,
		inodeBitmapStart:      superblockStart,
		inodeBitmapBlockCount: sb.InodeBitmapBlockCount,
		inodeBlockCount:       sb.InodeBlockCount,
		rootDirectoryInode:    uint32(sb.RootDirectoryInode),
	}
	g.dataBitmapStart = g.inodeBitmapStart + g.inodeBitmapBlockCount
	g.dataBitmapBlockCount = sb.DataBitmapBlockCount
	g.inodeAreaStart = g.dataBitmapStart + g.dataBitmapBlockCount
	g.dataAreaStart = g.inodeAreaStart + g.inodeBlockCount

	if g.dataAreaStart > g.blockCount {
		return geometry{}, errkind.BadFormat.WithMessagef(
			"superblock regions (data area starts at block %d) overflow block_count %d",
			g.dataAreaStart, g.blockCount,
		)
	}
	g.dataBlockCount = g.blockCount - g.dataAreaStart
	g.totalInodes = g.inodeBlockCount * InodesPerBlock

	return g, nil
}

// inodePosition returns the byte offset of inode number ino's block and
// its index within that block.
func (g geometry) inodePosition(ino uint32) (blockPos uint64, indexInBlock uint32) {
	block := g.inodeAreaStart + ino/InodesPerBlock
	return uint64(block) * BlockSize, ino % InodesPerBlock
}

// dataBlockPosition converts a data-area-relative block index into an
// absolute byte offset in the volume.
func (g geometry) dataBlockPosition(localIdx uint32) uint64 {
	return uint64(g.dataAreaStart+localIdx) * BlockSize
}
