// Package fs implements the fixed-layout indexed filesystem of spec §4.C:
// a single mounted volume with a superblock, two allocation bitmaps, a
// packed inode area, and a flat root directory, all addressed through a
// blockcache.Cache. The on-disk structures follow dargueta/disko's
// file_systems/unixv1 style of fixed-width raw structs moved to and from
// disk with encoding/binary, rather than hand-rolled byte shifting.
package fs

import (
	"bytes"
	"encoding/binary"

	"github.com/rv64os/storage/errkind"
)

// BlockSize is the fixed block size shared by the cache, the device, and
// every on-disk structure (spec §6, "Block size: 512 bytes").
const BlockSize = 512

// NDirect is the number of direct block pointers an inode carries. Sized
// so that RawInode is exactly 64 bytes: 4 (size) + 12*4 (direct) + 4
// (indirect) + 2*4 (double-indirect) = 64.
const NDirect = 12

// InodeSize is the fixed on-disk size of one inode record (spec §6).
const InodeSize = 64

// DirentSize is the fixed on-disk size of one directory entry (spec §6).
const DirentSize = 32

// NameLen is the number of bytes available for a NUL-padded filename
// inside a directory entry (DirentSize minus the trailing u16 inode
// index).
const NameLen = DirentSize - 2

// PointersPerBlock is IPB from spec §4.C: the number of 4-byte block
// indices that fit in one indirection block.
const PointersPerBlock = BlockSize / 4

// InodesPerBlock is the number of fixed-size inode records packed into
// one block of the inode area.
const InodesPerBlock = BlockSize / InodeSize

// maxDirectBlocks, maxIndirectBlocks and maxDoubleIndirectBlocks are the
// addressing-capacity thresholds used by blockIndexFor (spec §4.C, "Inode
// addressing").
const (
	maxDirectBlocks         = NDirect
	maxIndirectBlocks       = maxDirectBlocks + PointersPerBlock
	maxDoubleIndirectBlocks = maxIndirectBlocks + 2*PointersPerBlock*PointersPerBlock
)

// RawSuperblock is the on-disk layout of block 0 (spec §6).
type RawSuperblock struct {
	BlockCount            uint32
	InodeBitmapBlockCount uint32
	DataBitmapBlockCount  uint32
	InodeBlockCount       uint32
	RootDirectoryInode    uint16
	Reserved              [3]uint16
}

// RawInode is the fixed 64-byte on-disk inode record (spec §6): size
// followed by direct pointers, one indirect pointer, and two
// double-indirect pointers, all data-area-relative block indices stored
// one-based (0 means unallocated; see decodePointer).
type RawInode struct {
	Size      uint32
	Direct    [NDirect]uint32
	Indirect  uint32
	DIndirect [2]uint32
}

// RawDirent is the fixed 32-byte on-disk directory entry (spec §6): a
// NUL-padded filename followed by a u16 inode index.
type RawDirent struct {
	Name  [NameLen]byte
	Inode uint16
}

func DecodeSuperblock(buf []byte) (RawSuperblock, error) {
	var sb RawSuperblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return RawSuperblock{}, errkind.BadFormat.Wrap(err)
	}
	return sb, nil
}

func EncodeSuperblock(sb RawSuperblock) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, sb)
	return out.Bytes()
}

func DecodeInode(buf []byte) (RawInode, error) {
	var in RawInode
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &in); err != nil {
		return RawInode{}, errkind.BadFormat.Wrap(err)
	}
	return in, nil
}

func EncodeInode(in RawInode) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, in)
	return out.Bytes()
}

func DecodeDirent(buf []byte) (RawDirent, error) {
	var d RawDirent
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &d); err != nil {
		return RawDirent{}, errkind.BadFormat.Wrap(err)
	}
	return d, nil
}

func EncodeDirent(d RawDirent) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, d)
	return out.Bytes()
}

// direntName extracts the NUL-terminated filename from a raw directory
// entry's name field.
func direntName(raw [NameLen]byte) string {
	n := bytes.IndexByte(raw[:], 0)
	if n < 0 {
		n = len(raw)
	}
	return string(raw[:n])
}

// nameToDirent encodes name into a NUL-padded fixed-width name field. The
// caller must have already validated len(name) <= NameLen; a name of
// exactly NameLen bytes is stored without a terminating NUL.
func nameToDirent(name string) [NameLen]byte {
	var out [NameLen]byte
	copy(out[:], name)
	return out
}
