package fs_test

import (
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/xaionaro-go/bytesextra"

	"github.com/rv64os/storage/fs"
)

// fakeBackend wraps a plain []byte as a blockcache.Backend via
// bytesextra's ReadWriteSeeker, the same "treat a byte slice as a
// seekable image" pattern the teacher's testing.LoadDiskImage uses for
// decompressed disk images.
type fakeBackend struct {
	mu  sync.Mutex
	rws io.ReadWriteSeeker
}

func newFakeBackend(totalBlocks int) *fakeBackend {
	data := make([]byte, totalBlocks*fs.BlockSize)
	return &fakeBackend{rws: bytesextra.NewReadWriteSeeker(data)}
}

func (f *fakeBackend) Blksz() uint { return fs.BlockSize }

func (f *fakeBackend) Fetch(pos uint64, buf []byte, n uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.rws.Seek(int64(pos), io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(f.rws, buf[:n])
}

func (f *fakeBackend) Store(pos uint64, buf []byte, n uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.rws.Seek(int64(pos), io.SeekStart); err != nil {
		return 0, err
	}
	return f.rws.Write(buf[:n])
}

// testGeometry is a small, fast-to-allocate geometry used by most tests:
// one inode-bitmap block and one data-bitmap block (each far larger than
// needed), 64 inode blocks (512 inodes), leaving the remainder of a
// 2048-block volume as data.
var testGeometry = fs.RawSuperblock{
	BlockCount:            2048,
	InodeBitmapBlockCount: 1,
	DataBitmapBlockCount:  1,
	InodeBlockCount:       64,
	RootDirectoryInode:    0,
}

// buildImage lays out a minimal valid volume in backend matching sb,
// with an empty root directory (inode 0, size 0), and marks inode 0
// allocated in the inode bitmap. It mirrors what an image-builder
// utility (cmd/mkfs) produces.
func buildImage(backend *fakeBackend, sb fs.RawSuperblock) {
	sbBuf := fs.EncodeSuperblock(sb)
	_, _ = backend.Store(0, sbBuf, uint(len(sbBuf)))

	inodeBitmapStart := uint64(1) * fs.BlockSize
	bitmapBlock := make([]byte, fs.BlockSize)
	bitmap.Bitmap(bitmapBlock).Set(int(sb.RootDirectoryInode), true)
	_, _ = backend.Store(inodeBitmapStart, bitmapBlock, fs.BlockSize)

	inodeAreaStart := uint64(1+sb.InodeBitmapBlockCount+sb.DataBitmapBlockCount) * fs.BlockSize
	rootBuf := fs.EncodeInode(fs.RawInode{Size: 0})
	_, _ = backend.Store(inodeAreaStart, rootBuf, uint(len(rootBuf)))
}
