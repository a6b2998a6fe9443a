package fs

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rv64os/storage/blockcache"
	"github.com/rv64os/storage/errkind"
	"github.com/rv64os/storage/fs/mountreg"
	"github.com/rv64os/storage/handle"
)

// ControlOp identifies a filesystem control operation (spec §6).
type ControlOp int

const (
	OpGetEnd ControlOp = iota
	OpSetEnd
	OpGetPos
	OpSetPos
)

// fileSlot is one entry of the open-file table, indexed by inode number
// (spec §3, "open-file table indexed by inode number").
type fileSlot struct {
	inode       uint32
	dirent      RawDirent
	cachedInode RawInode
	opened      bool
	pos         uint64
	handle      *handle.Handle
}

// Filesystem is the single mounted volume (spec §4.C). One instance
// exists per process, registered with fs/mountreg under the mount name.
type Filesystem struct {
	mu sync.Mutex

	cache *blockcache.Cache
	sb    RawSuperblock
	geom  geometry

	rootInode RawInode
	openTable map[uint32]*fileSlot

	name string
	log  *logrus.Entry
}

// Mount reads the superblock and root directory off cache's backing
// device, pre-populates the open-file table by walking the root
// directory, and registers the resulting filesystem with mountreg under
// name (spec §4.C, "Mount").
func Mount(name string, cache *blockcache.Cache) (*Filesystem, error) {
	b, err := cache.Get(0)
	if err != nil {
		return nil, err
	}
	sbBuf := make([]byte, len(EncodeSuperblock(RawSuperblock{})))
	copy(sbBuf, b.Data[:len(sbBuf)])
	cache.Release(b, false)

	sb, err := DecodeSuperblock(sbBuf)
	if err != nil {
		return nil, err
	}
	geom, err := newGeometry(sb)
	if err != nil {
		return nil, err
	}

	f := &Filesystem{
		cache:     cache,
		sb:        sb,
		geom:      geom,
		openTable: make(map[uint32]*fileSlot),
		name:      name,
		log:       logrus.WithField("component", "fs").WithField("mount", name),
	}

	rootInode, err := f.readInode(geom.rootDirectoryInode)
	if err != nil {
		return nil, err
	}
	f.rootInode = rootInode

	if err := f.forEachRootEntry(func(loc direntLocation) (bool, error) {
		ino := uint32(loc.raw.Inode)
		f.openTable[ino] = &fileSlot{inode: ino, dirent: loc.raw}
		return false, nil
	}); err != nil {
		return nil, err
	}

	if err := mountreg.Register(name, f); err != nil {
		return nil, err
	}

	f.log.WithField("files", len(f.openTable)).Info("mount: ready")
	return f, nil
}

// Unmount flushes the cache and removes this filesystem from the mount
// registry.
func (fs *Filesystem) Unmount() error {
	err := fs.Flush()
	mountreg.Unregister(fs.name)
	return err
}

// ListRoot returns the filenames currently present in the root
// directory, used by callers wanting to enumerate directory entries
// (spec §8 scenario 1, "list-root").
func (fs *Filesystem) ListRoot() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	names := make([]string, 0, len(fs.openTable))
	for _, slot := range fs.openTable {
		names = append(names, direntName(slot.dirent.Name))
	}
	return names
}

// Flush forwards to the block cache's flush (spec §4.C, "Flush. Forward
// to the cache's flush").
func (fs *Filesystem) Flush() error {
	return fs.cache.Flush()
}

// Open looks a file up by name and hands out its I/O handle (spec §4.C,
// "Open").
func (fs *Filesystem) Open(name string) (*handle.Handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	slot := fs.findByNameLocked(name)
	if slot == nil {
		return nil, errkind.NotFound.WithMessagef("%q does not exist", name)
	}
	if slot.opened {
		return nil, errkind.Busy.WithMessagef("%q is already open", name)
	}

	in, err := fs.readInode(slot.inode)
	if err != nil {
		return nil, err
	}
	slot.cachedInode = in

	return fs.openLocked(slot), nil
}

// Create allocates a new inode, appends a directory entry for it to the
// root directory, and opens it, returning its I/O handle (spec §4.C,
// "Create").
func (fs *Filesystem) Create(name string) (*handle.Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.findByNameLocked(name) != nil {
		return nil, errkind.AlreadyExists.WithMessagef("%q already exists", name)
	}

	inodeNum, err := allocateBit(fs.cache, fs.inodeBitmapRegion(), errkind.NoFreeInode,
		func(g uint32) bool { return g == fs.geom.rootDirectoryInode })
	if err != nil {
		return nil, err
	}

	if err := fs.flushInode(inodeNum, RawInode{}); err != nil {
		_ = freeBit(fs.cache, fs.inodeBitmapRegion(), inodeNum)
		return nil, err
	}

	raw := RawDirent{Name: nameToDirent(name), Inode: uint16(inodeNum)}
	if _, err := fs.growAppend(&fs.rootInode, DirentSize, EncodeDirent(raw)); err != nil {
		_ = freeBit(fs.cache, fs.inodeBitmapRegion(), inodeNum)
		return nil, err
	}
	if err := fs.flushInode(fs.geom.rootDirectoryInode, fs.rootInode); err != nil {
		return nil, err
	}

	slot := &fileSlot{inode: inodeNum, dirent: raw}
	fs.openTable[inodeNum] = slot

	fs.log.WithField("name", name).Info("create")
	return fs.openLocked(slot), nil
}

// Delete removes name from the root directory, freeing its inode and
// every data block it owns (spec §4.C, "Delete"). The trailing
// directory entry is swapped into the deleted slot and the directory is
// truncated by one entry (this spec's resolution of the middle-deletion
// open issue, spec §9).
func (fs *Filesystem) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	slot := fs.findByNameLocked(name)
	if slot == nil {
		return errkind.NotFound.WithMessagef("%q does not exist", name)
	}
	if slot.opened {
		return errkind.Busy.WithMessagef("%q is open", name)
	}

	count := fs.rootInode.Size / DirentSize
	if count == 0 {
		return errkind.BadFormat.WithMessage("root directory is empty but a matching entry was located")
	}
	lastOffset := uint64(count-1) * DirentSize

	var targetOffset uint64
	found := false
	if err := fs.forEachRootEntry(func(loc direntLocation) (bool, error) {
		if uint32(loc.raw.Inode) == slot.inode {
			targetOffset = loc.offset
			found = true
			return true, nil
		}
		return false, nil
	}); err != nil {
		return err
	}
	if !found {
		return errkind.BadFormat.WithMessagef("no root directory entry for %q", name)
	}

	if targetOffset != lastOffset {
		lastBuf := make([]byte, DirentSize)
		if _, err := fs.readAt(&fs.rootInode, lastOffset, lastBuf); err != nil {
			return err
		}
		if _, err := fs.writeAt(&fs.rootInode, targetOffset, lastBuf); err != nil {
			return err
		}
	}

	oldBlocks := ceilBlocks(fs.rootInode.Size)
	fs.rootInode.Size -= DirentSize
	newBlocks := ceilBlocks(fs.rootInode.Size)
	if newBlocks < oldBlocks {
		if err := fs.freeBlockRange(&fs.rootInode, newBlocks, oldBlocks); err != nil {
			return err
		}
	}
	if err := fs.flushInode(fs.geom.rootDirectoryInode, fs.rootInode); err != nil {
		return err
	}

	in, err := fs.readInode(slot.inode)
	if err != nil {
		return err
	}
	if err := fs.freeBlockRange(&in, 0, ceilBlocks(in.Size)); err != nil {
		return err
	}
	if err := freeBit(fs.cache, fs.inodeBitmapRegion(), slot.inode); err != nil {
		return err
	}

	delete(fs.openTable, slot.inode)
	fs.log.WithField("name", name).Info("delete")
	return nil
}

// openLocked finalizes an open of slot (fs.mu must already be held) and
// builds the I/O handle dispatching to this slot.
func (fs *Filesystem) openLocked(slot *fileSlot) *handle.Handle {
	slot.opened = true
	slot.pos = 0

	h := handle.New(handle.VTable{
		Close: func() error { return fs.closeFile(slot) },
		Read:  func(buf []byte, n int) (int, error) { return fs.fileRead(slot, buf, n) },
		Write: func(buf []byte, n int) (int, error) { return fs.fileWrite(slot, buf, n) },
		Control: func(op int, arg interface{}) error {
			return fs.fileControl(slot, ControlOp(op), arg)
		},
	})
	slot.handle = h
	return h
}

func (fs *Filesystem) closeFile(slot *fileSlot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	slot.opened = false
	slot.pos = 0
	slot.handle = nil
	return nil
}

func (fs *Filesystem) findByNameLocked(name string) *fileSlot {
	for _, slot := range fs.openTable {
		if direntName(slot.dirent.Name) == name {
			return slot
		}
	}
	return nil
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > NameLen {
		return errkind.InvalidArgument.WithMessagef("filename length %d not in [1, %d]", len(name), NameLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return errkind.InvalidArgument.WithMessage("filename must not contain a NUL byte")
		}
	}
	return nil
}

func ceilBlocks(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

func (fs *Filesystem) readInode(inodeNum uint32) (RawInode, error) {
	pos, idx := fs.geom.inodePosition(inodeNum)
	b, err := fs.cache.Get(pos)
	if err != nil {
		return RawInode{}, err
	}
	raw, err := DecodeInode(b.Data[idx*InodeSize : idx*InodeSize+InodeSize])
	fs.cache.Release(b, false)
	return raw, err
}

func (fs *Filesystem) flushInode(inodeNum uint32, in RawInode) error {
	pos, idx := fs.geom.inodePosition(inodeNum)
	b, err := fs.cache.Get(pos)
	if err != nil {
		return err
	}
	copy(b.Data[idx*InodeSize:idx*InodeSize+InodeSize], EncodeInode(in))
	fs.cache.Release(b, true)
	return nil
}
