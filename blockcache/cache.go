// Package blockcache implements the write-back, LRU-managed block cache of
// spec §4.B: a bounded associative buffer of fixed-size blocks in front of
// a storage backend, with concurrency-safe pinning via refcounts.
//
// The LRU order is a doubly linked list of slot indices rather than
// pointers (spec design note 9, "Reachability cycles": "model it as an
// indexed free list... this eliminates cyclic ownership without changing
// behavior"), the same indexed-slot-array approach the teacher's
// file_systems/common/blockcache package uses for its own bitmap-indexed
// block table.
package blockcache

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rv64os/storage/devreg"
	"github.com/rv64os/storage/errkind"
)

// Backend is the subset of the storage-interface vtable (spec §6) the
// cache needs to load and write back blocks. devreg.Backend satisfies it
// directly.
type Backend interface {
	Blksz() uint
	Fetch(pos uint64, buf []byte, n uint) (int, error)
	Store(pos uint64, buf []byte, n uint) (int, error)
}

var _ Backend = devreg.Backend(nil)

type slot struct {
	pos     uint64
	data    []byte
	valid   bool
	dirty   bool
	loading bool
	refcnt  int
	prev    int // LRU link; -1 if unlinked
	next    int
}

// Cache is a fixed-capacity, write-back LRU block cache.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	backend   Backend
	blockSize uint

	slots      []slot
	head, tail int // head = most-recently-used, tail = least-recently-used

	log *logrus.Entry
}

// New creates a Cache of the given slot capacity, backed by backend. The
// cache's block size is fixed to backend.Blksz() (spec §3, "fixed
// capacity C ... of fixed-size blocks (size = device sector size)").
func New(backend Backend, capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, errkind.InvalidArgument.WithMessagef("cache capacity must be positive, got %d", capacity)
	}

	slots := make([]slot, capacity)
	for i := range slots {
		slots[i].prev = -1
		slots[i].next = -1
	}

	c := &Cache{
		backend:   backend,
		blockSize: backend.Blksz(),
		slots:     slots,
		head:      -1,
		tail:      -1,
		log:       logrus.WithField("component", "blockcache"),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// BlockSize returns the fixed size of every cached block.
func (c *Cache) BlockSize() uint {
	return c.blockSize
}

// Capacity returns the number of slots in the cache.
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// Block is a handle to a cached block's buffer, returned by Get and
// consumed by Release. Callers must not retain Data after Release (spec
// §5, "Callers must not retain the buffer pointer after release").
type Block struct {
	Data []byte

	idx int
}

// Get locates or loads the block at pos, pinning it (refcnt+1) until the
// matching Release. pos must be a multiple of the block size.
func (c *Cache) Get(pos uint64) (*Block, error) {
	if pos%uint64(c.blockSize) != 0 {
		return nil, errkind.InvalidArgument.WithMessagef(
			"position %d is not a multiple of block size %d", pos, c.blockSize,
		)
	}

	c.mu.Lock()
	for {
		if idx := c.find(pos); idx >= 0 {
			s := &c.slots[idx]
			if s.loading {
				c.cond.Wait()
				continue
			}
			s.refcnt++
			c.moveToHead(idx)
			block := &Block{Data: s.data, idx: idx}
			c.mu.Unlock()
			return block, nil
		}

		idx := c.findFree()
		if idx < 0 {
			evicted, err := c.evictLocked()
			if err != nil {
				if errorIsBusy(err) {
					c.cond.Wait()
					continue
				}
				c.mu.Unlock()
				return nil, err
			}
			idx = evicted
		}

		s := &c.slots[idx]
		s.pos = pos
		s.loading = true
		s.refcnt = 1
		c.mu.Unlock()

		buf := make([]byte, c.blockSize)
		_, fetchErr := c.backend.Fetch(pos, buf, c.blockSize)

		c.mu.Lock()
		if fetchErr != nil {
			s.loading = false
			s.refcnt = 0
			s.pos = 0
			c.cond.Broadcast()
			c.mu.Unlock()
			return nil, errkind.IOError.Wrap(fetchErr)
		}

		s.data = buf
		s.valid = true
		s.loading = false
		c.linkHead(idx)
		c.cond.Broadcast()

		block := &Block{Data: s.data, idx: idx}
		c.mu.Unlock()
		return block, nil
	}
}

// Release returns a previously gotten block, optionally marking it dirty.
// dirty is set-only: passing false never clears a dirty flag set by an
// earlier Release (spec §4.B, "dirty is set-only; only write-back clears
// it").
func (c *Cache) Release(b *Block, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.slots[b.idx]
	if dirty {
		s.dirty = true
	}
	s.refcnt--
	c.cond.Broadcast()
}

// Flush writes back every dirty block and clears its dirty flag. Per-block
// failures are collected and returned as a single aggregate error; Flush
// still attempts every remaining slot after one fails (spec §7,
// "Best-effort flush translates per-block I/O failures into a single
// aggregate error").
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var aggregate *multierror.Error
	for i := range c.slots {
		s := &c.slots[i]
		if !s.valid || !s.dirty || s.loading {
			continue
		}
		for s.refcnt > 0 {
			c.cond.Wait()
		}
		if !s.valid || !s.dirty {
			// Raced with a concurrent flush/evict of this slot while we
			// were waiting; nothing left to do.
			continue
		}

		s.loading = true
		data := s.data
		pos := s.pos
		c.mu.Unlock()
		_, err := c.backend.Store(pos, data, c.blockSize)
		c.mu.Lock()

		s.loading = false
		if err != nil {
			c.log.WithError(err).WithField("pos", pos).Warn("flush: write-back failed")
			aggregate = multierror.Append(aggregate, errkind.IOError.Wrap(err))
		} else {
			s.dirty = false
		}
		c.cond.Broadcast()
	}

	if aggregate != nil {
		return aggregate.ErrorOrNil()
	}
	return nil
}

// find returns the index of the slot holding pos, whether valid or
// currently loading, or -1 if none (spec §3 invariant: at most one slot
// has a given pos while valid ∨ loading).
func (c *Cache) find(pos uint64) int {
	for i := range c.slots {
		s := &c.slots[i]
		if (s.valid || s.loading) && s.pos == pos {
			return i
		}
	}
	return -1
}

// findFree returns the index of a slot that holds nothing (not valid, not
// loading, not pinned), or -1 if none exists.
func (c *Cache) findFree() int {
	for i := range c.slots {
		s := &c.slots[i]
		if !s.valid && !s.loading && s.refcnt == 0 {
			return i
		}
	}
	return -1
}

// evictLocked must be called with c.mu held; it returns with c.mu held.
// It walks the LRU list from the tail, evicts the first unpinned valid
// block (writing it back first if dirty), and returns its slot index for
// immediate reuse.
func (c *Cache) evictLocked() (int, error) {
	idx := c.tail
	for idx != -1 {
		s := &c.slots[idx]
		if s.valid && s.refcnt == 0 && !s.loading {
			break
		}
		idx = s.prev
	}
	if idx == -1 {
		return -1, errkind.Busy.WithMessage("no evictable cache slot available")
	}

	s := &c.slots[idx]
	c.unlink(idx)
	s.loading = true
	dirty := s.dirty
	data := s.data
	pos := s.pos
	s.valid = false
	s.dirty = false
	s.data = nil
	s.pos = 0

	c.mu.Unlock()
	var ioErr error
	if dirty {
		_, ioErr = c.backend.Store(pos, data, c.blockSize)
	}
	c.mu.Lock()

	s.loading = false
	c.cond.Broadcast()
	if ioErr != nil {
		return -1, errkind.IOError.Wrap(ioErr)
	}
	return idx, nil
}

func errorIsBusy(err error) bool {
	return errors.Is(err, errkind.Busy)
}
