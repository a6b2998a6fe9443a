// Package devreg implements the device-registry collaborator of spec §6: a
// process-wide singleton mapping device names to the storage-interface
// vtable ({blksz, open, close, fetch, store, cntl}) the cache and
// filesystem layers depend on. Spec design note 9 ("Global state")
// calls for singletons with an explicit Init entry point rather than
// state scattered across compilation units.
package devreg

import (
	"sync"

	"github.com/rv64os/storage/errkind"
)

// ControlOp identifies a backend-specific control operation. Each backend
// package (virtio, and any future backend) defines its own named
// constants of this type.
type ControlOp int

// Backend is the storage-interface vtable of spec §6: "Each device
// exposes a storage-interface vtable with blksz, open, close, fetch,
// store, cntl; the cache and filesystem depend only on this vtable."
type Backend interface {
	Blksz() uint
	Open() error
	Close() error
	Fetch(pos uint64, buf []byte, n uint) (int, error)
	Store(pos uint64, buf []byte, n uint) (int, error)
	Control(op ControlOp, arg interface{}) error
}

var (
	mu       sync.Mutex
	backends map[string]Backend
)

// Init (re)initializes the registry to empty. Call once at kernel/process
// startup, or between independent test cases that each attach their own
// devices under the same name.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	backends = make(map[string]Backend)
}

func init() {
	Init()
}

// Register attaches backend under name. It fails if the name is already
// taken, mirroring the filesystem mount registry's "already exists" rule.
func Register(name string, backend Backend) error {
	mu.Lock()
	defer mu.Unlock()

	if backends == nil {
		backends = make(map[string]Backend)
	}
	if _, exists := backends[name]; exists {
		return errkind.AlreadyExists.WithMessagef("device %q is already registered", name)
	}
	backends[name] = backend
	return nil
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	mu.Lock()
	defer mu.Unlock()

	backend, ok := backends[name]
	if !ok {
		return nil, errkind.NotFound.WithMessagef("no device registered as %q", name)
	}
	return backend, nil
}

// Unregister removes name from the registry. It is not an error to
// unregister a name that was never registered.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(backends, name)
}
