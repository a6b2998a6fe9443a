// Package mountreg is the process-wide mount-point singleton of spec §9,
// "Global state": exactly one filesystem may be mounted at a time,
// mirroring devreg's structure for the device registry.
package mountreg

import (
	"sync"

	"github.com/rv64os/storage/errkind"
)

// Backend is the subset of *fs.Filesystem the registry needs to hold a
// reference to. Kept narrow to avoid an import cycle with package fs.
type Backend interface {
	Flush() error
}

var (
	mu      sync.Mutex
	name    string
	current Backend
)

func init() {
	Init()
}

// Init resets the registry to the unmounted state.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	name = ""
	current = nil
}

// Register mounts backend under name. Only one mount may exist at a
// time (spec §4.C, "Exactly one mount at a time is required").
func Register(mountName string, backend Backend) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return errkind.AlreadyExists.WithMessagef(
			"a filesystem is already mounted as %q; exactly one mount is supported", name,
		)
	}
	name = mountName
	current = backend
	return nil
}

// Unregister removes the current mount if its name matches mountName.
func Unregister(mountName string) {
	mu.Lock()
	defer mu.Unlock()
	if name == mountName {
		name = ""
		current = nil
	}
}

// Current returns the active mount, if any.
func Current() (Backend, string, bool) {
	mu.Lock()
	defer mu.Unlock()
	return current, name, current != nil
}
