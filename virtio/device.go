// Package virtio implements a VirtIO block-device driver: synchronous
// fetch/store of fixed-size sectors across a single virtqueue, per spec
// §4.A.
package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rv64os/storage/devreg"
	"github.com/rv64os/storage/errkind"
	"github.com/rv64os/storage/internal/ring"
)

const virtioSectorSize = 512 // the wire protocol always addresses in 512-byte units

const (
	reqTypeRead  uint32 = 0
	reqTypeWrite uint32 = 1
)

const (
	statusOK = 0
)

// maxQueueSize is the cap spec §4.A step 4 recommends ("the device's
// maximum, capped at 32").
const maxQueueSize = 32

// ControlOp identifies a Control operation (spec §6); it is the devreg
// vtable's op type, so a *Device satisfies devreg.Backend directly.
type ControlOp = devreg.ControlOp

const (
	// OpGetEnd writes capacity in bytes to the *uint64 arg.
	OpGetEnd ControlOp = iota
)

// Device is a VirtIO block-device driver instance. One Device per attached
// backend; initialization happens once via Attach.
type Device struct {
	mu   sync.Mutex
	cond *sync.Cond

	regs  Registers
	queue *ring.Queue

	// bounce holds the request header, up to bounceSectors sectors of data,
	// and the status byte, reused across requests since exactly one is ever
	// in flight (spec §5). Laid out header | data | status.
	bounce        *ring.PinnedArena
	headerOff     int
	dataOff       int
	statusOff     int
	bounceSectors uint // sectors the data region can hold in one chain

	name       string
	opened     bool
	capacity   uint64 // bytes
	sectorSize uint

	log *logrus.Entry
}

// Attach performs the initialization contract of spec §4.A: status
// handshake, feature negotiation, ring allocation, queue binding, capacity
// readout, registry registration, and the final driver-OK bit. On any
// failure before the final step, the device is left unregistered.
func Attach(name string, regs Registers) (*Device, error) {
	log := logrus.WithField("component", "virtio").WithField("device", name)

	regs.SetStatus(0)
	regs.SetStatus(StatusAcknowledge)
	regs.SetStatus(StatusAcknowledge | StatusDriver)

	offered := regs.DeviceFeatures()
	if offered&requiredFeatures != requiredFeatures {
		regs.SetStatus(StatusFailed)
		return nil, errkind.NotSupported.WithMessagef(
			"device %q does not offer required features %#x (offered %#x)",
			name, requiredFeatures, offered,
		)
	}
	accepted := requiredFeatures | (offered & optionalFeatures)
	regs.SetDriverFeatures(accepted)
	regs.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	if regs.Status()&StatusFeaturesOK == 0 {
		regs.SetStatus(StatusFailed)
		return nil, errkind.NotSupported.WithMessage("device rejected accepted feature set")
	}

	queueSize := regs.QueueMaxSize()
	if queueSize == 0 || queueSize > maxQueueSize {
		queueSize = maxQueueSize
	}
	// Round down to a power of two.
	queueSize = floorPow2(queueSize)

	queue, err := ring.New(uint16(queueSize))
	if err != nil {
		regs.SetStatus(StatusFailed)
		return nil, errors.Wrap(err, "allocate virtqueue")
	}

	sectorSize := uint(virtioSectorSize)
	if hint, ok := regs.LogicalBlockSize(); ok && hint != 0 {
		sectorSize = uint(hint)
	}

	// Bounce buffer for one in-flight request: 16-byte header,
	// maxBounceSectors sectors of data, 1-byte status.
	// maxBounceSectors bounds a single descriptor chain's data region; the
	// cache above only ever issues one-sector requests, so this is a
	// generous convenience cap for any other caller, not a protocol limit.
	const maxBounceSectors = 8
	headerSize := 16
	bounce, err := ring.NewPinnedArena(headerSize + int(sectorSize)*maxBounceSectors + 1)
	if err != nil {
		queue.Destroy()
		regs.SetStatus(StatusFailed)
		return nil, errors.Wrap(err, "allocate request bounce buffer")
	}

	desc, avail, used := queue.Addresses()
	base := queue.Arena().Addr()
	regs.SetQueueSel(0)
	regs.SetQueueNum(queueSize)
	regs.SetQueueDescAddr(base + uint64(desc))
	regs.SetQueueAvailAddr(base + uint64(avail))
	regs.SetQueueUsedAddr(base + uint64(used))
	regs.SetQueueReady(true)

	capacitySectors := regs.CapacitySectors()
	capacity := capacitySectors * virtioSectorSize

	d := &Device{
		regs:          regs,
		queue:         queue,
		bounce:        bounce,
		headerOff:     0,
		dataOff:       headerSize,
		statusOff:     headerSize + int(sectorSize)*maxBounceSectors,
		bounceSectors: maxBounceSectors,
		name:          name,
		capacity:      capacity,
		sectorSize:    sectorSize,
		log:           log,
	}
	d.cond = sync.NewCond(&d.mu)

	if err := devreg.Register(name, d); err != nil {
		queue.Destroy()
		bounce.Destroy()
		regs.SetStatus(StatusFailed)
		return nil, errors.Wrap(err, "register device")
	}

	d.opened = true
	regs.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)

	log.WithField("capacity_bytes", capacity).WithField("sector_size", sectorSize).
		Info("virtio block device attached")

	return d, nil
}

func floorPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// Open marks the device usable. It is idempotent.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

// Close marks the device closed. While closed, all I/O returns
// InvalidArgument (spec §4.A "Constraints and behavior").
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

// Blksz returns the logical sector size.
func (d *Device) Blksz() uint {
	return d.sectorSize
}

// Fetch reads n bytes from pos into buf, blocking until the device
// completes the request.
func (d *Device) Fetch(pos uint64, buf []byte, n uint) (int, error) {
	return d.doRequest(reqTypeRead, pos, buf, n)
}

// Store writes n bytes from buf to pos, blocking until the device
// completes the request.
func (d *Device) Store(pos uint64, buf []byte, n uint) (int, error) {
	return d.doRequest(reqTypeWrite, pos, buf, n)
}

// Control implements the required "get-end" operation.
func (d *Device) Control(op ControlOp, arg interface{}) error {
	switch op {
	case OpGetEnd:
		out, ok := arg.(*uint64)
		if !ok || out == nil {
			return errkind.InvalidArgument.WithMessage("get-end requires a *uint64 argument")
		}
		d.mu.Lock()
		*out = d.capacity
		d.mu.Unlock()
		return nil
	default:
		return errkind.InvalidArgument.WithMessagef("unrecognized control op %d", op)
	}
}

func (d *Device) doRequest(reqType uint32, pos uint64, buf []byte, n uint) (int, error) {
	if pos%uint64(d.sectorSize) != 0 || n%d.sectorSize != 0 {
		return 0, errkind.InvalidArgument.WithMessagef(
			"pos %d and length %d must be multiples of sector size %d", pos, n, d.sectorSize,
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return 0, errkind.InvalidArgument.WithMessage("device is closed")
	}

	if pos >= d.capacity {
		return 0, nil
	}
	if pos+uint64(n) > d.capacity {
		n = uint(d.capacity - pos)
	}
	if n == 0 {
		return 0, nil
	}

	if n/d.sectorSize > d.bounceSectors {
		return 0, errkind.InvalidArgument.WithMessagef(
			"request of %d bytes exceeds single-chain limit of %d bytes", n, d.bounceSectors*d.sectorSize,
		)
	}

	arena := d.bounce.Bytes()
	header := arena[d.headerOff : d.headerOff+16]
	data := arena[d.dataOff : d.dataOff+int(n)]
	status := arena[d.statusOff : d.statusOff+1]

	binary.LittleEndian.PutUint32(header[0:4], reqType)
	binary.LittleEndian.PutUint32(header[4:8], 0)
	binary.LittleEndian.PutUint64(header[8:16], pos/virtioSectorSize)
	status[0] = 0xFF // sentinel; the device must overwrite this

	if reqType == reqTypeWrite {
		copy(data, buf[:n])
	}

	base := d.bounce.Addr()
	dataFlags := uint16(0)
	if reqType == reqTypeRead {
		dataFlags = ring.FlagWrite
	}

	descs := []ring.Descriptor{
		{Addr: base + uint64(d.headerOff), Len: 16, Flags: 0},
		{Addr: base + uint64(d.dataOff), Len: uint32(n), Flags: dataFlags},
		{Addr: base + uint64(d.statusOff), Len: 1, Flags: ring.FlagWrite},
	}

	preRequestUsedIdx := d.queue.UsedIndex()
	d.queue.PushChain(descs)
	d.regs.NotifyQueue(0)

	for d.queue.UsedIndex() == preRequestUsedIdx {
		d.cond.Wait()
	}
	d.queue.PollCompletion()

	if status[0] != statusOK {
		return 0, errkind.IOError.WithMessagef("device returned status %d", status[0])
	}

	if reqType == reqTypeRead {
		copy(buf[:n], data)
	}

	return int(n), nil
}

// HandleInterrupt is the ISR entry point: it never blocks, and only
// touches the interrupt-ack register and the completion condition (spec
// §5, "The ISR never blocks and only touches the completion-index
// condition").
func (d *Device) HandleInterrupt() {
	pending := d.regs.InterruptStatus()
	d.regs.AckInterrupt(pending)

	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Name returns the name this device was registered under.
func (d *Device) Name() string {
	return d.name
}
