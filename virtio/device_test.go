package virtio_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64os/storage/devreg"
	"github.com/rv64os/storage/internal/ring"
	"github.com/rv64os/storage/virtio"
)

// fakeRegisters is a device-side test double: it plays the virtio-blk
// device end of the protocol against an in-memory backing store, so the
// driver can be exercised without real MMIO hardware.
type fakeRegisters struct {
	mu sync.Mutex

	status          uint32
	deviceFeatures  uint64
	driverFeatures  uint64
	capacitySectors uint64
	blockSize       uint32
	haveBlockSize   bool
	queueMaxSize    uint32

	descAddr, availAddr, usedAddr uint64
	queueSize                     uint32
	lastAvailIdx                  uint16

	interruptStatus uint32
	ackedInterrupt  uint32

	backing []byte // raw sector data

	dev *virtio.Device
}

func newFakeRegisters(totalSectors int) *fakeRegisters {
	return &fakeRegisters{
		deviceFeatures:  virtio.FeatureRingIndirectDesc | virtio.FeatureRingReset,
		capacitySectors: uint64(totalSectors),
		queueMaxSize:    16,
		backing:         make([]byte, totalSectors*512),
	}
}

func (f *fakeRegisters) Status() uint32        { return f.status }
func (f *fakeRegisters) SetStatus(s uint32)    { f.status = s }
func (f *fakeRegisters) DeviceFeatures() uint64 { return f.deviceFeatures }
func (f *fakeRegisters) SetDriverFeatures(bits uint64) { f.driverFeatures = bits }
func (f *fakeRegisters) CapacitySectors() uint64 { return f.capacitySectors }
func (f *fakeRegisters) LogicalBlockSize() (uint32, bool) { return f.blockSize, f.haveBlockSize }
func (f *fakeRegisters) QueueMaxSize() uint32  { return f.queueMaxSize }
func (f *fakeRegisters) SetQueueSel(uint32)    {}
func (f *fakeRegisters) SetQueueNum(n uint32)  { f.queueSize = n }
func (f *fakeRegisters) SetQueueDescAddr(a uint64)  { f.descAddr = a }
func (f *fakeRegisters) SetQueueAvailAddr(a uint64) { f.availAddr = a }
func (f *fakeRegisters) SetQueueUsedAddr(a uint64)  { f.usedAddr = a }
func (f *fakeRegisters) SetQueueReady(bool)         {}
func (f *fakeRegisters) InterruptStatus() uint32    { return f.interruptStatus }
func (f *fakeRegisters) AckInterrupt(bits uint32)   { f.ackedInterrupt = bits }

// NotifyQueue processes the just-published descriptor chain synchronously
// on a separate goroutine so the driver, which calls NotifyQueue while
// holding its device lock, can proceed to wait on the completion
// condition without deadlocking against the interrupt callback.
func (f *fakeRegisters) NotifyQueue(uint32) {
	go f.process()
}

func (f *fakeRegisters) process() {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := 4 + int(f.lastAvailIdx%uint16(f.queueSize))*2
	availRing := ring.AddrToSlice(f.availAddr, 4+int(f.queueSize)*2+2)
	head := binary.LittleEndian.Uint16(availRing[off : off+2])
	f.lastAvailIdx++

	descs := ring.AddrToSlice(f.descAddr, int(f.queueSize)*16)
	readDesc := func(idx uint16) (addr uint64, length uint32, flags uint16, next uint16) {
		b := descs[int(idx)*16 : int(idx)*16+16]
		return binary.LittleEndian.Uint64(b[0:8]),
			binary.LittleEndian.Uint32(b[8:12]),
			binary.LittleEndian.Uint16(b[12:14]),
			binary.LittleEndian.Uint16(b[14:16])
	}

	headerAddr, _, _, next := readDesc(head)
	header := ring.AddrToSlice(headerAddr, 16)
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	dataAddr, dataLen, dataFlags, next2 := readDesc(next)
	data := ring.AddrToSlice(dataAddr, int(dataLen))

	statusAddr, _, _, _ := readDesc(next2)
	status := ring.AddrToSlice(statusAddr, 1)

	offset := sector * 512
	if reqType == 0 { // read
		copy(data, f.backing[offset:offset+uint64(dataLen)])
	} else {
		copy(f.backing[offset:offset+uint64(dataLen)], data)
	}
	_ = dataFlags
	status[0] = 0

	usedRing := ring.AddrToSlice(f.usedAddr, 4+int(f.queueSize)*8+2)
	usedIdx := binary.LittleEndian.Uint16(usedRing[2:4])
	eoff := 4 + int(usedIdx%uint16(f.queueSize))*8
	binary.LittleEndian.PutUint32(usedRing[eoff:eoff+4], uint32(head))
	binary.LittleEndian.PutUint32(usedRing[eoff+4:eoff+8], dataLen)
	binary.LittleEndian.PutUint16(usedRing[2:4], usedIdx+1)

	f.interruptStatus = 1
	f.dev.HandleInterrupt()
}

func attachFake(t *testing.T, totalSectors int) (*virtio.Device, *fakeRegisters) {
	t.Helper()
	devreg.Init()
	regs := newFakeRegisters(totalSectors)
	dev, err := virtio.Attach(t.Name(), regs)
	require.NoError(t, err)
	regs.dev = dev
	return dev, regs
}

func TestAttach_RegistersDeviceAndPublishesCapacity(t *testing.T) {
	dev, _ := attachFake(t, 64)

	var end uint64
	require.NoError(t, dev.Control(virtio.OpGetEnd, &end))
	require.Equal(t, uint64(64*512), end)

	backend, err := devreg.Lookup(t.Name())
	require.NoError(t, err)
	require.Same(t, dev, backend)
}

func TestAttach_FailsWithoutRequiredFeatures(t *testing.T) {
	devreg.Init()
	regs := newFakeRegisters(4)
	regs.deviceFeatures = 0

	_, err := virtio.Attach(t.Name(), regs)
	require.Error(t, err)

	_, lookupErr := devreg.Lookup(t.Name())
	require.Error(t, lookupErr, "failed attach must not register the device")
}

func TestStoreThenFetch_RoundTrips(t *testing.T) {
	dev, _ := attachFake(t, 8)

	out := make([]byte, 512)
	for i := range out {
		out[i] = byte(i)
	}
	n, err := dev.Store(512, out, 512)
	require.NoError(t, err)
	require.Equal(t, 512, n)

	in := make([]byte, 512)
	n, err = dev.Fetch(512, in, 512)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, out, in)
}

func TestFetch_UnalignedPosIsInvalidArgument(t *testing.T) {
	dev, _ := attachFake(t, 8)

	buf := make([]byte, 512)
	_, err := dev.Fetch(100, buf, 512)
	require.Error(t, err)
}

func TestFetch_PastCapacityReturnsZero(t *testing.T) {
	dev, _ := attachFake(t, 4)

	buf := make([]byte, 512)
	n, err := dev.Fetch(4*512, buf, 512)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFetch_TruncatedToCapacity(t *testing.T) {
	dev, _ := attachFake(t, 4)

	// Capacity is 4 sectors; requesting 2 sectors starting at the last one
	// must truncate to the single remaining sector and succeed.
	buf := make([]byte, 1024)
	n, err := dev.Fetch(3*512, buf, 1024)
	require.NoError(t, err)
	require.Equal(t, 512, n)
}

func TestClosedDevice_RejectsIO(t *testing.T) {
	dev, _ := attachFake(t, 4)
	require.NoError(t, dev.Close())

	buf := make([]byte, 512)
	_, err := dev.Fetch(0, buf, 512)
	require.Error(t, err)
}
