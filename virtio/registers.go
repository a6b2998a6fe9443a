package virtio

// Registers abstracts the device's shared-memory MMIO register file. The
// boot path that maps this region into the kernel's address space is out
// of scope (spec §1); the driver depends only on this interface, which
// real MMIO register accessors and test doubles both satisfy.
type Registers interface {
	// Status reads the device-status register.
	Status() uint32
	// SetStatus writes the device-status register.
	SetStatus(uint32)

	// DeviceFeatures reads the device's offered feature bits.
	DeviceFeatures() uint64
	// SetDriverFeatures writes the subset of features the driver accepts.
	SetDriverFeatures(uint64)

	// CapacitySectors reads virtio-blk's capacity config field, in
	// 512-byte units regardless of logical block size.
	CapacitySectors() uint64
	// LogicalBlockSize reads the optional VIRTIO_BLK_F_BLK_SIZE config
	// hint. ok is false if the device didn't report one.
	LogicalBlockSize() (size uint32, ok bool)

	// QueueMaxSize reads the maximum size the device supports for the
	// currently selected queue.
	QueueMaxSize() uint32
	// SetQueueSel selects a queue by index for the registers below.
	SetQueueSel(uint32)
	// SetQueueNum sets the selected queue's size.
	SetQueueNum(uint32)
	// SetQueueDescAddr, SetQueueAvailAddr, SetQueueUsedAddr bind the
	// selected queue's three ring regions.
	SetQueueDescAddr(uint64)
	SetQueueAvailAddr(uint64)
	SetQueueUsedAddr(uint64)
	// SetQueueReady marks the selected queue ready for use.
	SetQueueReady(bool)

	// NotifyQueue writes the queue-notify register for the given queue.
	NotifyQueue(uint32)

	// InterruptStatus reads the pending-interrupt bitmap.
	InterruptStatus() uint32
	// AckInterrupt writes the interrupt-acknowledge register.
	AckInterrupt(uint32)
}

// Feature bits relevant to this driver, values per the VirtIO 1.2
// specification.
const (
	FeatureBlkSize         uint64 = 1 << 6
	FeatureBlkTopology     uint64 = 1 << 10
	FeatureRingIndirectDesc uint64 = 1 << 28
	FeatureRingEventIdx     uint64 = 1 << 29
	FeatureRingReset        uint64 = 1 << 40
)

// Device status bits.
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusFailed      uint32 = 128
	StatusFeaturesOK  uint32 = 8
	StatusDriverOK    uint32 = 4
)

// requiredFeatures are the features Attach refuses to proceed without, per
// spec §4.A: "negotiates features, requiring indirect descriptors and ring
// reset".
const requiredFeatures = FeatureRingIndirectDesc | FeatureRingReset

// optionalFeatures are accepted when offered but never required.
const optionalFeatures = FeatureBlkSize | FeatureBlkTopology | FeatureRingEventIdx
