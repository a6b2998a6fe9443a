package ring

import "sync/atomic"

var fenceSeq uint32

// fence is a compiler/memory barrier. Go does not expose the RISC-V FENCE
// instruction directly; an atomic store forces the compiler to flush
// preceding writes to memory before it proceeds, which is sufficient on
// the single-hart target this driver runs on (spec §5, "Scheduling
// model") where the concern is instruction/compiler reordering rather than
// multi-core cache visibility.
func fence() {
	atomic.AddUint32(&fenceSeq, 1)
}
