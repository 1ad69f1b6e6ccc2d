// Package device provides a simulated DeviceRuntime/CowKernel pair,
// registered against kvcache's extension points in init so callers never
// import this package directly (mirrors sim/kv's registration against
// sim.NewKVCacheStateFunc).
package device

import "github.com/pagedkv/kvcache/kvcache"

func init() {
	kvcache.NewDeviceRuntimeFunc = func() kvcache.DeviceRuntime {
		return NewSimulated()
	}
	kvcache.NewCowKernelFunc = func() kvcache.CowKernel {
		return NewSimulated()
	}
}

// Simulated stands in for the device-side kernels of §6: it performs the
// increment/copy arithmetic immediately in Go rather than enqueuing work
// onto an accelerator, but never reads back results the way a real device
// runtime's caller must not either — callers should treat every return
// value as if it only became valid after a synchronization point they
// don't have to issue explicitly in this simulated world.
type Simulated struct {
	copies []CowCopy
}

// CowCopy records one simulated stride-memcpy; Copies returns the log of
// them to callers holding the Simulated value.
type CowCopy struct {
	Dst, Src  kvcache.BlockID
	NumTokens int64
}

// NewSimulated constructs an empty simulated device runtime.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// EnqueueRaggedIncrement computes cache_lengths[i] + (offsets[i+1] -
// offsets[i]) for each batch row i.
func (s *Simulated) EnqueueRaggedIncrement(inputRowOffsets []uint32, cacheLengths []uint32) []uint32 {
	out := make([]uint32, len(cacheLengths))
	for i := range cacheLengths {
		out[i] = cacheLengths[i] + (inputRowOffsets[i+1] - inputRowOffsets[i])
	}
	return out
}

// EnqueuePaddedIncrement computes start_pos + numTokens.
func (s *Simulated) EnqueuePaddedIncrement(startPos int64, numTokens int64) int64 {
	return startPos + numTokens
}

// Copy records a stride-memcpy of numTokens token slots from src into dst.
// A real kernel would copy KV projections across every layer; this
// simulation only needs to know that it happened, for cow_count bookkeeping
// and test assertions.
func (s *Simulated) Copy(dst, src kvcache.BlockID, numTokens int64) {
	s.copies = append(s.copies, CowCopy{Dst: dst, Src: src, NumTokens: numTokens})
}

// Copies returns every COW copy issued so far, oldest first.
func (s *Simulated) Copies() []CowCopy {
	return append([]CowCopy(nil), s.copies...)
}
