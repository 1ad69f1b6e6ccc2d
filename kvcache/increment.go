package kvcache

// DeviceRuntime is the enqueue-only device surface the manager submits
// cache-length increments to. Named per §6's kernel contracts:
// update_cache_lengths (ragged) and update_start_pos (padded). A call
// enqueues a computation and returns immediately — the manager never
// blocks on it, and the returned tensor must not be read by the host
// before the device has actually executed it (§5 "no implicit device sync").
type DeviceRuntime interface {
	// EnqueueRaggedIncrement computes, for each device, cache_lengths[i] +
	// (input_row_offsets[i+1] - input_row_offsets[i]) without a host
	// readback of the inputs.
	EnqueueRaggedIncrement(inputRowOffsets []uint32, cacheLengths []uint32) []uint32
	// EnqueuePaddedIncrement computes start_pos + numTokens.
	EnqueuePaddedIncrement(startPos int64, numTokens int64) int64
}

// NewDeviceRuntimeFunc is the extension point implementations register
// against in their init(), mirroring the teacher's
// sim/latency.NewLatencyModelFunc registration pattern: blank-import
// kvcache/device to populate it with a Simulated runtime.
var NewDeviceRuntimeFunc func() DeviceRuntime

// NewCowKernelFunc is the equivalent extension point for the COW kernel.
var NewCowKernelFunc func() CowKernel

// MustNewDeviceRuntime calls NewDeviceRuntimeFunc with a nil guard. Panics
// with an actionable message if no device package has been imported.
func MustNewDeviceRuntime() DeviceRuntime {
	if NewDeviceRuntimeFunc == nil {
		panic("kvcache: NewDeviceRuntimeFunc not registered: import kvcache/device to register it")
	}
	return NewDeviceRuntimeFunc()
}

// MustNewCowKernel calls NewCowKernelFunc with a nil guard.
func MustNewCowKernel() CowKernel {
	if NewCowKernelFunc == nil {
		panic("kvcache: NewCowKernelFunc not registered: import kvcache/device to register it")
	}
	return NewCowKernelFunc()
}

// CacheLengthIncrementer advances cache-length tensors between the steps
// of a multi-step decode episode without returning to the host (§4.6).
// Two variants are selected once, at construction, by is_ragged — the
// concrete variant is monomorphic thereafter (§9 "Polymorphism over input
// shape").
type CacheLengthIncrementer struct {
	isRagged bool
	runtime  DeviceRuntime
}

// NewCacheLengthIncrementer builds an incrementer bound to runtime and a
// fixed ragged/padded mode, selected at construction per the
// cache_strategy/is_ragged configuration.
func NewCacheLengthIncrementer(isRagged bool, runtime DeviceRuntime) *CacheLengthIncrementer {
	return &CacheLengthIncrementer{isRagged: isRagged, runtime: runtime}
}

// IncrementRagged submits the ragged variant: cache_lengths + (offsets[i+1]
// - offsets[i]) per batch row, one call per device's tensors. Panics if the
// incrementer was constructed in padded mode — callers must match the
// cache_strategy they configured.
func (c *CacheLengthIncrementer) IncrementRagged(inputRowOffsets []uint32, cacheLengths []uint32) []uint32 {
	if !c.isRagged {
		panic("kvcache: IncrementRagged called on a padded CacheLengthIncrementer")
	}
	return c.runtime.EnqueueRaggedIncrement(inputRowOffsets, cacheLengths)
}

// IncrementPadded submits the padded/legacy variant: start_pos + S.
func (c *CacheLengthIncrementer) IncrementPadded(startPos, numTokens int64) int64 {
	if c.isRagged {
		panic("kvcache: IncrementPadded called on a ragged CacheLengthIncrementer")
	}
	return c.runtime.EnqueuePaddedIncrement(startPos, numTokens)
}
