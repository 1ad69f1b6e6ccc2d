package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubRuntime struct {
	raggedOut []uint32
	paddedOut int64
}

func (s *stubRuntime) EnqueueRaggedIncrement(inputRowOffsets []uint32, cacheLengths []uint32) []uint32 {
	return s.raggedOut
}

func (s *stubRuntime) EnqueuePaddedIncrement(startPos int64, numTokens int64) int64 {
	return s.paddedOut
}

// TestCacheLengthIncrementer_IncrementRagged_DelegatesToRuntime verifies the
// ragged path forwards to the configured runtime untouched.
func TestCacheLengthIncrementer_IncrementRagged_DelegatesToRuntime(t *testing.T) {
	runtime := &stubRuntime{raggedOut: []uint32{5, 9}}
	inc := NewCacheLengthIncrementer(true, runtime)

	out := inc.IncrementRagged([]uint32{0, 2, 5}, []uint32{1, 2})
	assert.Equal(t, []uint32{5, 9}, out)
}

// TestCacheLengthIncrementer_IncrementPadded_PanicsInRaggedMode verifies the
// two variants are mutually exclusive once the incrementer is constructed.
func TestCacheLengthIncrementer_IncrementPadded_PanicsInRaggedMode(t *testing.T) {
	inc := NewCacheLengthIncrementer(true, &stubRuntime{})
	assert.Panics(t, func() { inc.IncrementPadded(0, 1) })
}

// TestCacheLengthIncrementer_IncrementRagged_PanicsInPaddedMode mirrors the
// above for the padded-mode incrementer.
func TestCacheLengthIncrementer_IncrementRagged_PanicsInPaddedMode(t *testing.T) {
	inc := NewCacheLengthIncrementer(false, &stubRuntime{})
	assert.Panics(t, func() { inc.IncrementRagged(nil, nil) })
}
