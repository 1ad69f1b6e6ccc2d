package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestError_Error_IncludesKindAndMessage verifies the formatted string
// callers logging these errors will see.
func TestError_Error_IncludesKindAndMessage(t *testing.T) {
	err := newErr(Capacity, "seq_len %d exceeds max_seq_len %d", 10, 8)
	assert.Equal(t, "Capacity: seq_len 10 exceeds max_seq_len 8", err.Error())
}

// TestErrUnknownSequence_IsProtocolKind verifies the helper's fixed kind.
func TestErrUnknownSequence_IsProtocolKind(t *testing.T) {
	err := ErrUnknownSequence(SeqID(3))
	assert.Equal(t, Protocol, err.Kind)
	assert.Contains(t, err.Error(), "3")
}
