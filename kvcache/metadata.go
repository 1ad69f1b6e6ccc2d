package kvcache

// SeqID identifies one in-flight generation stream, in [0, max_batch_size).
type SeqID int64

func ceilDivInt64(n, d int64) int64 {
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}

// PagedCacheMetadata is the per-sequence bookkeeping of §3: a token array
// plus four monotonically advancing indices and the block list backing
// them. Pure bookkeeping — no I/O, no device interaction.
type PagedCacheMetadata struct {
	PageSize   int64
	MaxSeqLen  int64
	Tokens     []int
	Blocks     []BlockID
	CommittedIdx int64
	CachedIdx    int64
	InflightIdx  int64
	SeqLen       int64
}

// NewPagedCacheMetadata allocates a zero-valued token array of length
// maxSeqLen, matching the original's np.full((max_seq_len,), 0).
func NewPagedCacheMetadata(pageSize, maxSeqLen int64) *PagedCacheMetadata {
	return &PagedCacheMetadata{
		PageSize:  pageSize,
		MaxSeqLen: maxSeqLen,
		Tokens:    make([]int, maxSeqLen),
	}
}

// CommittedTokens returns tokens[:committed_idx].
func (m *PagedCacheMetadata) CommittedTokens() []int {
	return m.Tokens[:m.CommittedIdx]
}

// UncachedTokens returns tokens[cached_idx:seq_len].
func (m *PagedCacheMetadata) UncachedTokens() []int {
	return m.Tokens[m.CachedIdx:m.SeqLen]
}

// PromptTokens returns tokens[cached_idx:inflight_idx].
func (m *PagedCacheMetadata) PromptTokens() []int {
	return m.Tokens[m.CachedIdx:m.InflightIdx]
}

// InflightTokens returns tokens[inflight_idx:seq_len].
func (m *PagedCacheMetadata) InflightTokens() []int {
	return m.Tokens[m.InflightIdx:m.SeqLen]
}

// CommittableTokens returns tokens[committed_idx:inflight_idx] — all tokens
// with a known value that are not yet committed.
func (m *PagedCacheMetadata) CommittableTokens() []int {
	return m.Tokens[m.CommittedIdx:m.InflightIdx]
}

// CommittableBlocks returns any block that contains at least one
// committable token: blocks[committed_idx/page_size : ceil(inflight_idx/page_size)],
// clipped to the blocks already allocated (during a fetch, blocks for the
// new prompt are not yet in Blocks).
func (m *PagedCacheMetadata) CommittableBlocks() []BlockID {
	lo := m.CommittedIdx / m.PageSize
	hi := ceilDivInt64(m.InflightIdx, m.PageSize)
	if hi > int64(len(m.Blocks)) {
		hi = int64(len(m.Blocks))
	}
	return m.Blocks[lo:hi]
}

// committableAlignedEnd returns inflight_idx rounded down to a page boundary.
func (m *PagedCacheMetadata) committableAlignedEnd() int64 {
	partial := m.InflightIdx % m.PageSize
	return m.InflightIdx - partial
}

// CommittableTokensAligned returns the page-aligned prefix of the
// committable region: tokens that belong to a block containing only
// committable tokens.
func (m *PagedCacheMetadata) CommittableTokensAligned() []int {
	return m.Tokens[m.CommittedIdx:m.committableAlignedEnd()]
}

// CommittableBlocksAligned returns blocks backing CommittableTokensAligned.
func (m *PagedCacheMetadata) CommittableBlocksAligned() []BlockID {
	lo := m.CommittedIdx / m.PageSize
	hi := m.committableAlignedEnd() / m.PageSize
	return m.Blocks[lo:hi]
}

// CommittedBlockIdx is the index into Blocks of the first uncommitted block.
func (m *PagedCacheMetadata) CommittedBlockIdx() int64 {
	return m.CommittedIdx / m.PageSize
}

// UncommittedBlocks returns the blocks this sequence alone owns and which
// must be freed back to the pool on release, since committed blocks belong
// to the trie instead (§4.5).
func (m *PagedCacheMetadata) UncommittedBlocks() []BlockID {
	return m.Blocks[m.CommittedBlockIdx():]
}

// BlocksRequiredFor reports how many blocks are needed to back seqLen tokens.
func (m *PagedCacheMetadata) BlocksRequiredFor(seqLen int64) int64 {
	return ceilDivInt64(seqLen, m.PageSize)
}

// validateIndices enforces the permanent invariant of §3 and §8 property 1-2.
func (m *PagedCacheMetadata) validateIndices() error {
	if !(0 <= m.CommittedIdx && m.CommittedIdx <= m.CachedIdx &&
		m.CachedIdx <= m.InflightIdx && m.InflightIdx <= m.SeqLen) {
		return newErr(Protocol, "indices out of order: committed=%d cached=%d inflight=%d seq_len=%d",
			m.CommittedIdx, m.CachedIdx, m.InflightIdx, m.SeqLen)
	}
	if m.SeqLen > int64(len(m.Tokens)) {
		return newErr(Capacity, "seq_len %d exceeds max_seq_len %d", m.SeqLen, len(m.Tokens))
	}
	if m.CommittedIdx%m.PageSize != 0 {
		return newErr(Protocol, "committed_idx %d is not a multiple of page_size %d", m.CommittedIdx, m.PageSize)
	}
	return nil
}

// FetchBegin writes prompt into the cached..inflight window and reserves
// inflight placeholder slots for a num_steps-step decode episode. See
// spec.md §4.2 / the original PagedCacheMetadata.fetch.
func (m *PagedCacheMetadata) FetchBegin(prompt []int, numSteps int64) error {
	if err := m.validateIndices(); err != nil {
		return err
	}
	if len(m.PromptTokens()) != 0 {
		return newErr(Protocol, "fetch_begin: prompt_tokens must be empty at start of fetch")
	}
	if len(m.InflightTokens()) != 0 {
		return newErr(Protocol, "fetch_begin: inflight_tokens must be empty at start of fetch")
	}
	if len(prompt) == 0 {
		return newErr(Protocol, "fetch_begin: prompt must be non-empty")
	}
	numInflight := numSteps - 1
	newInflightIdx := m.InflightIdx + int64(len(prompt))
	newSeqLen := m.SeqLen + int64(len(prompt)) + numInflight
	if newSeqLen > m.MaxSeqLen {
		return newErr(Capacity, "fetch_begin: seq_len %d would exceed max_seq_len %d", newSeqLen, m.MaxSeqLen)
	}
	copy(m.Tokens[m.CachedIdx:newInflightIdx], prompt)
	m.InflightIdx = newInflightIdx
	m.SeqLen = newSeqLen
	return m.validateIndices()
}

// StepApply writes newTokens[:-1] into the inflight slots and advances
// cached_idx/inflight_idx to seq_len, per spec.md §4.2 / the original
// PagedCacheMetadata.step. Precondition: len(newTokens) == num_steps and
// len(inflight_tokens) == num_steps-1.
func (m *PagedCacheMetadata) StepApply(newTokens []int) error {
	if err := m.validateIndices(); err != nil {
		return err
	}
	if len(m.PromptTokens()) == 0 {
		return newErr(Protocol, "step_apply: cannot step without at least one prompt token")
	}
	numInflight := len(newTokens) - 1
	if int64(len(m.InflightTokens())) != int64(numInflight) {
		return newErr(Protocol, "step_apply: expected %d inflight slots, got %d", len(m.InflightTokens()), numInflight)
	}
	copy(m.Tokens[m.InflightIdx:m.SeqLen], newTokens[:len(newTokens)-1])
	m.CachedIdx = m.SeqLen
	m.InflightIdx = m.SeqLen
	if len(m.UncachedTokens()) != 0 {
		return newErr(Protocol, "step_apply: uncached_tokens must be empty after step")
	}
	return m.validateIndices()
}
