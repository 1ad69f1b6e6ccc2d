package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCow struct {
	copies int
}

func (c *recordingCow) Copy(dst, src BlockID, numTokens int64) {
	c.copies++
}

func newTestPool(t *testing.T, n int64) (*BlockPool, func() (BlockID, error), func(BlockID)) {
	pool := NewBlockPool(n)
	var evictor Evictor = &fixedEvictor{}
	allocFn := func() (BlockID, error) { return pool.Alloc(evictor) }
	freeFn := func(id BlockID) { pool.Free(id) }
	return pool, allocFn, freeFn
}

// TestPrefixCache_Fetch_ColdStartAllocatesNoPrefixBlocks verifies a first
// request with an empty trie gets no cache hit.
func TestPrefixCache_Fetch_ColdStartAllocatesNoPrefixBlocks(t *testing.T) {
	pc := NewPrefixCache(4, true, false, nil)
	_, alloc, free := newTestPool(t, 8)

	meta := NewPagedCacheMetadata(4, 64)
	require.NoError(t, meta.FetchBegin([]int{1, 2, 3, 4, 5}, 1))

	blocks, err := pc.Fetch(SeqID(0), meta, alloc, free)
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.Equal(t, int64(0), meta.CommittedIdx)
	assert.Equal(t, int64(0), meta.CachedIdx)
}

// TestPrefixCache_StepThenFetch_SecondSequenceHitsSharedPrefix verifies the
// S2-style scenario: one sequence commits a page, a second sequence with
// the same prefix reuses it on fetch.
func TestPrefixCache_StepThenFetch_SecondSequenceHitsSharedPrefix(t *testing.T) {
	pc := NewPrefixCache(4, true, false, nil)
	pool, alloc, free := newTestPool(t, 8)

	// seq 0: fetch, allocate its own block, commit it into the trie
	metaA := NewPagedCacheMetadata(4, 64)
	pc.ExternalClaim(SeqID(0))
	require.NoError(t, metaA.FetchBegin([]int{1, 2, 3, 4}, 1))
	_, err := pc.Fetch(SeqID(0), metaA, alloc, free)
	require.NoError(t, err)
	blockA, err := pool.Alloc(pc)
	require.NoError(t, err)
	metaA.Blocks = append(metaA.Blocks, blockA)
	require.NoError(t, metaA.StepApply([]int{99}))
	require.NoError(t, pc.Step(SeqID(0), metaA, free))

	// seq 1: same first 4 tokens should hit the committed block
	metaB := NewPagedCacheMetadata(4, 64)
	pc.ExternalClaim(SeqID(1))
	require.NoError(t, metaB.FetchBegin([]int{1, 2, 3, 4, 7}, 1))
	blocksB, err := pc.Fetch(SeqID(1), metaB, alloc, free)
	require.NoError(t, err)
	assert.Equal(t, []BlockID{blockA}, blocksB)
	assert.Equal(t, int64(4), metaB.CommittedIdx)
	assert.Equal(t, int64(4), metaB.CachedIdx)
}

// TestPrefixCache_Step_DisabledStillAdvancesCommittedIdx verifies the
// committed_idx-still-advances-without-a-trie resolution documented in
// DESIGN.md's "disabled prefix caching never leaks blocks" entry: property
// 5 (seq_len - committed_idx < page_size) must hold even with prefix
// caching off.
func TestPrefixCache_Step_DisabledStillAdvancesCommittedIdx(t *testing.T) {
	pc := NewPrefixCache(4, false, false, nil)
	_, _, free := newTestPool(t, 8)

	meta := NewPagedCacheMetadata(4, 64)
	require.NoError(t, meta.FetchBegin([]int{1, 2, 3, 4, 5, 6}, 1))
	meta.Blocks = []BlockID{0, 1}
	require.NoError(t, meta.StepApply([]int{77}))

	require.NoError(t, pc.Step(SeqID(0), meta, free))
	assert.Less(t, meta.SeqLen-meta.CommittedIdx, meta.PageSize)
}

// TestPrefixCache_ReleasableBlocks_DisabledReturnsEntireBlockList verifies
// that disabling prefix caching does not leak the blocks Step's
// CommittedIdx-advance made look "committed": since nothing was ever
// inserted into the trie, every block the sequence holds must still come
// back through Release.
func TestPrefixCache_ReleasableBlocks_DisabledReturnsEntireBlockList(t *testing.T) {
	pc := NewPrefixCache(4, false, false, nil)
	_, _, free := newTestPool(t, 8)

	meta := NewPagedCacheMetadata(4, 64)
	require.NoError(t, meta.FetchBegin([]int{1, 2, 3, 4, 5}, 1))
	meta.Blocks = []BlockID{0, 1}
	require.NoError(t, meta.StepApply([]int{9}))
	require.NoError(t, pc.Step(SeqID(0), meta, free))

	// CommittedIdx advanced to a page boundary, but with caching disabled
	// the trie never took ownership of block 0 — it must still be
	// releasable, not just the uncommitted tail block 1.
	assert.Equal(t, int64(4), meta.CommittedIdx)
	assert.ElementsMatch(t, []BlockID{0, 1}, pc.ReleasableBlocks(meta))
}

// TestPrefixCache_ReleasableBlocks_EnabledReturnsOnlyUncommittedTail
// verifies the normal (prefix caching enabled) case still only returns the
// privately-owned tail, leaving committed blocks for trie eviction.
func TestPrefixCache_ReleasableBlocks_EnabledReturnsOnlyUncommittedTail(t *testing.T) {
	pc := NewPrefixCache(4, true, false, nil)
	_, alloc, free := newTestPool(t, 8)

	meta := NewPagedCacheMetadata(4, 64)
	pc.ExternalClaim(SeqID(0))
	require.NoError(t, meta.FetchBegin([]int{1, 2, 3, 4, 5}, 1))
	_, err := pc.Fetch(SeqID(0), meta, alloc, free)
	require.NoError(t, err)
	for int64(len(meta.Blocks)) < meta.BlocksRequiredFor(meta.SeqLen) {
		blk, err := alloc()
		require.NoError(t, err)
		meta.Blocks = append(meta.Blocks, blk)
	}
	require.NoError(t, meta.StepApply([]int{9}))
	require.NoError(t, pc.Step(SeqID(0), meta, free))

	assert.Equal(t, meta.Blocks[1:], pc.ReleasableBlocks(meta))
}

// TestPrefixCache_Fetch_COWAllocatesPrivateBlockForPartialMatch verifies a
// strictly-partial prefix match triggers exactly one COW copy and advances
// cached_idx by the shared-prefix length, without touching committed_idx.
func TestPrefixCache_Fetch_COWAllocatesPrivateBlockForPartialMatch(t *testing.T) {
	cow := &recordingCow{}
	pc := NewPrefixCache(4, true, true, cow)
	pool, alloc, free := newTestPool(t, 8)

	// seed the trie with a committed 4-token block [1,2,3,4]
	seed := NewPagedCacheMetadata(4, 64)
	pc.ExternalClaim(SeqID(0))
	require.NoError(t, seed.FetchBegin([]int{1, 2, 3, 4}, 1))
	_, err := pc.Fetch(SeqID(0), seed, alloc, free)
	require.NoError(t, err)
	seedBlock, err := pool.Alloc(pc)
	require.NoError(t, err)
	seed.Blocks = append(seed.Blocks, seedBlock)
	require.NoError(t, seed.StepApply([]int{55}))
	require.NoError(t, pc.Step(SeqID(0), seed, free))

	// a new sequence shares the first 2 tokens, then diverges
	meta := NewPagedCacheMetadata(4, 64)
	pc.ExternalClaim(SeqID(1))
	require.NoError(t, meta.FetchBegin([]int{1, 2, 9, 9}, 1))
	_, err = pc.Fetch(SeqID(1), meta, alloc, free)
	require.NoError(t, err)

	assert.Equal(t, 1, cow.copies)
	assert.Equal(t, int64(0), meta.CommittedIdx)
	assert.Equal(t, int64(2), meta.CachedIdx)
	assert.Len(t, meta.Blocks, 1)
}

// TestPrefixCache_CacheHitRate_ZeroBeforeAnyProbe verifies the hit-rate
// divide-by-zero guard.
func TestPrefixCache_CacheHitRate_ZeroBeforeAnyProbe(t *testing.T) {
	pc := NewPrefixCache(4, true, false, nil)
	assert.Equal(t, 0.0, pc.CacheHitRate())
}
