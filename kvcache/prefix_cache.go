package kvcache

import "github.com/sirupsen/logrus"

// CowKernel is the device-side "stride-memcpy" kernel of §6
// (kv_collection_cow_strided_memcpy.paged): copies the first numTokens
// token slots of KV state from src to dst, across every layer/device, for
// partial-block reuse. Submission is enqueue-only — it never blocks on
// completion (§5).
type CowKernel interface {
	Copy(dst, src BlockID, numTokens int64)
}

// PrefixCache answers "what blocks can be reused for this prompt?" using a
// RadixTrie, and performs copy-on-write for partial prefix matches (§4.4).
type PrefixCache struct {
	trie        *RadixTrie
	pageSize    int64
	enabled     bool // KVCacheParams.EnablePrefixCaching
	cowEnabled  bool
	cow         CowKernel
	currentNode map[SeqID]trieNodeID

	cacheHitTokens int64
	allTokens      int64
	cowCount       int64
}

// NewPrefixCache builds a PrefixCache backed by a fresh RadixTrie.
func NewPrefixCache(pageSize int64, enabled, cowEnabled bool, cow CowKernel) *PrefixCache {
	return &PrefixCache{
		trie:        NewRadixTrie(pageSize),
		pageSize:    pageSize,
		enabled:     enabled,
		cowEnabled:  cowEnabled,
		cow:         cow,
		currentNode: make(map[SeqID]trieNodeID),
	}
}

// ExternalClaim initializes seqID's trie cursor at the root, indicating no
// blocks are committed for it yet.
func (pc *PrefixCache) ExternalClaim(seqID SeqID) {
	if _, ok := pc.currentNode[seqID]; ok {
		logrus.Panicf("kvcache: prefix cache double claim of seq %d", seqID)
	}
	pc.currentNode[seqID] = pc.trie.Root()
}

// Release decrements refcounts along seqID's committed path and forgets it.
func (pc *PrefixCache) Release(seqID SeqID) {
	node, ok := pc.currentNode[seqID]
	if !ok {
		return
	}
	pc.trie.MarkNotInUseBy(node, seqID)
	delete(pc.currentNode, seqID)
}

// EvictBlocks implements the Evictor interface BlockPool calls into on
// allocation pressure.
func (pc *PrefixCache) EvictBlocks(desired int) []BlockID {
	return pc.trie.EvictBlocks(desired)
}

// ReleasableBlocks reports which of meta's blocks Release must return to
// the pool. With prefix caching enabled, only the uncommitted tail is
// privately owned — committed blocks live in the trie and come back only
// through eviction. With prefix caching disabled, Step never inserts
// anything into the trie (its disabled branch only advances CommittedIdx
// for the page-aligned-tail bookkeeping §8 property 5 expects), so every
// block the sequence holds is still privately owned and must be freed here;
// treating CommittedBlockIdx() as a trie boundary in that mode would leak
// every "committed" block forever.
func (pc *PrefixCache) ReleasableBlocks(meta *PagedCacheMetadata) []BlockID {
	if !pc.enabled {
		return meta.Blocks
	}
	return meta.UncommittedBlocks()
}

// CacheHitRate returns cache_hit_tokens / all_tokens, 0 before any probes.
func (pc *PrefixCache) CacheHitRate() float64 {
	if pc.allTokens == 0 {
		return 0
	}
	return float64(pc.cacheHitTokens) / float64(pc.allTokens)
}

// Stats exposes the raw hit/miss/COW counters (§7: advance only on success).
func (pc *PrefixCache) Stats() (cacheHitTokens, allTokens, cowCount int64) {
	return pc.cacheHitTokens, pc.allTokens, pc.cowCount
}

// releasePartialBlock discards the single uncommitted partial block because
// its tokens are now covered (and exceeded) by a retrieved prefix (§4.4).
func (pc *PrefixCache) releasePartialBlock(meta *PagedCacheMetadata, free func(BlockID)) {
	partialBlocks := meta.CommittableBlocks()
	if len(partialBlocks) != 1 {
		logrus.Panicf("kvcache: expected exactly one partial block, got %d", len(partialBlocks))
	}
	free(partialBlocks[0])
	meta.Blocks = meta.Blocks[:len(meta.Blocks)-1]
	partialTokens := meta.CachedIdx - meta.CommittedIdx
	if !(0 < partialTokens && partialTokens < pc.pageSize) {
		logrus.Panicf("kvcache: partial token count %d out of range (0, %d)", partialTokens, pc.pageSize)
	}
	meta.CachedIdx -= partialTokens
}

// Fetch extends meta with any cached prefix found for the sequence's
// committable tokens, per §4.4 steps 1-8.
func (pc *PrefixCache) Fetch(seqID SeqID, meta *PagedCacheMetadata, alloc func() (BlockID, error), free func(BlockID)) ([]BlockID, error) {
	if !pc.enabled {
		return nil, nil
	}
	committable := meta.CommittableTokens()
	if len(committable) == 0 {
		return nil, nil
	}
	probe := committable[:len(committable)-1]
	if len(probe) == 0 {
		return nil, nil
	}

	node := pc.currentNode[seqID]
	node, prefixBlocks := pc.trie.MatchPrefix(probe, node)
	pc.currentNode[seqID] = node
	pc.trie.MarkInUseBy(node, seqID)

	hitTokens := int64(len(prefixBlocks)) * pc.pageSize
	pc.cacheHitTokens += hitTokens
	pc.allTokens += int64(len(probe))

	if meta.CommittedIdx < meta.CachedIdx && hitTokens > 0 {
		pc.releasePartialBlock(meta, free)
	}

	meta.Blocks = append(meta.Blocks, prefixBlocks...)
	meta.CommittedIdx += hitTokens
	meta.CachedIdx += hitTokens

	if pc.cowEnabled && pc.pageSize > 1 {
		if err := pc.fetchCOW(seqID, meta, alloc, free); err != nil {
			return prefixBlocks, err
		}
	}
	return prefixBlocks, nil
}

// fetchCOW implements §4.4's _fetch_cow: copy the first k < page_size
// tokens of a partially-matching committed block into a fresh private
// block so the sequence gains partial-page reuse without waiting for a
// full-page match.
func (pc *PrefixCache) fetchCOW(seqID SeqID, meta *PagedCacheMetadata, alloc func() (BlockID, error), free func(BlockID)) error {
	committable := meta.CommittableTokens()
	if len(committable) == 0 {
		return nil
	}
	probe := committable[:len(committable)-1]
	if len(probe) == 0 {
		return nil
	}
	cropped := probe
	if int64(len(cropped)) > pc.pageSize {
		cropped = cropped[:pc.pageSize]
	}

	node := pc.currentNode[seqID]
	block, k, ok := pc.trie.FindBlockWithLargestCommonPrefix(node, cropped)
	if !ok {
		return nil
	}

	partialTokens := meta.CachedIdx - meta.CommittedIdx
	if int64(k) <= partialTokens {
		return nil
	}

	if partialTokens > 0 {
		pc.releasePartialBlock(meta, free)
	}

	newBlock, err := alloc()
	if err != nil {
		return err
	}
	pc.cowCount++
	pc.cow.Copy(newBlock, block, int64(k))
	meta.Blocks = append(meta.Blocks, newBlock)
	meta.CachedIdx += int64(k)
	return nil
}

// Step commits the page-aligned committable prefix into the trie, adopting
// any canonical block another sequence already installed first (§4.4).
func (pc *PrefixCache) Step(seqID SeqID, meta *PagedCacheMetadata, free func(BlockID)) error {
	if !pc.enabled {
		// Nothing is ever inserted into the trie in this mode, so
		// CommittedIdx here is page-aligned-tail bookkeeping only, not a
		// trie boundary — every block the sequence holds remains
		// privately owned. ReleasableBlocks knows to free all of them
		// rather than treating CommittedBlockIdx() as "belongs to the
		// trie now".
		meta.CommittedIdx = meta.CachedIdx - (meta.CachedIdx % meta.PageSize)
		return nil
	}

	committable := meta.CommittableTokensAligned()
	node := pc.currentNode[seqID]
	node, existingBlocks := pc.trie.MatchPrefix(committable, node)
	pc.currentNode[seqID] = node

	aligned := meta.CommittableBlocksAligned()
	for i, existing := range existingBlocks {
		if existing != aligned[i] {
			free(aligned[i])
		}
	}

	committedBlockIdx := meta.CommittedBlockIdx()
	copy(meta.Blocks[committedBlockIdx:committedBlockIdx+int64(len(existingBlocks))], existingBlocks)
	meta.CommittedIdx += int64(len(existingBlocks)) * pc.pageSize

	remainingTokens := meta.CommittableTokensAligned()
	remainingBlocks := meta.CommittableBlocksAligned()
	if len(remainingTokens)%int(pc.pageSize) != 0 || int64(len(remainingTokens)) != int64(len(remainingBlocks))*pc.pageSize {
		return newErr(Protocol, "step: committable_tokens_aligned not page-aligned")
	}

	newNode, superseded := pc.trie.Insert(remainingTokens, remainingBlocks, node)
	for _, blk := range superseded {
		free(blk)
	}
	pc.currentNode[seqID] = newNode
	meta.CommittedIdx += int64(len(remainingTokens))

	pc.trie.MarkInUseBy(newNode, seqID)
	return nil
}
