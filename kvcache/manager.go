package kvcache

import "sort"

// FetchMetadata records what a pending fetch promised, so the matching step
// call can be checked for num_steps agreement and duplicate-fetch/missing-
// fetch protocol errors (§4.5, §7).
type FetchMetadata struct {
	Prompt   []int
	NumSteps int64
}

// KVCacheManager is the façade of §4.5: claim/external_claim/release a
// sequence slot, then drive it through repeated fetch/step cycles. It owns
// a BlockPool, a PrefixCache, and one PagedCacheMetadata per live sequence,
// and never runs eviction logic itself — that lives entirely in PrefixCache
// via the Evictor interface BlockPool calls into.
type KVCacheManager struct {
	params       KVCacheParams
	maxBatchSize int64
	maxSeqLen    int64

	pool        *BlockPool
	prefix      *PrefixCache
	incrementer *CacheLengthIncrementer

	blockBuffers []BlockBuffer // one per device, forwarded untouched

	available    map[SeqID]bool
	metas        map[SeqID]*PagedCacheMetadata
	cacheLengths map[SeqID]int64
	fetchMeta    map[SeqID]*FetchMetadata
}

// NewKVCacheManager validates params and builds an empty manager with
// maxBatchSize slots and a block pool of blockPoolSize blocks.
func NewKVCacheManager(params KVCacheParams, maxBatchSize, maxSeqLen, blockPoolSize int64, blockBuffers []BlockBuffer, runtime DeviceRuntime, cow CowKernel) (*KVCacheManager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &KVCacheManager{
		params:       params,
		maxBatchSize: maxBatchSize,
		maxSeqLen:    maxSeqLen,
		pool:         NewBlockPool(blockPoolSize),
		blockBuffers: blockBuffers,
		available:    make(map[SeqID]bool, maxBatchSize),
		metas:        make(map[SeqID]*PagedCacheMetadata),
		cacheLengths: make(map[SeqID]int64),
		fetchMeta:    make(map[SeqID]*FetchMetadata),
	}
	m.prefix = NewPrefixCache(int64(params.PageSize), params.EnablePrefixCaching, params.cowEnabled(), cow)
	m.incrementer = NewCacheLengthIncrementer(params.CacheStrategy == StrategyPaged, runtime)
	for i := int64(0); i < maxBatchSize; i++ {
		m.available[SeqID(i)] = true
	}
	return m, nil
}

// sortedAvailable returns currently-free slot ids in ascending order, for
// the deterministic smallest-id-first claim discipline (§9 open question).
func (m *KVCacheManager) sortedAvailable() []SeqID {
	out := make([]SeqID, 0, len(m.available))
	for id := range m.available {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *KVCacheManager) beginSlot(id SeqID) {
	delete(m.available, id)
	m.cacheLengths[id] = 0
	m.metas[id] = NewPagedCacheMetadata(int64(m.params.PageSize), m.maxSeqLen)
	m.prefix.ExternalClaim(id)
}

// Claim reserves the n lowest-numbered free slot ids. Fails with Capacity
// if fewer than n are free; no slots are reserved on failure.
func (m *KVCacheManager) Claim(n int) ([]SeqID, error) {
	free := m.sortedAvailable()
	if len(free) < n {
		return nil, newErr(Capacity, "requested %d slots, only %d available", n, len(free))
	}
	ids := free[:n]
	for _, id := range ids {
		m.beginSlot(id)
	}
	return ids, nil
}

// ExternalClaim reserves caller-chosen slot ids, failing with Protocol if
// any is already claimed or out of [0, max_batch_size).
func (m *KVCacheManager) ExternalClaim(seqIDs []SeqID) error {
	for _, id := range seqIDs {
		if id < 0 || id >= SeqID(m.maxBatchSize) || !m.available[id] {
			return newErr(Protocol, "sequence %d is not a free slot", id)
		}
	}
	for _, id := range seqIDs {
		m.beginSlot(id)
	}
	return nil
}

// Release frees seqID's committed trie path and uncommitted blocks, and
// returns its slot to the available pool. With prefix caching disabled,
// the sequence owns every block it holds (see PrefixCache.ReleasableBlocks),
// so all of them are freed here rather than only the uncommitted tail.
func (m *KVCacheManager) Release(seqID SeqID) error {
	meta, ok := m.metas[seqID]
	if !ok {
		return ErrUnknownSequence(seqID)
	}
	for _, b := range m.prefix.ReleasableBlocks(meta) {
		m.pool.Free(b)
	}
	m.prefix.Release(seqID)
	delete(m.metas, seqID)
	delete(m.cacheLengths, seqID)
	delete(m.fetchMeta, seqID)
	m.available[seqID] = true
	return nil
}

// Contains reports whether seqID currently holds a claimed slot.
func (m *KVCacheManager) Contains(seqID SeqID) bool {
	_, ok := m.metas[seqID]
	return ok
}

// SlotsRemaining returns the number of unclaimed batch slots.
func (m *KVCacheManager) SlotsRemaining() int64 {
	return int64(len(m.available))
}

// MaxSequenceLength returns the configured per-sequence token budget.
func (m *KVCacheManager) MaxSequenceLength() int64 {
	return m.maxSeqLen
}

// CacheHitRate exposes the running prefix-cache hit ratio (§7).
func (m *KVCacheManager) CacheHitRate() float64 {
	return m.prefix.CacheHitRate()
}

// Stats exposes the raw prefix-cache counters alongside pool occupancy, for
// the CLI's metrics output.
func (m *KVCacheManager) Stats() (cacheHitTokens, allTokens, cowCount, freeBlocks, totalBlocks int64) {
	h, a, c := m.prefix.Stats()
	return h, a, c, m.pool.FreeCount(), m.pool.Total()
}

// CommittedBlocks returns every block id currently held in the shared
// prefix trie, for the inspect CLI.
func (m *KVCacheManager) CommittedBlocks() []BlockID {
	return m.prefix.trie.AllBlocks()
}

// EvictableBlocks returns block ids the trie could free on the next
// allocation-pressure eviction, for the inspect CLI.
func (m *KVCacheManager) EvictableBlocks() []BlockID {
	return m.prefix.trie.EvictableBlocks()
}

// Incrementer returns the device-bound cache-length incrementer so a
// serving loop can advance cache_lengths/start_pos between the steps of a
// multi-step episode without returning through the manager (§4.6).
func (m *KVCacheManager) Incrementer() *CacheLengthIncrementer {
	return m.incrementer
}

func sortedSeqIDs(prompts map[SeqID][]int) []SeqID {
	out := make([]SeqID, 0, len(prompts))
	for id := range prompts {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fetch begins a numSteps-step episode for every sequence in
// seqIDsAndPrompts: writes the prompt into its metadata, probes the prefix
// cache for reusable blocks, allocates fresh blocks for whatever remains
// uncached through the full episode length, and records a FetchMetadata so
// the matching Step call can be validated. Sequences are processed in
// ascending id order for determinism; on error, sequences already
// processed earlier in this call are not rolled back (§9: fetch failures
// are expected to be rare and fatal to the batch, matching how a single
// fetch call is not itself further subdivided into retryable units).
// The returned FetchOutputs carries Ragged tensors for StrategyPaged and
// Padded tensors for StrategyContinuous, selected once here per
// m.params.CacheStrategy (§6, §4.5).
func (m *KVCacheManager) Fetch(seqIDsAndPrompts map[SeqID][]int, numSteps int64) (*FetchOutputs, error) {
	order := sortedSeqIDs(seqIDsAndPrompts)
	priorCacheLengths := make(map[SeqID]int64, len(order))

	for _, seqID := range order {
		meta, ok := m.metas[seqID]
		if !ok {
			return nil, ErrUnknownSequence(seqID)
		}
		if _, already := m.fetchMeta[seqID]; already {
			return nil, newErr(Protocol, "sequence %d already has a fetch outstanding", seqID)
		}
		priorCacheLengths[seqID] = m.cacheLengths[seqID]

		prompt := seqIDsAndPrompts[seqID]
		if err := meta.FetchBegin(prompt, numSteps); err != nil {
			return nil, err
		}

		allocFn := func() (BlockID, error) { return m.pool.Alloc(m.prefix) }
		freeFn := func(id BlockID) { m.pool.Free(id) }
		if _, err := m.prefix.Fetch(seqID, meta, allocFn, freeFn); err != nil {
			return nil, err
		}

		required := meta.BlocksRequiredFor(meta.SeqLen)
		for int64(len(meta.Blocks)) < required {
			id, err := m.pool.Alloc(m.prefix)
			if err != nil {
				return nil, err
			}
			meta.Blocks = append(meta.Blocks, id)
		}

		m.fetchMeta[seqID] = &FetchMetadata{Prompt: prompt, NumSteps: numSteps}
	}

	if m.params.CacheStrategy != StrategyPaged {
		return &FetchOutputs{Padded: buildPaddedInputs(m.blockBuffers, order, priorCacheLengths)}, nil
	}

	lookupTable := buildLookupTable(order, m.metas)
	maxLengths := buildMaxLengths(numSteps, seqIDsAndPrompts, priorCacheLengths, order)
	cacheLengths := make([]uint32, len(order))
	for i, id := range order {
		cacheLengths[i] = uint32(priorCacheLengths[id])
	}

	out := make([]*RaggedInputs, len(m.blockBuffers))
	for i, buf := range m.blockBuffers {
		out[i] = &RaggedInputs{
			Blocks:       buf,
			CacheLengths: append([]uint32(nil), cacheLengths...),
			LookupTable:  lookupTable,
			MaxLengths:   maxLengths,
		}
	}
	return &FetchOutputs{Ragged: out}, nil
}

// Step closes out the episode a prior Fetch opened: applies the generated
// tokens to each sequence's metadata, commits newly page-aligned prefixes
// into the shared trie, and advances the host-side cache_lengths ledger
// used as the next Fetch's prior_cache_length.
func (m *KVCacheManager) Step(seqIDsAndNewTokens map[SeqID][]int) error {
	order := sortedSeqIDs(seqIDsAndNewTokens)
	for _, seqID := range order {
		meta, ok := m.metas[seqID]
		if !ok {
			return ErrUnknownSequence(seqID)
		}
		fm, ok := m.fetchMeta[seqID]
		if !ok {
			return newErr(Protocol, "sequence %d has no outstanding fetch to step", seqID)
		}
		newTokens := seqIDsAndNewTokens[seqID]
		if int64(len(newTokens)) != fm.NumSteps {
			return newErr(Protocol, "sequence %d: step got %d tokens, fetch promised num_steps=%d",
				seqID, len(newTokens), fm.NumSteps)
		}
		if err := meta.StepApply(newTokens); err != nil {
			return err
		}
		freeFn := func(id BlockID) { m.pool.Free(id) }
		if err := m.prefix.Step(seqID, meta, freeFn); err != nil {
			return err
		}
		m.cacheLengths[seqID] += int64(len(fm.Prompt)) + fm.NumSteps - 1
		delete(m.fetchMeta, seqID)
	}
	return nil
}
