package kvcache

// BlockBuffer is the per-device block storage handle passed through to the
// attention kernel. Its content and layout are opaque to the manager (§3
// "Content-opaque to the manager; only the attention kernel reads/writes
// it") — the manager only ever forwards the handle it was constructed with.
type BlockBuffer any

// RaggedInputs is the ragged-variant tensor bundle of §6, for one device.
type RaggedInputs struct {
	Blocks       BlockBuffer
	CacheLengths []uint32   // [batch]
	LookupTable  [][]uint32 // [batch][max_blocks_per_seq]
	MaxLengths   [][2]uint32 // [num_steps][2]: (max prompt length, max cache length) per step
}

// PaddedInputs is the legacy padded-variant tensor bundle of §6, for one device.
type PaddedInputs struct {
	KCache   BlockBuffer
	VCache   BlockBuffer
	StartPos int64
	NullOp   BlockBuffer
}

// FetchOutputs holds whichever tensor bundle a Fetch call produced,
// selected by KVCacheParams.CacheStrategy: Ragged for StrategyPaged,
// Padded for StrategyContinuous. Exactly one of the two is non-nil.
type FetchOutputs struct {
	Ragged []*RaggedInputs
	Padded []*PaddedInputs
}

// buildLookupTable right-pads each sequence's block list with zero to
// maxBlocksPerSeq, the shape the ragged kernel expects.
func buildLookupTable(order []SeqID, metas map[SeqID]*PagedCacheMetadata) [][]uint32 {
	maxBlocks := 0
	for _, id := range order {
		if n := len(metas[id].Blocks); n > maxBlocks {
			maxBlocks = n
		}
	}
	table := make([][]uint32, len(order))
	for i, id := range order {
		row := make([]uint32, maxBlocks)
		for j, b := range metas[id].Blocks {
			row[j] = uint32(b)
		}
		table[i] = row
	}
	return table
}

// buildMaxLengths fills row 0 with (max prompt length, max prior cache
// length) and rows 1..numSteps-1 with (1, maxPriorCacheLength+maxPrompt+i-1)
// — each decode step feeds one token per sequence, and the cache has grown
// by the prompt plus the tokens of the earlier decode steps (§6, consumed
// row-by-row via max_lengths[1:,:] by the caller between steps).
func buildMaxLengths(numSteps int64, prompts map[SeqID][]int, priorCacheLengths map[SeqID]int64, order []SeqID) [][2]uint32 {
	var maxPrompt, maxCache int64
	for _, id := range order {
		if n := int64(len(prompts[id])); n > maxPrompt {
			maxPrompt = n
		}
		if c := priorCacheLengths[id]; c > maxCache {
			maxCache = c
		}
	}
	rows := make([][2]uint32, numSteps)
	rows[0] = [2]uint32{uint32(maxPrompt), uint32(maxCache)}
	for i := int64(1); i < numSteps; i++ {
		rows[i] = [2]uint32{1, uint32(maxCache + maxPrompt + i - 1)}
	}
	return rows
}

// buildPaddedInputs assembles the legacy padded-variant bundle for each
// device. The padded kernel contract (§6) carries a single start_pos per
// call rather than a per-row cache_lengths tensor, so start_pos is the
// batch's maximum prior cache length — the padding point every row in the
// batch's [B, S] token grid shares. k_cache/v_cache reuse the same opaque
// per-device buffer handle (§3: block content is opaque to the manager);
// null_op has no simulated backing value.
func buildPaddedInputs(blockBuffers []BlockBuffer, order []SeqID, priorCacheLengths map[SeqID]int64) []*PaddedInputs {
	var maxStart int64
	for _, id := range order {
		if c := priorCacheLengths[id]; c > maxStart {
			maxStart = c
		}
	}
	out := make([]*PaddedInputs, len(blockBuffers))
	for i, buf := range blockBuffers {
		out[i] = &PaddedInputs{KCache: buf, VCache: buf, StartPos: maxStart}
	}
	return out
}
