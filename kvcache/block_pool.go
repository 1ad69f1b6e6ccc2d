package kvcache

import (
	"github.com/sirupsen/logrus"
)

// BlockID identifies a fixed-size slab of KV storage, in [0, B).
type BlockID int64

// Evictor is the callback BlockPool uses to ask the prefix cache for more
// free blocks when its own free set is exhausted (§4.1). PrefixCache
// implements this; BlockPool never imports PrefixCache directly so the
// two components stay leaf-and-caller rather than mutually dependent.
type Evictor interface {
	EvictBlocks(desired int) []BlockID
}

// BlockPool owns the contiguous set of block ids [0, B) and hands them out
// on request, asking an Evictor to free up trie-held blocks when its own
// free list runs dry.
type BlockPool struct {
	total   int64
	free    []BlockID // stack; top of stack is free[len-1]
	freeSet map[BlockID]bool
}

// NewBlockPool creates a pool of `total` block ids, all initially free.
func NewBlockPool(total int64) *BlockPool {
	p := &BlockPool{
		total:   total,
		free:    make([]BlockID, total),
		freeSet: make(map[BlockID]bool, total),
	}
	// Lowest ids popped first keeps allocation order deterministic (§4.3
	// tie-break discipline extended to fresh allocation).
	for i := int64(0); i < total; i++ {
		id := BlockID(total - 1 - i)
		p.free[i] = id
		p.freeSet[id] = true
	}
	return p
}

// Total returns the pool's fixed capacity.
func (p *BlockPool) Total() int64 { return p.total }

// FreeCount returns the number of ids immediately available without eviction.
func (p *BlockPool) FreeCount() int64 { return int64(len(p.free)) }

// Alloc returns one block id, evicting from evictor one block at a time
// until the free list is non-empty or eviction is exhausted. Fails with
// OutOfBlocks if both are empty.
func (p *BlockPool) Alloc(evictor Evictor) (BlockID, error) {
	for len(p.free) == 0 {
		evicted := evictor.EvictBlocks(1)
		if len(evicted) == 0 {
			return 0, newErr(OutOfBlocks, "no free or evictable blocks remain")
		}
		for _, id := range evicted {
			p.pushFree(id)
		}
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	delete(p.freeSet, id)
	return id, nil
}

// Free returns a block id to the pool. Double-free is rejected: the pool
// tracks which ids are currently free and panics (a debug-build assertion
// per §4.1) if asked to free one twice.
func (p *BlockPool) Free(id BlockID) {
	if p.freeSet[id] {
		logrus.Panicf("kvcache: double free of block %d", id)
	}
	p.pushFree(id)
}

func (p *BlockPool) pushFree(id BlockID) {
	p.free = append(p.free, id)
	p.freeSet[id] = true
}
