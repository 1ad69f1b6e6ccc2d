package kvcache

import "container/heap"

// trieNodeID is an arena index, not an owning pointer — this sidesteps the
// cyclic parent/child references a node-pointer trie would need (§9
// "Cyclic references (trie parent/child)").
type trieNodeID int32

const noNode trieNodeID = -1

// trieNode is one edge+node pair: the page-aligned token run leading into
// it, the block holding that run's KV projections, and the refcount/LRU
// bookkeeping §4.3 requires. Root is the zero-value node with no tokens
// and no block.
type trieNode struct {
	parent   trieNodeID
	tokens   []int
	block    BlockID
	children map[int]trieNodeID // keyed by first token of the child's run
	users    map[SeqID]bool     // sequences currently marked as using this node
	refcount int
	lastUse  int64
	heapIdx  int // index into the evictable-leaf heap; -1 when absent
}

func (n *trieNode) isLeaf() bool { return len(n.children) == 0 }

// evictHeap orders evictable leaves by least-recently-used tick, tie-broken
// by lowest block id for deterministic eviction (§4.3).
type evictHeap struct {
	ids   []trieNodeID
	nodes []*trieNode // shared backing arena, indexed by trieNodeID
}

func (h evictHeap) Len() int { return len(h.ids) }
func (h evictHeap) Less(i, j int) bool {
	ni, nj := h.nodes[h.ids[i]], h.nodes[h.ids[j]]
	if ni.lastUse != nj.lastUse {
		return ni.lastUse < nj.lastUse
	}
	return ni.block < nj.block
}
func (h evictHeap) Swap(i, j int) {
	h.ids[i], h.ids[j] = h.ids[j], h.ids[i]
	h.nodes[h.ids[i]].heapIdx = i
	h.nodes[h.ids[j]].heapIdx = j
}
func (h *evictHeap) Push(x any) {
	id := x.(trieNodeID)
	h.nodes[id].heapIdx = len(h.ids)
	h.ids = append(h.ids, id)
}
func (h *evictHeap) Pop() any {
	old := h.ids
	n := len(old)
	id := old[n-1]
	h.ids = old[:n-1]
	h.nodes[id].heapIdx = -1
	return id
}

// RadixTrie indexes page-aligned block sequences over token runs, with
// per-node refcounting and LRU eviction (§4.3). Nodes live in an arena
// addressed by trieNodeID; the root is always id 0.
type RadixTrie struct {
	pageSize  int64
	nodes     []*trieNode
	freeSlots []trieNodeID
	tick      int64
	heap      *evictHeap
}

const trieRoot trieNodeID = 0

// NewRadixTrie creates an empty trie over page-aligned runs of pageSize tokens.
func NewRadixTrie(pageSize int64) *RadixTrie {
	t := &RadixTrie{pageSize: pageSize}
	t.heap = &evictHeap{nodes: nil}
	root := &trieNode{parent: noNode, children: map[int]trieNodeID{}, users: map[SeqID]bool{}, heapIdx: -1}
	t.nodes = append(t.nodes, root)
	t.heap.nodes = t.nodes
	return t
}

func (t *RadixTrie) node(id trieNodeID) *trieNode { return t.nodes[id] }

func (t *RadixTrie) nextTick() int64 {
	t.tick++
	return t.tick
}

// touch bumps a node's LRU tick and, if it is currently in the evict heap,
// repositions it.
func (t *RadixTrie) touch(id trieNodeID) {
	n := t.node(id)
	n.lastUse = t.nextTick()
	if n.heapIdx >= 0 {
		heap.Fix(t.heap, n.heapIdx)
	}
}

// addLeafIfEvictable pushes id onto the evict heap iff it is a non-root
// leaf with zero refcount and is not already present.
func (t *RadixTrie) addLeafIfEvictable(id trieNodeID) {
	if id == trieRoot {
		return
	}
	n := t.node(id)
	if n.refcount == 0 && n.isLeaf() && n.heapIdx < 0 {
		heap.Push(t.heap, id)
	}
}

func (t *RadixTrie) removeFromHeap(id trieNodeID) {
	n := t.node(id)
	if n.heapIdx >= 0 {
		heap.Remove(t.heap, n.heapIdx)
	}
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MatchPrefix greedily walks page-aligned chunks of tokens from `from`,
// returning the deepest node reached and the blocks collected along the
// way. A trailing run shorter than pageSize, or one that diverges from the
// existing edge, is not consumed (§4.3).
func (t *RadixTrie) MatchPrefix(tokens []int, from trieNodeID) (trieNodeID, []BlockID) {
	cur := from
	var blocks []BlockID
	pos := 0
	for pos+int(t.pageSize) <= len(tokens) {
		chunk := tokens[pos : pos+int(t.pageSize)]
		childID, ok := t.node(cur).children[chunk[0]]
		if !ok {
			break
		}
		child := t.node(childID)
		if !tokensEqual(child.tokens, chunk) {
			break
		}
		t.touch(childID)
		blocks = append(blocks, child.block)
		cur = childID
		pos += int(t.pageSize)
	}
	return cur, blocks
}

// Insert attaches page-aligned tokens/blocks as new trie edges rooted at
// `from`, returning the new deepest node plus any block ids the caller
// supplied that turned out to be superseded by an already-present edge
// with identical token content (§4.3: "reuses the existing blocks and the
// caller is responsible for freeing the superseded block ids").
func (t *RadixTrie) Insert(tokens []int, blocks []BlockID, from trieNodeID) (trieNodeID, []BlockID) {
	if len(tokens)%int(t.pageSize) != 0 || len(tokens)/int(t.pageSize) != len(blocks) {
		panic("kvcache: Insert requires len(tokens) a multiple of page_size matching len(blocks)")
	}
	cur := from
	var superseded []BlockID
	for i := 0; i*int(t.pageSize) < len(tokens); i++ {
		chunk := tokens[i*int(t.pageSize) : (i+1)*int(t.pageSize)]
		blk := blocks[i]
		parent := t.node(cur)
		if childID, ok := parent.children[chunk[0]]; ok {
			child := t.node(childID)
			if tokensEqual(child.tokens, chunk) {
				superseded = append(superseded, blk)
				t.touch(childID)
				cur = childID
				continue
			}
			// First-token collision with different content would violate
			// the one-child-per-first-token trie invariant (§9 open
			// question); this should never happen in normal operation.
			panic("kvcache: Insert found a child edge sharing a first token with different content")
		}
		wasLeaf := parent.isLeaf()
		id := t.allocNode()
		node := t.node(id)
		node.parent = cur
		node.tokens = append([]int(nil), chunk...)
		node.block = blk
		node.lastUse = t.nextTick()
		parent.children[chunk[0]] = id
		if wasLeaf {
			t.removeFromHeap(cur)
		}
		t.addLeafIfEvictable(id)
		cur = id
	}
	return cur, superseded
}

func (t *RadixTrie) allocNode() trieNodeID {
	if n := len(t.freeSlots); n > 0 {
		id := t.freeSlots[n-1]
		t.freeSlots = t.freeSlots[:n-1]
		t.nodes[id] = &trieNode{children: map[int]trieNodeID{}, users: map[SeqID]bool{}, heapIdx: -1}
		t.heap.nodes = t.nodes
		return id
	}
	id := trieNodeID(len(t.nodes))
	t.nodes = append(t.nodes, &trieNode{children: map[int]trieNodeID{}, users: map[SeqID]bool{}, heapIdx: -1})
	t.heap.nodes = t.nodes
	return id
}

// pathToRoot returns node ids from root to id inclusive.
func (t *RadixTrie) pathToRoot(id trieNodeID) []trieNodeID {
	var path []trieNodeID
	for cur := id; cur != noNode; cur = t.node(cur).parent {
		path = append([]trieNodeID{cur}, path...)
	}
	return path
}

// MarkInUseBy increments refcount once per (seqID, node-on-path) pair along
// root→node. Idempotent per sequence.
func (t *RadixTrie) MarkInUseBy(id trieNodeID, seqID SeqID) {
	for _, n := range t.pathToRoot(id) {
		if n == trieRoot {
			continue
		}
		node := t.node(n)
		if node.users[seqID] {
			continue
		}
		node.users[seqID] = true
		node.refcount++
		if node.refcount == 1 {
			t.removeFromHeap(n)
		}
	}
}

// MarkNotInUseBy decrements symmetrically to MarkInUseBy.
func (t *RadixTrie) MarkNotInUseBy(id trieNodeID, seqID SeqID) {
	for _, n := range t.pathToRoot(id) {
		if n == trieRoot {
			continue
		}
		node := t.node(n)
		if !node.users[seqID] {
			continue
		}
		delete(node.users, seqID)
		node.refcount--
		if node.refcount == 0 {
			t.addLeafIfEvictable(n)
		}
	}
}

// EvictBlocks selects evictable leaves by LRU, detaches them, and returns
// their block ids, evicting ancestors that become evictable leaves in
// turn. Never evicts a refcount>0 node. Returns as many as possible if
// desired exceeds the evictable count (§9 open question resolution).
func (t *RadixTrie) EvictBlocks(desired int) []BlockID {
	var out []BlockID
	for len(out) < desired && t.heap.Len() > 0 {
		id := heap.Pop(t.heap).(trieNodeID)
		node := t.node(id)
		out = append(out, node.block)
		parent := t.node(node.parent)
		delete(parent.children, node.tokens[0])
		t.freeNode(id)
		if node.parent != noNode {
			t.addLeafIfEvictable(node.parent)
		}
	}
	return out
}

func (t *RadixTrie) freeNode(id trieNodeID) {
	t.freeSlots = append(t.freeSlots, id)
	t.nodes[id] = nil
}

// FindBlockWithLargestCommonPrefix looks at the direct child of `from`
// keyed by candidate[0] and reports its block id plus the shared-prefix
// length k, provided 0 < k < page_size (a strictly partial match). The
// trie invariant that only one child shares a given first token means
// this is the only candidate worth comparing (§4.3, §9).
func (t *RadixTrie) FindBlockWithLargestCommonPrefix(from trieNodeID, candidate []int) (BlockID, int, bool) {
	if len(candidate) == 0 {
		return 0, 0, false
	}
	childID, ok := t.node(from).children[candidate[0]]
	if !ok {
		return 0, 0, false
	}
	child := t.node(childID)
	k := 0
	for k < len(child.tokens) && k < len(candidate) && child.tokens[k] == candidate[k] {
		k++
	}
	if k <= 0 || k >= int(t.pageSize) {
		return 0, 0, false
	}
	return child.block, k, true
}

// AllBlocks returns every block id currently committed into the trie.
func (t *RadixTrie) AllBlocks() []BlockID {
	var out []BlockID
	for id, n := range t.nodes {
		if trieNodeID(id) == trieRoot || n == nil {
			continue
		}
		out = append(out, n.block)
	}
	return out
}

// EvictableBlocks returns block ids currently sitting in the evict heap.
func (t *RadixTrie) EvictableBlocks() []BlockID {
	out := make([]BlockID, 0, t.heap.Len())
	for _, id := range t.heap.ids {
		out = append(out, t.node(id).block)
	}
	return out
}

// Root returns the trie's root node id, the starting point for a newly
// claimed sequence's current-node cursor.
func (t *RadixTrie) Root() trieNodeID { return trieRoot }
