// Package reconnect implements the Learning Synchronizer by which
// a catching-up node (learner) re-acquires a Merkle state from a teacher
// over one multiplexed bidirectional stream, with up to N concurrently
// active per-subtree views. Large virtual-map subtrees use a two-phase
// pessimistic traversal instead of the default push view.
//
// Grounded on the teacher's trie-sync dependency scheduler (pkg/sync/
// {trie_sync.go,state_sync.go,snap_sync.go}), generalized from a
// hash-request/response download queue to a stub-based dirty/clean
// protocol.
package reconnect

import (
	"github.com/hgnode/consensus-node/pkg/merkle"
)

// MinChunkRankExp is the floor exponent of the chunk count: ChunkCount
// always returns a power of two no smaller than 2^MinChunkRankExp.
const (
	MinChunkRankExp = 12
)

// ChunkCount chooses the traversal's chunk count for a virtual map whose
// leaf-parent rank is leafParentRank, clamped into
// [2^MinChunkRankExp, 2^(leafParentRank/2)] with a floor of 2^MinChunkRankExp.
func ChunkCount(leafParentRank int) int {
	maxExp := leafParentRank / 2
	if maxExp < MinChunkRankExp {
		maxExp = MinChunkRankExp
	}
	return 1 << uint(maxExp)
}

// chunk tracks one equal-width slice of internal nodes under traversal.
type chunk struct {
	startRank int
	// deque of paths to check next, served FIFO from the front; climbing
	// (a clean left child pushes its parent) pushes to the front, while a
	// dirty chunk-start left sibling push goes to the back ("Serve from the deque first ... push its parent onto the
	// deque head (climb) ... push the right sibling onto the deque tail").
	deque []merkle.Path
	// pessimisticNext is the next left-sibling fallback path at
	// startRank once the deque runs dry.
	pessimisticNext merkle.Path
	exhausted       bool
}

func (c *chunk) popFront() (merkle.Path, bool) {
	if len(c.deque) == 0 {
		return 0, false
	}
	p := c.deque[0]
	c.deque = c.deque[1:]
	return p, true
}

func (c *chunk) pushFront(p merkle.Path) { c.deque = append([]merkle.Path{p}, c.deque...) }
func (c *chunk) pushBack(p merkle.Path)  { c.deque = append(c.deque, p) }

// nextPessimistic returns the next pessimistic path to probe once the
// deque is empty: the next left sibling walking leftward along
// startRank, or false once the chunk's left boundary is exhausted.
func (c *chunk) nextPessimistic(leftBound merkle.Path) (merkle.Path, bool) {
	if c.pessimisticNext < leftBound {
		return 0, false
	}
	p := c.pessimisticNext
	if p.IsLeftChild() {
		if p >= 2 {
			c.pessimisticNext = p - 2
		} else {
			c.pessimisticNext = 0
		}
	} else {
		c.pessimisticNext = p - 1
	}
	return p, true
}

// Traversal drives the two-phase pessimistic policy over a virtual map
// with first-leaf path F and last-leaf path L.
type Traversal struct {
	firstLeaf merkle.Path
	lastLeaf  merkle.Path

	chunks    []*chunk
	cleanCache map[merkle.Path]bool

	phase        int // 0 = internals, 1 = leaves
	leafCursor   merkle.Path
	leafCursorSet bool
}

// NewTraversal builds a Traversal for the leaf range [firstLeaf, lastLeaf].
// leafParentRank is the rank of the row directly above the leaves, used to
// choose the chunk count.
func NewTraversal(firstLeaf, lastLeaf merkle.Path, leafParentRank int) *Traversal {
	count := ChunkCount(leafParentRank)
	startRank := leafParentRank
	// Each chunk's start-rank is either leaf-parent-rank or first-leaf-rank,
	// chosen so the chunk is full width; if there are more chunks than
	// nodes at leafParentRank, fall back to first-leaf's rank.
	if count > (1 << uint(leafParentRank)) {
		startRank = firstLeaf.Rank()
	}

	width := (1 << uint(startRank)) / count
	if width < 1 {
		width = 1
		count = 1 << uint(startRank)
	}

	base := merkle.Path(1) << uint(startRank)
	chunks := make([]*chunk, count)
	for i := 0; i < count; i++ {
		start := base + merkle.Path(i*width)
		chunks[i] = &chunk{startRank: startRank, deque: []merkle.Path{start}, pessimisticNext: start}
	}

	return &Traversal{
		firstLeaf:  firstLeaf,
		lastLeaf:   lastLeaf,
		chunks:     chunks,
		cleanCache: make(map[merkle.Path]bool),
	}
}

// NextInternal returns the next internal-node path to request in phase 1.
// Chunks are served in index order: the first chunk that is not exhausted
// serves from its deque, then from its pessimistic probes, before any
// later chunk is served. Returns ok=false once phase 1 is exhausted.
func (t *Traversal) NextInternal() (path merkle.Path, chunkIdx int, ok bool) {
	for i, c := range t.chunks {
		if c.exhausted {
			continue
		}
		if p, has := c.popFront(); has {
			return p, i, true
		}
		leftBound := merkle.Path(1)<<uint(c.startRank) + merkle.Path(i)*merkle.Path((1<<uint(c.startRank))/len(t.chunks))
		if p, has := c.nextPessimistic(leftBound); has {
			return p, i, true
		}
		c.exhausted = true
	}
	return 0, -1, false
}

// internalsExhausted reports whether every chunk has no more work.
func (t *Traversal) internalsExhausted() bool {
	for _, c := range t.chunks {
		if !c.exhausted || len(c.deque) > 0 {
			return false
		}
	}
	return true
}

// OnClean records that path was reported clean by the teacher. Per
// cache it, and if path is a left child, push its parent
// onto the owning chunk's deque head (climb).
func (t *Traversal) OnClean(path merkle.Path, chunkIdx int) {
	t.cleanCache[path] = true
	// Keep the cache lean: a newly clean node makes its children's cache
	// entries redundant.
	delete(t.cleanCache, path.Left())
	delete(t.cleanCache, path.Right())

	if path.IsLeftChild() && chunkIdx >= 0 {
		t.chunks[chunkIdx].pushFront(path.Parent())
	}
}

// OnDirty records that path was reported dirty. If path is at its chunk's
// start rank and is a left child, the right sibling is pushed onto the
// deque tail.
func (t *Traversal) OnDirty(path merkle.Path, chunkIdx int) {
	if chunkIdx < 0 {
		return
	}
	c := t.chunks[chunkIdx]
	if path.Rank() == c.startRank && path.IsLeftChild() {
		c.pushBack(path.Sibling())
	}
}

// NextLeaf returns the next leaf path to request in phase 2, skipping any
// leaf with an ancestor in the clean cache. Returns ok=false once the
// range [firstLeaf, lastLeaf] is exhausted.
func (t *Traversal) NextLeaf() (path merkle.Path, ok bool) {
	if !t.leafCursorSet {
		t.leafCursor = t.firstLeaf
		t.leafCursorSet = true
	}
	for t.leafCursor <= t.lastLeaf {
		p := t.leafCursor
		t.leafCursor++
		if t.ancestorClean(p) {
			continue
		}
		return p, true
	}
	return 0, false
}

func (t *Traversal) ancestorClean(p merkle.Path) bool {
	for cur := p.Parent(); cur != 0; cur = cur.Parent() {
		if t.cleanCache[cur] {
			return true
		}
	}
	return false
}

// Done reports whether the whole traversal (both phases) has completed.
func (t *Traversal) Done() bool {
	if !t.internalsExhausted() {
		return false
	}
	_, ok := t.NextLeaf()
	return !ok
}
