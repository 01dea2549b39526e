package merkle

import (
	"sync"

	"github.com/hgnode/consensus-node/pkg/crypto"
)

// VirtualMap is a leaf-only sub-tree whose storage is off-heap: internal
// nodes above the leaves are derived on demand rather than stored, and
// FirstLeaf/LastLeaf bound the active leaf range. VirtualMap does not
// implement Node, so it is not itself installed as a CustomReconnectRoot;
// the Learning Synchronizer streams its leaf range with the two-phase
// pessimistic traversal when that range is queued with
// reconnect.Learner.EnqueueMap.
type VirtualMap struct {
	mu sync.RWMutex

	root       Path
	FirstLeaf  Path
	LastLeaf   Path
	source     DataSource
	hasher     crypto.Hasher

	// leafHash caches computed leaf hashes so repeated internal-hash
	// derivation doesn't re-read the data source; cleared on mutation.
	leafHash map[Path]crypto.Hash
}

// NewVirtualMap creates a VirtualMap rooted at root, covering the leaf
// range [firstLeaf, lastLeaf], backed by source.
func NewVirtualMap(root, firstLeaf, lastLeaf Path, source DataSource, hasher crypto.Hasher) *VirtualMap {
	return &VirtualMap{
		root:      root,
		FirstLeaf: firstLeaf,
		LastLeaf:  lastLeaf,
		source:    source,
		hasher:    hasher,
		leafHash:  make(map[Path]crypto.Hash),
	}
}

// Root returns the virtual map's root path in the complete binary embedding.
func (v *VirtualMap) Root() Path { return v.root }

// InRange reports whether path falls within the active leaf range.
func (v *VirtualMap) InRange(path Path) bool {
	return path >= v.FirstLeaf && path <= v.LastLeaf
}

// LeafHash returns the hash of the leaf at path, reading through to the
// data source and caching the result.
func (v *VirtualMap) LeafHash(path Path) (crypto.Hash, error) {
	v.mu.RLock()
	if h, ok := v.leafHash[path]; ok {
		v.mu.RUnlock()
		return h, nil
	}
	v.mu.RUnlock()

	data, err := v.source.LoadLeaf(path)
	if err != nil {
		return crypto.Hash{}, err
	}
	h := v.hasher.Sum(data)

	v.mu.Lock()
	v.leafHash[path] = h
	v.mu.Unlock()
	return h, nil
}

// PutLeaf writes the leaf at path and invalidates its cached hash.
func (v *VirtualMap) PutLeaf(path Path, data []byte) error {
	if err := v.source.SaveLeaf(path, data); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.leafHash, path)
	v.mu.Unlock()
	return nil
}

// InternalHash derives the hash of the internal node at path by reading
// (and recursively deriving) its two children. Used to compute the hash
// of virtual-map internal nodes that are not materialized in memory.
func (v *VirtualMap) InternalHash(path Path) (crypto.Hash, error) {
	left, right := path.Left(), path.Right()
	lh, err := v.childHash(left)
	if err != nil {
		return crypto.Hash{}, err
	}
	rh, err := v.childHash(right)
	if err != nil {
		return crypto.Hash{}, err
	}
	return v.hasher.Sum(lh[:], rh[:]), nil
}

func (v *VirtualMap) childHash(path Path) (crypto.Hash, error) {
	if path >= v.FirstLeaf {
		return v.LeafHash(path)
	}
	return v.InternalHash(path)
}
