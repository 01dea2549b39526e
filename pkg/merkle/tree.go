package merkle

import "github.com/hgnode/consensus-node/pkg/crypto"

// Tree is a reserved handle on one Merkle root: the unit a Signed State
// wraps. Hashing walks the
// tree bottom-up, so Hash is only meaningful after every Internal node's
// children are final.
type Tree struct {
	Root   Node
	hasher crypto.Hasher
}

// NewTree wraps root for hashing and reservation management.
func NewTree(root Node, hasher crypto.Hasher) *Tree {
	return &Tree{Root: root, hasher: hasher}
}

// Hash recomputes and returns the hash of the whole tree, recursing through
// unhashed Internal nodes. Leaf hashes are already final at construction.
func (t *Tree) Hash() crypto.Hash {
	return t.hashNode(t.Root)
}

func (t *Tree) hashNode(n Node) crypto.Hash {
	switch v := n.(type) {
	case nil:
		return crypto.Hash{}
	case *Leaf:
		return v.Hash()
	case *Internal:
		if v.HasCustomReconnect() {
			// A custom-reconnect subtree (virtual map) owns its own
			// hashing scheme; its cached hash is already authoritative.
			return v.Hash()
		}
		_ = t.hashNode(v.Left)
		_ = t.hashNode(v.Right)
		v.Rehash(t.hasher)
		return v.Hash()
	default:
		return crypto.Hash{}
	}
}

// Reserve pins the whole tree against eviction.
func (t *Tree) Reserve() {
	if t.Root != nil {
		t.Root.Reserve()
	}
}

// Release drops the tree's reservation, cascading to children at zero.
func (t *Tree) Release() {
	if t.Root != nil {
		t.Root.Release()
	}
}
