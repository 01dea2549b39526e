package merkle

import (
	"testing"

	"github.com/hgnode/consensus-node/pkg/crypto"
)

func TestReserveReleaseConservation(t *testing.T) {
	hasher := crypto.DefaultHasher()
	left := NewLeaf(4, []byte("k1"), []byte("v1"), hasher)
	right := NewLeaf(5, []byte("k2"), []byte("v2"), hasher)
	root := NewInternal(2, left, right)
	root.Rehash(hasher)

	// Construction already reserved the children on root's behalf.
	if left.Reservations() != 1 || right.Reservations() != 1 {
		t.Fatalf("children should be reserved by their new parent: left=%d right=%d", left.Reservations(), right.Reservations())
	}

	// An external holder (e.g. a SignedState) reserves the root directly.
	root.Reserve()
	if root.Reservations() != 1 {
		t.Fatalf("root reservations: got %d, want 1", root.Reservations())
	}

	root.Release()
	if root.Reservations() != 0 {
		t.Fatal("root should be fully released")
	}
	if left.Reservations() != 0 || right.Reservations() != 0 {
		t.Fatal("releasing the last reservation on root must cascade to its children")
	}
}

func TestCopyFreezesSourceAndSharesChildren(t *testing.T) {
	hasher := crypto.DefaultHasher()
	leaf := NewLeaf(2, []byte("k"), []byte("v"), hasher)
	root := NewInternal(1, leaf, nil)
	root.Rehash(hasher)

	cp := root.Copy()
	if !root.Immutable() {
		t.Fatal("source must become immutable after Copy")
	}
	if cp.Immutable() {
		t.Fatal("copy must start mutable")
	}
	if cp.Left != root.Left {
		t.Fatal("copy should share the same child pointer")
	}
}

func TestSetValueRejectedOnImmutableLeaf(t *testing.T) {
	hasher := crypto.DefaultHasher()
	leaf := NewLeaf(2, []byte("k"), []byte("v1"), hasher)
	_ = leaf.Copy()
	if err := leaf.SetValue([]byte("v2"), hasher); err != ErrImmutable {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestTreeHashStableAcrossCalls(t *testing.T) {
	hasher := crypto.DefaultHasher()
	left := NewLeaf(4, []byte("a"), []byte("1"), hasher)
	right := NewLeaf(5, []byte("b"), []byte("2"), hasher)
	root := NewInternal(2, left, right)
	tree := NewTree(root, hasher)

	h1 := tree.Hash()
	h2 := tree.Hash()
	if h1 != h2 {
		t.Fatal("hash must be stable once assigned")
	}
	if h1.IsZero() {
		t.Fatal("hash must not be zero")
	}
}

func TestPathNavigation(t *testing.T) {
	p := Path(6) // binary 110: parent 3, rank 2, left child of 3 (6 = 2*3)
	if p.Parent() != 3 {
		t.Fatalf("parent: got %d, want 3", p.Parent())
	}
	if !p.IsLeftChild() {
		t.Fatal("path 6 is a left child")
	}
	if p.Sibling() != 7 {
		t.Fatalf("sibling: got %d, want 7", p.Sibling())
	}
	if p.Rank() != 2 {
		t.Fatalf("rank: got %d, want 2", p.Rank())
	}
}
