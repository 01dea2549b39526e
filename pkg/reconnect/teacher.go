package reconnect

import (
	"errors"

	"github.com/hgnode/consensus-node/pkg/merkle"
)

// ErrUnexpectedKind is returned by Teacher.Answer when given a non-query
// message.
var ErrUnexpectedKind = errors.New("reconnect: teacher expected a query message")

// Source is the teacher-side view onto the Merkle tree being served: a
// read-only lookup by Path, used to answer learner queries without
// exposing the whole Tree/VirtualMap type to this package.
type Source interface {
	// NodeAt returns the node at path, or ok=false if path does not exist
	// in this tree (the learner asked past a subtree's frontier).
	NodeAt(path merkle.Path) (node merkle.Node, ok bool)
}

// Teacher answers a Learner's queries for one session, implementing the
// push-view default protocol: for each query, reply CLEAN if the
// learner's assumed hash already matches, otherwise send the full node
// (internal: child hashes; leaf: key/value) so the learner can recurse.
//
// Grounded on the teacher's trie-sync server-side responder pattern
// (pkg/sync/range_proof.go's "answer what's asked, let the requester
// drive the schedule"), adapted from Merkle range proofs to a per-node
// clean/dirty stub exchange.
type Teacher struct {
	source Source
}

// NewTeacher creates a Teacher serving source.
func NewTeacher(source Source) *Teacher {
	return &Teacher{source: source}
}

// Answer produces the response to one inbound query message.
func (t *Teacher) Answer(msg Message) (Message, error) {
	if msg.Kind != KindQuery {
		return Message{}, ErrUnexpectedKind
	}
	path := merkle.Path(msg.Query.Path)
	node, ok := t.source.NodeAt(path)
	if !ok {
		return Message{ViewID: msg.ViewID, Kind: KindViewDone}, nil
	}

	if msg.Query.HasAssumed {
		h := node.Hash()
		if len(msg.Query.AssumedHash) == len(h) && bytesEqual(msg.Query.AssumedHash, h[:]) {
			return Message{ViewID: msg.ViewID, Kind: KindClean}, nil
		}
	}

	wn := &wireNode{Path: uint64(path)}
	switch n := node.(type) {
	case *merkle.Internal:
		if n.Left != nil {
			lh := n.Left.Hash()
			wn.LeftHash = lh[:]
		}
		if n.Right != nil {
			rh := n.Right.Hash()
			wn.RightHash = rh[:]
		}
	case *merkle.Leaf:
		wn.IsLeaf = true
		wn.Key = n.Key
		wn.Value = n.Value
	}
	return Message{ViewID: msg.ViewID, Kind: KindNode, Node: wn}, nil
}

func bytesEqual(a, b []byte) bool {
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
