package reconnect

import (
	"github.com/hgnode/consensus-node/pkg/gossip"
	"github.com/hgnode/consensus-node/pkg/rlp"
)

// MessageKind tags the body of a reconnect Frame payload, mirroring the
// gossip package's PayloadKind idiom (pkg/gossip/frame.go) but scoped to
// the learner/teacher stub protocol.
type MessageKind uint8

const (
	// KindQuery asks the teacher to report the node at Path: clean (the
	// learner's existing copy, if any, already matches) or dirty
	// (attached payload follows).
	KindQuery MessageKind = iota
	// KindClean answers a query: the learner's assumed hash at Path matched.
	KindClean
	// KindNode answers a query with the actual node contents (internal
	// node's two child hashes, or a leaf's key/value).
	KindNode
	// KindViewDone signals that a view's subtree is fully synced.
	KindViewDone
	// KindAbort cancels a view or the whole session.
	KindAbort
)

// wireQuery requests path, optionally asserting the learner's guess at its
// hash: the learner sends its current hash at that position, and the
// teacher replies CLEAN if it matches, or with the full node otherwise.
type wireQuery struct {
	Path        uint64
	AssumedHash []byte
	HasAssumed  bool
}

// wireNode carries one internal node's two child hashes, or a leaf's
// key/value, keyed by IsLeaf.
type wireNode struct {
	Path     uint64
	IsLeaf   bool
	LeftHash []byte
	RightHash []byte
	Key      []byte
	Value    []byte
}

// Message is one decoded reconnect protocol message plus its ViewID,
// reusing the gossip package's multiplexed Frame envelope: the same
// {view_id, length, bytes} layout as a gossip Frame.
type Message struct {
	ViewID int32
	Kind   MessageKind
	Query  *wireQuery
	Node   *wireNode
}

type wireEnvelope struct {
	Kind MessageKind
	Body []byte
}

// EncodeMessage serializes m into a gossip.Frame ready for transport.
func EncodeMessage(m Message) (gossip.Frame, error) {
	var body []byte
	var err error
	switch m.Kind {
	case KindQuery:
		body, err = rlp.EncodeToBytes(m.Query)
	case KindNode:
		body, err = rlp.EncodeToBytes(m.Node)
	case KindClean, KindViewDone, KindAbort:
		body = nil
	}
	if err != nil {
		return gossip.Frame{}, err
	}
	env, err := rlp.EncodeToBytes(&wireEnvelope{Kind: m.Kind, Body: body})
	if err != nil {
		return gossip.Frame{}, err
	}
	return gossip.Frame{ViewID: m.ViewID, Payload: env}, nil
}

// DecodeMessage parses a gossip.Frame produced by EncodeMessage.
func DecodeMessage(f gossip.Frame) (Message, error) {
	var env wireEnvelope
	if err := rlp.DecodeBytes(f.Payload, &env); err != nil {
		return Message{}, err
	}
	m := Message{ViewID: f.ViewID, Kind: env.Kind}
	switch env.Kind {
	case KindQuery:
		var q wireQuery
		if err := rlp.DecodeBytes(env.Body, &q); err != nil {
			return Message{}, err
		}
		m.Query = &q
	case KindNode:
		var n wireNode
		if err := rlp.DecodeBytes(env.Body, &n); err != nil {
			return Message{}, err
		}
		m.Node = &n
	}
	return m, nil
}
