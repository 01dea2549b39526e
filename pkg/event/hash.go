package event

import (
	"time"

	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/rlp"
)

func timestampFromWire(sec int64, ns int32) time.Time {
	return time.Unix(sec, int64(ns)).UTC()
}

// wireDescriptor is the RLP shape of a Descriptor as it appears inside a
// parent list: {hash bytes, creator, birth_round}. Generation is derived
// locally by the receiver and is not carried on the wire.
type wireDescriptor struct {
	Hash       []byte
	Creator    []byte
	BirthRound uint64
}

// wireEvent is the deterministic length-prefixed encoding covering every
// field except the signature and hash themselves, matching the legacy
// protobuf schema's field numbering for interoperability.
type wireEvent struct {
	Creator      []byte
	SelfParent   []wireDescriptor
	OtherParents []wireDescriptor
	TimestampSec int64
	TimestampNs  int32
	Transactions [][]byte
	BirthRound   uint64
}

func toWireDescriptor(d Descriptor) wireDescriptor {
	return wireDescriptor{
		Hash:       d.Hash[:],
		Creator:    d.Creator[:],
		BirthRound: d.BirthRound,
	}
}

// encodeForHash renders e's hashed fields into the deterministic RLP
// encoding used both as the hash preimage and as the wire format exchanged
// over gossip.
func encodeForHash(e *Event) []byte {
	w := wireEvent{
		Creator:      e.Creator[:],
		TimestampSec: e.Timestamp.Unix(),
		TimestampNs:  int32(e.Timestamp.Nanosecond()),
		Transactions: e.Transactions,
		BirthRound:   e.BirthRound,
	}
	if e.SelfParent != nil {
		w.SelfParent = []wireDescriptor{toWireDescriptor(*e.SelfParent)}
	}
	for _, op := range e.OtherParents {
		w.OtherParents = append(w.OtherParents, toWireDescriptor(op))
	}
	b, err := rlp.EncodeToBytes(w)
	if err != nil {
		// Every field type here is RLP-encodable; a failure means the
		// encoder itself is broken, not that the input is bad.
		panic("event: encodeForHash: " + err.Error())
	}
	return b
}

// Hash computes e's identity hash over every field except the signature,
// using the supplied Hasher: collision-resistant, 384-bit by default,
// and pluggable.
func Hash(e *Event, hasher crypto.Hasher) crypto.Hash {
	return hasher.Sum(encodeForHash(e))
}

// Encode renders e as the deterministic wire encoding
// including the hash and signature trailers.
func Encode(e *Event) ([]byte, error) {
	type wire struct {
		Body      []byte
		Hash      []byte
		Signature []byte
	}
	return rlp.EncodeToBytes(wire{
		Body:      encodeForHash(e),
		Hash:      e.Hash[:],
		Signature: e.Signature,
	})
}

// Decode parses an event previously produced by Encode. The event's
// Generation field is not transmitted; callers must derive it via
// RecomputeGeneration once parent descriptors are resolved against a local
// index (shadow graph or tipset tracker).
func Decode(b []byte) (*Event, error) {
	type wire struct {
		Body      []byte
		Hash      []byte
		Signature []byte
	}
	var w wire
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, err
	}
	var body wireEvent
	if err := rlp.DecodeBytes(w.Body, &body); err != nil {
		return nil, err
	}

	e := &Event{
		Timestamp:    timestampFromWire(body.TimestampSec, body.TimestampNs),
		Transactions: body.Transactions,
		BirthRound:   body.BirthRound,
		Hash:         crypto.BytesToHash(w.Hash),
		Signature:    w.Signature,
	}
	copy(e.Creator[:], body.Creator)
	if len(body.SelfParent) == 1 {
		d := fromWireDescriptor(body.SelfParent[0])
		e.SelfParent = &d
	}
	for _, op := range body.OtherParents {
		e.OtherParents = append(e.OtherParents, fromWireDescriptor(op))
	}
	return e, nil
}

func fromWireDescriptor(w wireDescriptor) Descriptor {
	d := Descriptor{
		Hash:       crypto.BytesToHash(w.Hash),
		BirthRound: w.BirthRound,
	}
	copy(d.Creator[:], w.Creator)
	return d
}
