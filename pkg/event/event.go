// Package event implements the hashgraph event model: construction,
// hashing, signing, and the deterministic wire encoding exchanged over
// gossip and reconnect.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/roster"
)

// Errors returned by event construction and verification.
var (
	ErrInvalidTimestamp = errors.New("event: timestamp not monotonic for creator")
	ErrOversizedEvent   = errors.New("event: transaction payload exceeds size bound")
	ErrInvalidSignature = errors.New("event: signature does not verify")
	ErrUnknownCreator   = errors.New("event: creator not present in roster")
	ErrInvalidParent    = errors.New("event: parent descriptor invalid for this event")
)

// Descriptor is a compact reference to an event: {hash, creator, birth
// round, generation}. Identity is the hash.
type Descriptor struct {
	Hash       crypto.Hash
	Creator    uuid.UUID
	BirthRound uint64
	Generation uint64
}

// Event is an immutable hashgraph event record.
type Event struct {
	Creator      uuid.UUID
	SelfParent   *Descriptor
	OtherParents []Descriptor
	Timestamp    time.Time
	Transactions [][]byte
	BirthRound   uint64
	Generation   uint64

	Hash      crypto.Hash
	Signature []byte
}

// Descriptor returns the compact descriptor view of this event.
func (e *Event) Descriptor() Descriptor {
	return Descriptor{
		Hash:       e.Hash,
		Creator:    e.Creator,
		BirthRound: e.BirthRound,
		Generation: e.Generation,
	}
}

// MaxTransactionBytes bounds the total size of an event's transaction
// payloads. Configurable by callers that need a different bound; the
// default matches a conservative gossip frame budget.
const MaxTransactionBytes = 6 * 1024 * 1024

// Build constructs a new Event from its constituent fields, deriving
// generation and checking the transaction size bound and the self-parent's
// creator. It does not check timestamps; CheckTimestampMonotonic does. The
// hash is computed but the event is left unsigned; call Sign to produce the
// final signed record.
func Build(
	creator uuid.UUID,
	selfParent *Descriptor,
	otherParents []Descriptor,
	transactions [][]byte,
	birthRound uint64,
	timestamp time.Time,
	hasher crypto.Hasher,
) (*Event, error) {
	var totalBytes int
	for _, tx := range transactions {
		totalBytes += len(tx)
	}
	if totalBytes > MaxTransactionBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedEvent, totalBytes)
	}

	generation := uint64(0)
	if selfParent != nil {
		if selfParent.Creator != creator {
			return nil, fmt.Errorf("%w: self-parent creator mismatch", ErrInvalidParent)
		}
		if selfParent.Generation+1 > generation {
			generation = selfParent.Generation + 1
		}
	}
	for _, op := range otherParents {
		if op.Generation+1 > generation {
			generation = op.Generation + 1
		}
	}

	e := &Event{
		Creator:      creator,
		SelfParent:   selfParent,
		OtherParents: append([]Descriptor(nil), otherParents...),
		Timestamp:    timestamp,
		Transactions: transactions,
		BirthRound:   birthRound,
		Generation:   generation,
	}

	if hasher == nil {
		hasher = crypto.DefaultHasher()
	}
	e.Hash = Hash(e, hasher)
	return e, nil
}

// RecomputeGeneration derives e.Generation from resolved parent
// descriptors, used after Decode since generation is never carried on the
// wire ("Generation is derived, never user-supplied").
func RecomputeGeneration(e *Event) {
	generation := uint64(0)
	if e.SelfParent != nil && e.SelfParent.Generation+1 > generation {
		generation = e.SelfParent.Generation + 1
	}
	for _, op := range e.OtherParents {
		if op.Generation+1 > generation {
			generation = op.Generation + 1
		}
	}
	e.Generation = generation
}

// CheckTimestampMonotonic enforces that e's timestamp is strictly after its
// self-parent's timestamp by at least one nanosecond per transaction the
// self-parent carried.
func CheckTimestampMonotonic(e *Event, selfParentTimestamp time.Time, selfParentTxCount int) error {
	if e.SelfParent == nil {
		return nil
	}
	minDelta := time.Duration(selfParentTxCount) * time.Nanosecond
	if minDelta < time.Nanosecond {
		minDelta = time.Nanosecond
	}
	if !e.Timestamp.After(selfParentTimestamp.Add(minDelta - time.Nanosecond)) {
		return fmt.Errorf("%w: creator %s", ErrInvalidTimestamp, e.Creator)
	}
	return nil
}

// Sign computes the signature over e.Hash using signFn, a caller-supplied
// signing function bound to the creator's private key material. The
// signature's length (48 or 64 bytes) reflects the active signature scheme.
func Sign(e *Event, signFn func(msg []byte) ([]byte, error)) error {
	sig, err := signFn(e.Hash[:])
	if err != nil {
		return fmt.Errorf("event: sign: %w", err)
	}
	e.Signature = sig
	return nil
}

// Verify checks e's signature against the creator's registered signing key
// in the roster at e's birth round, using verifyFn (bound to the concrete
// signature scheme in use: default or BLS).
func Verify(e *Event, r *roster.Roster, verifyFn func(pubkey, msg, sig []byte) bool, pubkey []byte) error {
	if _, err := r.Member(e.Creator); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCreator, e.Creator)
	}
	if len(e.Signature) == 0 || !verifyFn(pubkey, e.Hash[:], e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
