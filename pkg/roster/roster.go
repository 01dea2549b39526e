// Package roster holds the weighted membership list that gossip, event
// verification, and the signed-state manager all index against.
package roster

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Member describes one participant in the consensus roster.
type Member struct {
	// NodeID uniquely identifies the member.
	NodeID uuid.UUID
	// Weight is the member's consensus weight. Zero-weight members are
	// still valid event creators and other-parents.
	Weight uint64
	// SigningCert is the member's agreement certificate, used both to
	// verify event/state signatures and to authenticate inbound gossip
	// connections (see pkg/gossip's peer identification).
	SigningCert *x509.Certificate
	// Endpoint is the host:port the member's gossip server listens on.
	Endpoint string
}

var (
	// ErrUnknownCreator is returned when a member lookup misses.
	ErrUnknownCreator = errors.New("roster: unknown member")
	// ErrDuplicateMember is returned by New when two members share a NodeID.
	ErrDuplicateMember = errors.New("roster: duplicate member")
)

// Roster is an ordered, immutable-once-published list of Members. A new
// Roster value is built for each transition; Snapshot's atomic publish
// lets readers observe a consistent view without locking on the hot path.
type Roster struct {
	Round   uint64
	Members []Member

	byID map[uuid.UUID]*Member
}

// New builds a Roster from members, indexing them by NodeID. Returns
// ErrDuplicateMember if two members share a NodeID.
func New(round uint64, members []Member) (*Roster, error) {
	byID := make(map[uuid.UUID]*Member, len(members))
	out := make([]Member, len(members))
	for i, m := range members {
		if _, exists := byID[m.NodeID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.NodeID)
		}
		out[i] = m
		byID[m.NodeID] = &out[i]
	}
	return &Roster{Round: round, Members: out, byID: byID}, nil
}

// Member looks up a member by node ID.
func (r *Roster) Member(nodeID uuid.UUID) (*Member, error) {
	m, ok := r.byID[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCreator, nodeID)
	}
	return m, nil
}

// Weight returns the member's weight, or 0 if unknown.
func (r *Roster) Weight(nodeID uuid.UUID) uint64 {
	m, ok := r.byID[nodeID]
	if !ok {
		return 0
	}
	return m.Weight
}

// TotalWeight sums the weight of every member in the roster.
func (r *Roster) TotalWeight() uint64 {
	var total uint64
	for _, m := range r.Members {
		total += m.Weight
	}
	return total
}

// ThresholdWeight returns the weight required for strong-minority ( > 1/3 )
// agreement, the threshold the signed-state manager collects signatures
// toward.
func (r *Roster) ThresholdWeight() uint64 {
	return r.TotalWeight()/3 + 1
}

// Size returns the number of members in the roster.
func (r *Roster) Size() int {
	return len(r.Members)
}

// Snapshot holds the currently active Roster and lets it be swapped
// atomically as roster transitions complete, without requiring readers to
// take a lock.
type Snapshot struct {
	v atomic.Pointer[Roster]
}

// NewSnapshot creates a Snapshot initialized with the given roster.
func NewSnapshot(initial *Roster) *Snapshot {
	s := &Snapshot{}
	s.v.Store(initial)
	return s
}

// Load returns the currently active roster.
func (s *Snapshot) Load() *Roster {
	return s.v.Load()
}

// Store atomically publishes a new roster, e.g. after a roster transition
// completes and its history proof has been assembled.
func (s *Snapshot) Store(r *Roster) {
	s.v.Store(r)
}

// Transition represents moving from a source roster to a target roster,
// the unit over which a new history proof is assembled.
type Transition struct {
	mu     sync.Mutex
	From   *Roster
	To     *Roster
	Proven bool
}

// NewTransition begins a transition from one roster to another.
func NewTransition(from, to *Roster) *Transition {
	return &Transition{From: from, To: to}
}

// MarkProven records that the history proof for this transition has been
// assembled and the target roster can be published.
func (t *Transition) MarkProven() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Proven = true
}

// IsProven reports whether the transition's history proof is complete.
func (t *Transition) IsProven() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Proven
}
