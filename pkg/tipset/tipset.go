// Package tipset implements the per-event tipset vector and the
// advancement-score scoring that drives other-parent selection. A tipset records, for each roster creator, the maximum generation
// of any event by that creator known in one specific event's ancestry.
package tipset

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/roster"
)

// Tipset maps creator ID to the maximum known generation by that creator.
type Tipset map[uuid.UUID]uint64

// Clone returns an independent copy of t.
func (t Tipset) Clone() Tipset {
	out := make(Tipset, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Get returns the recorded generation for creator, or 0 if unknown.
func (t Tipset) Get(creator uuid.UUID) uint64 {
	return t[creator]
}

// entry pairs a tracked event's generation with its tipset, letting prune
// use the generation as the ancientness indicator without a second index.
type entry struct {
	generation uint64
	tipset     Tipset
}

// Tracker maintains one Tipset per tracked event hash, keyed by the
// event's hash, plus the ancient threshold and roster used to index them.
type Tracker struct {
	mu        sync.RWMutex
	byHash    map[crypto.Hash]entry
	threshold uint64
	roster    *roster.Roster
}

// NewTracker creates a Tracker indexed against r.
func NewTracker(r *roster.Roster) *Tracker {
	return &Tracker{
		byHash: make(map[crypto.Hash]entry),
		roster: r,
	}
}

// Record builds the tipset for a new event given its own descriptor
// fields and its resolved parent tipsets: the max, per creator, of the
// event's own generation (for its own creator only) and the maxima from
// all parent tipsets.
func (tr *Tracker) Record(selfHash crypto.Hash, creator uuid.UUID, generation uint64, parentTipsets []Tipset) Tipset {
	out := make(Tipset, len(tr.roster.Members))
	for _, parent := range parentTipsets {
		for id, gen := range parent {
			if gen > out[id] {
				out[id] = gen
			}
		}
	}
	if generation > out[creator] {
		out[creator] = generation
	}

	tr.mu.Lock()
	tr.byHash[selfHash] = entry{generation: generation, tipset: out}
	tr.mu.Unlock()
	return out
}

// Get returns the tipset recorded for the event with the given hash.
func (tr *Tracker) Get(hash crypto.Hash) (Tipset, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	e, ok := tr.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.tipset, true
}

// AdvancementScore computes the advancement score of `from` relative to
// `to`: the sum of roster weights over creators where from[c] > to[c].
// Returns the roster's total weight and the advancing weight, restricted
// to creators present in the tracker's roster.
func (tr *Tracker) AdvancementScore(from, to Tipset) (totalWeight, advancingWeight uint64) {
	total := tr.roster.TotalWeight()
	var advancing uint64
	for _, m := range tr.roster.Members {
		if from.Get(m.NodeID) > to.Get(m.NodeID) {
			advancing += m.Weight
		}
	}
	return total, advancing
}

// Nonzero reports whether advancingWeight reflects at least one strictly
// advancing creator.
func Nonzero(advancingWeight uint64) bool {
	return advancingWeight > 0
}

// Prune drops tracked tipsets for events whose generation indicator falls
// below newAncientThreshold.
func (tr *Tracker) Prune(newAncientThreshold uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.threshold = newAncientThreshold
	for hash, e := range tr.byHash {
		if e.generation < newAncientThreshold {
			delete(tr.byHash, hash)
		}
	}
}

// Threshold returns the current ancient threshold.
func (tr *Tracker) Threshold() uint64 {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.threshold
}

// Len reports the number of tracked tipsets, mainly for tests and metrics.
func (tr *Tracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.byHash)
}
