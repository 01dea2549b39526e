// Package shadowgraph implements the in-memory index of non-ancient
// events: lookup by hash, per-creator tips, ancient-window eviction, and
// reservation windows that pin events against eviction during a gossip
// session or reconnect. The concurrency idiom follows the teacher's
// ManagedPeerSet: an RWMutex-guarded map with a short exclusive section
// for bulk structural changes.
package shadowgraph

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/event"
)

var (
	// ErrDuplicate is returned by Insert when the event's hash is already
	// present in the graph.
	ErrDuplicate = errors.New("shadowgraph: duplicate event")
	// ErrAncient is returned by Insert when the event's indicator falls
	// below the current ancient threshold.
	ErrAncient = errors.New("shadowgraph: event is ancient")
)

// node wraps a stored event with the fields the graph needs to maintain
// tips and eviction without rescanning the whole set.
type node struct {
	event *event.Event
	// hasDescendant marks that some known event names this one as a
	// self-parent; tips() reports only nodes without one.
	hasDescendant bool
}

// Graph is the thread-safe non-ancient event index.
type Graph struct {
	mu        sync.RWMutex
	byHash    map[crypto.Hash]*node
	tipByCtor map[uuid.UUID]*node
	threshold uint64
	pending   *uint64 // set by advance_ancient_threshold while a window reservation blocks it
	windows   map[uint64]int // lower_threshold -> active reservation count
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		byHash:    make(map[crypto.Hash]*node),
		tipByCtor: make(map[uuid.UUID]*node),
		windows:   make(map[uint64]int),
	}
}

// indicator is the ancientness metric for e: its generation. Birth-round
// mode callers can pass a Graph configured to index on birth round instead
// by pre-translating; this implementation follows its default
// (generation) and documents birth-round as an equivalent alternate axis.
func indicator(e *event.Event) uint64 {
	return e.Generation
}

// Insert adds e to the graph. Returns ErrDuplicate if already present, or
// ErrAncient if e's indicator is below the current threshold. Insert does
// not look up or validate e's parents; callers validate an event, parent
// resolution included, before inserting it, so a child is inserted only
// after its parents are already in the index.
func (g *Graph) Insert(e *event.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.byHash[e.Hash]; exists {
		return ErrDuplicate
	}
	if indicator(e) < g.threshold {
		return ErrAncient
	}

	n := &node{event: e}
	g.byHash[e.Hash] = n

	if e.SelfParent != nil {
		if parent, ok := g.byHash[e.SelfParent.Hash]; ok {
			parent.hasDescendant = true
		}
	}
	if cur, ok := g.tipByCtor[e.Creator]; !ok || cur.event.Generation < e.Generation {
		g.tipByCtor[e.Creator] = n
	}
	return nil
}

// Get looks up an event by hash.
func (g *Graph) Get(hash crypto.Hash) (*event.Event, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byHash[hash]
	if !ok {
		return nil, false
	}
	return n.event, true
}

// Tips returns one most-recent event per creator whose self-descendants
// are not yet known to the graph.
func (g *Graph) Tips() map[uuid.UUID]*event.Event {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[uuid.UUID]*event.Event, len(g.tipByCtor))
	for creator, n := range g.tipByCtor {
		if !n.hasDescendant {
			out[creator] = n.event
		}
	}
	return out
}

// Len reports the number of events currently held.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byHash)
}

// Reservation pins all non-ancient events at or above lowerThreshold
// against eviction until Release is called.
type Reservation struct {
	g     *Graph
	level uint64
	once  sync.Once
}

// ReserveWindow pins events with indicator >= lowerThreshold against
// eviction. Multiple overlapping reservations at different levels may be
// held concurrently; AdvanceAncientThreshold honors the lowest active
// level.
func (g *Graph) ReserveWindow(lowerThreshold uint64) *Reservation {
	g.mu.Lock()
	g.windows[lowerThreshold]++
	g.mu.Unlock()
	return &Reservation{g: g, level: lowerThreshold}
}

// Release drops the reservation, allowing eviction to resume once no
// other reservation protects the same level. Idempotent.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.g.mu.Lock()
		defer r.g.mu.Unlock()
		r.g.windows[r.level]--
		if r.g.windows[r.level] <= 0 {
			delete(r.g.windows, r.level)
		}
		r.g.applyPendingLocked()
	})
}

// minReservedLevelLocked returns the lowest lowerThreshold currently held
// by an outstanding reservation, or math.MaxUint64 if none.
func (g *Graph) minReservedLevelLocked() uint64 {
	min := ^uint64(0)
	for level, count := range g.windows {
		if count > 0 && level < min {
			min = level
		}
	}
	return min
}

// AdvanceAncientThreshold evicts events whose indicator is below
// newThreshold and whose reservation count is zero. If an active window
// reservation protects a level at or below newThreshold, the request is
// stored as pending and applied incrementally as reservations are
// released.
func (g *Graph) AdvanceAncientThreshold(newThreshold uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = &newThreshold
	g.applyPendingLocked()
}

func (g *Graph) applyPendingLocked() {
	if g.pending == nil {
		return
	}
	target := *g.pending
	protected := g.minReservedLevelLocked()
	effective := target
	if protected < effective {
		effective = protected
	}
	if effective <= g.threshold {
		return
	}
	g.threshold = effective
	for hash, n := range g.byHash {
		if indicator(n.event) < effective {
			delete(g.byHash, hash)
			if tip, ok := g.tipByCtor[n.event.Creator]; ok && tip == n {
				delete(g.tipByCtor, n.event.Creator)
			}
		}
	}
	if effective >= target {
		g.pending = nil
	}
}

// Threshold returns the currently enforced ancient threshold (which may
// lag a pending target while a window reservation blocks full advance).
func (g *Graph) Threshold() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold
}
