// Package eventcreator implements the tipset-based event-creation policy:
// on each tick it picks the other-parent that most advances the
// creator's knowledge and builds a new event, registering it into the
// Shadow Graph and Tipset Tracker atomically.
package eventcreator

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/event"
	"github.com/hgnode/consensus-node/pkg/roster"
	"github.com/hgnode/consensus-node/pkg/shadowgraph"
	"github.com/hgnode/consensus-node/pkg/tipset"
)

// ErrNoEvent is returned by Tick when no candidate other-parent strictly
// improves the creator's knowledge and the throughput bound forbids
// creating an event anyway.
var ErrNoEvent = errors.New("eventcreator: no event to create this tick")

// Clock abstracts wall-clock time so tests can drive creation deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// SignFunc signs a message with the creator's private key material.
type SignFunc func(msg []byte) ([]byte, error)

// TransactionSource supplies the payload batch for a new event. Returning
// nil or an empty slice is valid; an event need not carry transactions.
type TransactionSource func() [][]byte

// Creator drives per-tick event creation for one node.
type Creator struct {
	mu sync.Mutex

	self      uuid.UUID
	roster    *roster.Roster
	graph     *shadowgraph.Graph
	tipsets   *tipset.Tracker
	hasher    crypto.Hasher
	sign      SignFunc
	clock     Clock
	txSource  TransactionSource
	rng       *rand.Rand
	zeroBias  float64 // tipset.zero_weight_bias: probability to still pick a zero-weight other-parent on ties
	birthRound func() uint64

	lastSelf          *event.Event
	createdSinceLast  int // events created since the last tick that found an improving candidate
}

// Config bundles Creator construction parameters.
type Config struct {
	Self             uuid.UUID
	Roster           *roster.Roster
	Graph            *shadowgraph.Graph
	Tipsets          *tipset.Tracker
	Hasher           crypto.Hasher
	Sign             SignFunc
	Clock            Clock
	TransactionSource TransactionSource
	ZeroWeightBias   float64
	BirthRound       func() uint64
	Seed             int64
}

// New builds a Creator from cfg.
func New(cfg Config) *Creator {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = crypto.DefaultHasher()
	}
	return &Creator{
		self:       cfg.Self,
		roster:     cfg.Roster,
		graph:      cfg.Graph,
		tipsets:    cfg.Tipsets,
		hasher:     hasher,
		sign:       cfg.Sign,
		clock:      clock,
		txSource:   cfg.TransactionSource,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		zeroBias:   cfg.ZeroWeightBias,
		birthRound: cfg.BirthRound,
	}
}

// candidate is one other-parent option under consideration.
type candidate struct {
	descriptor event.Descriptor
	weight     uint64 // roster weight of the candidate's creator
	advancing  uint64 // advancing weight relative to the self-tipset
}

// Tick runs one creation attempt. It returns the newly created and
// registered event, or ErrNoEvent if the throughput bound forbids creating
// one this tick.
func (c *Creator) Tick() (*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tips := c.graph.Tips()
	selfTip := tips[c.self]
	delete(tips, c.self)

	var selfDesc *event.Descriptor
	var selfTipset tipset.Tipset
	if selfTip != nil {
		d := selfTip.Descriptor()
		selfDesc = &d
		ts, _ := c.tipsets.Get(selfTip.Hash)
		selfTipset = ts
	}
	if selfTipset == nil {
		selfTipset = tipset.Tipset{}
	}

	best, found := c.pickOtherParent(tips, selfTipset)
	if !found {
		if c.createdSinceLast > 0 {
			return nil, ErrNoEvent
		}
	}

	var otherParents []event.Descriptor
	var otherTipset tipset.Tipset
	if found {
		otherParents = []event.Descriptor{best.descriptor}
		if ts, ok := c.tipsets.Get(best.descriptor.Hash); ok {
			otherTipset = ts
		}
	}

	now := c.clock.Now()
	minTimestamp := now
	selfTxCount := 0
	if selfTip != nil {
		selfTxCount = len(selfTip.Transactions)
		floor := selfTip.Timestamp.Add(time.Duration(selfTxCount) * time.Nanosecond)
		if floor.After(minTimestamp) {
			minTimestamp = floor
		}
	}

	var txs [][]byte
	if c.txSource != nil {
		txs = c.txSource()
	}

	birthRound := uint64(0)
	if c.birthRound != nil {
		birthRound = c.birthRound()
	}

	e, err := event.Build(c.self, selfDesc, otherParents, txs, birthRound, minTimestamp, c.hasher)
	if err != nil {
		return nil, fmt.Errorf("eventcreator: build: %w", err)
	}
	if c.sign != nil {
		if err := event.Sign(e, c.sign); err != nil {
			return nil, err
		}
	}

	if err := c.graph.Insert(e); err != nil {
		return nil, fmt.Errorf("eventcreator: insert: %w", err)
	}

	var parentTipsets []tipset.Tipset
	if selfTipset != nil {
		parentTipsets = append(parentTipsets, selfTipset)
	}
	if otherTipset != nil {
		parentTipsets = append(parentTipsets, otherTipset)
	}
	c.tipsets.Record(e.Hash, e.Creator, e.Generation, parentTipsets)

	c.lastSelf = e
	if found {
		c.createdSinceLast = 0
	} else {
		c.createdSinceLast++
	}
	return e, nil
}

// pickOtherParent scores every candidate other-parent by advancing
// weight relative to selfTipset, then makes a random pick among all
// candidates weighted by 1+advancing_weight (four times that for the
// best-advancing ones), so the best is favored but not guaranteed. When
// no candidate advances, it picks one only with probability
// tipset.zero_weight_bias and otherwise reports none.
func (c *Creator) pickOtherParent(tips map[uuid.UUID]*event.Event, selfTipset tipset.Tipset) (candidate, bool) {
	var candidates []candidate
	for creator, tip := range tips {
		ts, ok := c.tipsets.Get(tip.Hash)
		if !ok {
			ts = tipset.Tipset{}
		}
		_, advancing := c.tipsets.AdvancementScore(ts, selfTipset)
		candidates = append(candidates, candidate{
			descriptor: tip.Descriptor(),
			weight:     c.roster.Weight(creator),
			advancing:  advancing,
		})
	}
	if len(candidates) == 0 {
		return candidate{}, false
	}

	var maxAdvancing uint64
	for _, cand := range candidates {
		if cand.advancing > maxAdvancing {
			maxAdvancing = cand.advancing
		}
	}

	// Weighted random pick among all candidates by (1 + advancing): ties
	// at the max favor it most, but zero-weight/zero-advancing nodes keep
	// nonzero selection probability.
	var totalWeight float64
	weights := make([]float64, len(candidates))
	for i, cand := range candidates {
		w := 1 + float64(cand.advancing)
		if cand.advancing == maxAdvancing && maxAdvancing > 0 {
			w *= 4 // bias strongly toward the best-advancing candidate
		}
		weights[i] = w
		totalWeight += w
	}

	if maxAdvancing == 0 && c.rng.Float64() >= c.zeroBias {
		// No candidate advances knowledge; only occasionally still pick
		// one (to keep zero-weight/idle nodes integrated).
		return candidate{}, false
	}

	r := c.rng.Float64() * totalWeight
	for i, cand := range candidates {
		r -= weights[i]
		if r <= 0 {
			return cand, true
		}
	}
	return candidates[len(candidates)-1], true
}
