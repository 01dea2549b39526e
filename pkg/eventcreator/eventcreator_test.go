package eventcreator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/roster"
	"github.com/hgnode/consensus-node/pkg/shadowgraph"
	"github.com/hgnode/consensus-node/pkg/tipset"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func buildRoster(t *testing.T, n int, zeroWeightIdx int) (*roster.Roster, []uuid.UUID) {
	t.Helper()
	ids := make([]uuid.UUID, n)
	members := make([]roster.Member, n)
	for i := range ids {
		ids[i] = uuid.New()
		w := uint64(1)
		if i == zeroWeightIdx {
			w = 0
		}
		members[i] = roster.Member{NodeID: ids[i], Weight: w}
	}
	r, err := roster.New(1, members)
	if err != nil {
		t.Fatal(err)
	}
	return r, ids
}

func TestTickGenesisEventHasNoParents(t *testing.T) {
	r, ids := buildRoster(t, 3, -1)
	g := shadowgraph.New()
	tr := tipset.NewTracker(r)
	clock := &fakeClock{t: time.Unix(1000, 0)}

	c := New(Config{Self: ids[0], Roster: r, Graph: g, Tipsets: tr, Clock: clock, ZeroWeightBias: 0.1, Seed: 1})
	e, err := c.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if e.SelfParent != nil {
		t.Fatal("genesis event must have no self-parent")
	}
	if e.Generation != 0 {
		t.Fatalf("genesis generation: got %d, want 0", e.Generation)
	}
}

func TestTickPicksAdvancingOtherParent(t *testing.T) {
	r, ids := buildRoster(t, 3, -1)
	g := shadowgraph.New()
	tr := tipset.NewTracker(r)
	clock := &fakeClock{t: time.Unix(1000, 0)}

	// Seed creator 1 with an event the self-creator doesn't know about yet.
	other := New(Config{Self: ids[1], Roster: r, Graph: g, Tipsets: tr, Clock: clock, ZeroWeightBias: 1, Seed: 2})
	if _, err := other.Tick(); err != nil {
		t.Fatal(err)
	}

	self := New(Config{Self: ids[0], Roster: r, Graph: g, Tipsets: tr, Clock: clock, ZeroWeightBias: 1, Seed: 3})
	e, err := self.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if len(e.OtherParents) != 1 {
		t.Fatalf("expected one other-parent, got %d", len(e.OtherParents))
	}
	if e.OtherParents[0].Creator != ids[1] {
		t.Fatalf("expected other-parent creator %s, got %s", ids[1], e.OtherParents[0].Creator)
	}
}

func TestTickRegistersEventInGraphAndTracker(t *testing.T) {
	r, ids := buildRoster(t, 2, -1)
	g := shadowgraph.New()
	tr := tipset.NewTracker(r)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(Config{Self: ids[0], Roster: r, Graph: g, Tipsets: tr, Clock: clock, Seed: 4})

	e, err := c.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Get(e.Hash); !ok {
		t.Fatal("created event should be present in the shadow graph")
	}
	if _, ok := tr.Get(e.Hash); !ok {
		t.Fatal("created event should have a recorded tipset")
	}
}
