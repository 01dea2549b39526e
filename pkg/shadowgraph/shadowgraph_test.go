package shadowgraph

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/event"
)

func mustBuild(t *testing.T, creator uuid.UUID, self *event.Descriptor, others []event.Descriptor, ts time.Time) *event.Event {
	t.Helper()
	e, err := event.Build(creator, self, others, nil, 1, ts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestParentBeforeChildVisibility(t *testing.T) {
	g := New()
	creatorA, creatorB := uuid.New(), uuid.New()

	a := mustBuild(t, creatorA, nil, nil, time.Unix(1, 0))
	if err := g.Insert(a); err != nil {
		t.Fatal(err)
	}

	b := mustBuild(t, creatorB, nil, []event.Descriptor{a.Descriptor()}, time.Unix(2, 0))
	if err := g.Insert(b); err != nil {
		t.Fatal(err)
	}

	if _, ok := g.Get(a.Hash); !ok {
		t.Fatal("parent must be queryable after child insert returns")
	}
	if _, ok := g.Get(b.Hash); !ok {
		t.Fatal("child must be queryable after insert returns")
	}
}

func TestInsertDuplicateAndAncient(t *testing.T) {
	g := New()
	creator := uuid.New()
	e := mustBuild(t, creator, nil, nil, time.Unix(1, 0))

	if err := g.Insert(e); err != nil {
		t.Fatal(err)
	}
	if err := g.Insert(e); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	g.AdvanceAncientThreshold(100)
	fresh := mustBuild(t, uuid.New(), nil, nil, time.Unix(1, 0))
	if err := g.Insert(fresh); err != ErrAncient {
		t.Fatalf("expected ErrAncient, got %v", err)
	}
}

func TestTipsExcludesEventsWithDescendants(t *testing.T) {
	g := New()
	creator := uuid.New()
	gen0 := mustBuild(t, creator, nil, nil, time.Unix(1, 0))
	if err := g.Insert(gen0); err != nil {
		t.Fatal(err)
	}
	desc := gen0.Descriptor()
	gen1 := mustBuild(t, creator, &desc, nil, time.Unix(2, 0))
	if err := g.Insert(gen1); err != nil {
		t.Fatal(err)
	}

	tips := g.Tips()
	got, ok := tips[creator]
	if !ok {
		t.Fatal("expected a tip for creator")
	}
	if got.Hash != gen1.Hash {
		t.Fatal("expected the latest event to be the tip, not its parent")
	}
}

func TestReservationWindowBlocksEviction(t *testing.T) {
	g := New()
	e := mustBuild(t, uuid.New(), nil, nil, time.Unix(1, 0))
	if err := g.Insert(e); err != nil {
		t.Fatal(err)
	}

	res := g.ReserveWindow(0)
	g.AdvanceAncientThreshold(5)
	if _, ok := g.Get(e.Hash); !ok {
		t.Fatal("reserved event must not be evicted while window is held")
	}

	res.Release()
	if _, ok := g.Get(e.Hash); ok {
		t.Fatal("event should be evicted once the reservation is released")
	}
}
