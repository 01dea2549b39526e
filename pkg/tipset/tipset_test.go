package tipset

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/roster"
)

func tenNodeRoster(t *testing.T) (*roster.Roster, []uuid.UUID) {
	t.Helper()
	ids := make([]uuid.UUID, 10)
	members := make([]roster.Member, 10)
	for i := range ids {
		ids[i] = uuid.New()
		members[i] = roster.Member{NodeID: ids[i], Weight: 1}
	}
	r, err := roster.New(1, members)
	if err != nil {
		t.Fatal(err)
	}
	return r, ids
}

func TestAdvancementScoreSingleCreatorAdvance(t *testing.T) {
	r, ids := tenNodeRoster(t)
	tr := NewTracker(r)

	to := make(Tipset, 10)
	from := make(Tipset, 10)
	for _, id := range ids {
		to[id] = 2
		from[id] = 2
	}
	from[ids[0]] = 3

	total, advancing := tr.AdvancementScore(from, to)
	if total != 10 {
		t.Fatalf("total weight: got %d, want 10", total)
	}
	if advancing != 1 {
		t.Fatalf("advancing weight: got %d, want 1", advancing)
	}
}

func TestRecordTakesMaxAcrossParents(t *testing.T) {
	r, ids := tenNodeRoster(t)
	tr := NewTracker(r)

	parentA := Tipset{ids[0]: 3, ids[1]: 1}
	parentB := Tipset{ids[0]: 1, ids[1]: 4}

	got := tr.Record(crypto.Hash{9}, ids[2], 5, []Tipset{parentA, parentB})
	if got[ids[0]] != 3 || got[ids[1]] != 4 {
		t.Fatalf("expected per-creator max across parents, got %v", got)
	}
	if got[ids[2]] != 5 {
		t.Fatalf("own creator generation not recorded: got %d, want 5", got[ids[2]])
	}

	stored, ok := tr.Get(crypto.Hash{9})
	if !ok {
		t.Fatal("expected tipset to be retrievable")
	}
	if stored[ids[0]] != 3 {
		t.Fatal("stored tipset does not match recorded tipset")
	}
}

func TestPruneDropsBelowThreshold(t *testing.T) {
	r, ids := tenNodeRoster(t)
	tr := NewTracker(r)
	tr.Record(crypto.Hash{1}, ids[0], 1, nil)
	tr.Record(crypto.Hash{2}, ids[0], 10, nil)

	tr.Prune(5)
	if tr.Len() != 1 {
		t.Fatalf("after prune: got %d tracked, want 1", tr.Len())
	}
	if _, ok := tr.Get(crypto.Hash{1}); ok {
		t.Fatal("expected low-generation tipset to be pruned")
	}
	if _, ok := tr.Get(crypto.Hash{2}); !ok {
		t.Fatal("expected high-generation tipset to survive prune")
	}
}

func TestNonzero(t *testing.T) {
	if Nonzero(0) {
		t.Fatal("zero advancing weight should not be nonzero")
	}
	if !Nonzero(1) {
		t.Fatal("positive advancing weight should be nonzero")
	}
}
