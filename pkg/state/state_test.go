package state

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/merkle"
	"github.com/hgnode/consensus-node/pkg/roster"
)

func testRoster(t *testing.T, n int) (*roster.Roster, []uuid.UUID) {
	t.Helper()
	ids := make([]uuid.UUID, n)
	members := make([]roster.Member, n)
	for i := range members {
		ids[i] = uuid.New()
		members[i] = roster.Member{NodeID: ids[i], Weight: 1, SigningCert: &x509.Certificate{}}
	}
	r, err := roster.New(1, members)
	if err != nil {
		t.Fatalf("roster.New: %v", err)
	}
	return r, ids
}

func testTree(val string) *merkle.Tree {
	hasher := crypto.DefaultHasher()
	leaf := merkle.NewLeaf(1, []byte("k"), []byte(val), hasher)
	return merkle.NewTree(leaf, hasher)
}

func alwaysValid(*roster.Member, crypto.Hash, []byte) bool { return true }

func TestAddSignatureCompletesAtThreshold(t *testing.T) {
	r, ids := testRoster(t, 10) // threshold = 10/3+1 = 4

	var completed *SignedState
	m := New(Config{RetentionWindow: 100, Verify: alwaysValid}, func(st *SignedState) { completed = st })

	st, err := m.Stamp(1, testTree("round1"), r)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.AddSignature(1, ids[i], []byte("sig")); err != nil {
			t.Fatalf("AddSignature: %v", err)
		}
	}
	if st.Complete() {
		t.Fatalf("expected not yet complete at weight 3")
	}
	if err := m.AddSignature(1, ids[3], []byte("sig")); err != nil {
		t.Fatalf("AddSignature: %v", err)
	}
	if !st.Complete() {
		t.Fatalf("expected complete at weight 4")
	}
	if completed == nil || completed.Round != 1 {
		t.Fatalf("expected completion notifier to fire for round 1, got %+v", completed)
	}
	if m.LatestComplete() != st {
		t.Fatalf("expected LatestComplete to return round 1's state")
	}
}

func TestStampRejectsOutOfOrderRound(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 1}, nil)

	for round := uint64(1); round <= 3; round++ {
		if _, err := m.Stamp(round, testTree("v"), r); err != nil {
			t.Fatalf("Stamp round %d: %v", round, err)
		}
	}
	m.Evict(3) // retention window 1 -> floor = 2, evicts round 1, latestImmutable becomes 2

	if _, err := m.Stamp(0, testTree("c"), r); err == nil {
		t.Fatalf("expected ErrOutOfOrderState for a round below the eviction floor")
	}
}

// TestStampRejectsOutOfOrderRoundWithoutEviction exercises Testable
// Property 9's literal scenario: stamping R+1 then R+2 then R accepts the
// first two and rejects R, with no Evict call in between.
func TestStampRejectsOutOfOrderRoundWithoutEviction(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 100}, nil)

	const round = uint64(10)
	if _, err := m.Stamp(round+1, testTree("r1"), r); err != nil {
		t.Fatalf("Stamp round+1: %v", err)
	}
	if _, err := m.Stamp(round+2, testTree("r2"), r); err != nil {
		t.Fatalf("Stamp round+2: %v", err)
	}
	if _, err := m.Stamp(round, testTree("r"), r); !errors.Is(err, ErrOutOfOrderState) {
		t.Fatalf("expected ErrOutOfOrderState rejecting round without any Evict call, got %v", err)
	}
}

// TestStampAcceptsOutOfOrderWithinOneRound confirms the converse half of
// Property 9: stamping R+2 then R+1 (out of numeric order but only one
// round behind the highest stamped) accepts both.
func TestStampAcceptsOutOfOrderWithinOneRound(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 100}, nil)

	const round = uint64(10)
	if _, err := m.Stamp(round+2, testTree("r2"), r); err != nil {
		t.Fatalf("Stamp round+2: %v", err)
	}
	if _, err := m.Stamp(round+1, testTree("r1"), r); err != nil {
		t.Fatalf("Stamp round+1: %v", err)
	}
}

func TestStampRejectsDuplicateRound(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 100}, nil)

	if _, err := m.Stamp(5, testTree("a"), r); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if _, err := m.Stamp(5, testTree("b"), r); err == nil {
		t.Fatalf("expected ErrRoundExists on duplicate stamp")
	}
}

func TestReserveReleaseBalances(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 100}, nil)
	st, _ := m.Stamp(1, testTree("a"), r)

	if err := m.Reserve(1, "gossip-session-7"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := st.Root.Root.Reservations(); got != 2 {
		t.Fatalf("expected root reservation count 2 (manager hold plus session hold), got %d", got)
	}
	if err := m.Release(1, "gossip-session-7"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := st.Root.Root.Reservations(); got != 1 {
		t.Fatalf("expected root reservation count 1 (manager hold only) after release, got %d", got)
	}
}

func TestReleaseUnbalancedPanics(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 100}, nil)
	st, _ := m.Stamp(1, testTree("a"), r)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unbalanced release")
		}
	}()
	st.Release("never-reserved")
}

func TestEvictDecrementsReservationsAndAdvancesFloor(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 2}, nil)

	for round := uint64(1); round <= 5; round++ {
		if _, err := m.Stamp(round, testTree("v"), r); err != nil {
			t.Fatalf("Stamp round %d: %v", round, err)
		}
	}

	evicted := m.Evict(5) // floor = 3
	if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 2 {
		t.Fatalf("expected rounds 1,2 evicted, got %v", evicted)
	}
	if _, ok := m.Get(1); ok {
		t.Fatalf("expected round 1 to be gone after eviction")
	}
	if _, ok := m.Get(3); !ok {
		t.Fatalf("expected round 3 to survive eviction")
	}
}

func TestSentinelFlagsLongHeldReservation(t *testing.T) {
	r, _ := testRoster(t, 4)
	m := New(Config{RetentionWindow: 100, SentinelLeakTTL: 10 * time.Millisecond}, nil)
	_, err := m.Stamp(1, testTree("a"), r)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if err := m.Reserve(1, "leaky-holder"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	leaks := m.ledger.ScanLeaks(m.cfg.SentinelLeakTTL, time.Now())
	if len(leaks) != 1 || leaks[0].Tag != ledgerTag(1, "leaky-holder") {
		t.Fatalf("expected one flagged leak for round 1's reservation, got %+v", leaks)
	}
}
