package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
)

func TestBuildGenesisHasZeroGeneration(t *testing.T) {
	creator := uuid.New()
	e, err := Build(creator, nil, nil, [][]byte{[]byte("tx1")}, 1, time.Unix(1, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Generation != 0 {
		t.Fatalf("genesis generation: got %d, want 0", e.Generation)
	}
	if e.Hash.IsZero() {
		t.Fatal("hash should not be zero")
	}
}

func TestBuildGenerationIsMaxParentPlusOne(t *testing.T) {
	creator := uuid.New()
	self := &Descriptor{Hash: crypto.Hash{1}, Creator: creator, BirthRound: 1, Generation: 3}
	other := Descriptor{Hash: crypto.Hash{2}, Creator: uuid.New(), BirthRound: 1, Generation: 5}

	e, err := Build(creator, self, []Descriptor{other}, nil, 1, time.Unix(10, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Generation != 6 {
		t.Fatalf("generation: got %d, want 6", e.Generation)
	}
}

func TestBuildRejectsSelfParentCreatorMismatch(t *testing.T) {
	self := &Descriptor{Hash: crypto.Hash{1}, Creator: uuid.New(), Generation: 1}
	_, err := Build(uuid.New(), self, nil, nil, 1, time.Now(), nil)
	if err == nil {
		t.Fatal("expected error for mismatched self-parent creator")
	}
}

func TestBuildRejectsOversizedEvent(t *testing.T) {
	big := make([]byte, MaxTransactionBytes+1)
	_, err := Build(uuid.New(), nil, nil, [][]byte{big}, 1, time.Now(), nil)
	if err == nil {
		t.Fatal("expected oversized event error")
	}
}

func TestCheckTimestampMonotonicEnforcesTxFloor(t *testing.T) {
	creator := uuid.New()
	parentDesc := &Descriptor{Hash: crypto.Hash{1}, Creator: creator, Generation: 0}
	base := time.Unix(1, 0)

	e, err := Build(creator, parentDesc, nil, nil, 1, base.Add(5*time.Nanosecond), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckTimestampMonotonic(e, base, 5); err != nil {
		t.Fatalf("exact floor should be accepted: %v", err)
	}

	tooEarly, err := Build(creator, parentDesc, nil, nil, 1, base.Add(4*time.Nanosecond), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckTimestampMonotonic(tooEarly, base, 5); err == nil {
		t.Fatal("expected ErrInvalidTimestamp for timestamp under the tx floor")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	creator := uuid.New()
	e, err := Build(creator, nil, nil, [][]byte{[]byte("a"), []byte("b")}, 7, time.Unix(100, 250), nil)
	if err != nil {
		t.Fatal(err)
	}
	e.Signature = []byte("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	b, err := Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != e.Hash {
		t.Fatalf("hash mismatch after round trip: got %s, want %s", got.Hash, e.Hash)
	}
	if got.BirthRound != e.BirthRound || got.Creator != e.Creator {
		t.Fatal("birth round or creator mismatch after round trip")
	}
	if len(got.Transactions) != 2 {
		t.Fatalf("transactions: got %d, want 2", len(got.Transactions))
	}
	RecomputeGeneration(got)
	if got.Generation != 0 {
		t.Fatalf("recomputed generation: got %d, want 0", got.Generation)
	}
}
