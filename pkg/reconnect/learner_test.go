package reconnect

import (
	"testing"

	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/merkle"
)

// memSource adapts an in-memory map of Path->merkle.Node to the Teacher's
// Source interface, for tests.
type memSource struct {
	nodes map[merkle.Path]merkle.Node
}

func (m *memSource) NodeAt(path merkle.Path) (merkle.Node, bool) {
	n, ok := m.nodes[path]
	return n, ok
}

// buildTinyTree constructs a 3-node tree (root at path 1, two leaf
// children at paths 2 and 3) with the given leaf values, returning every
// node indexed by path.
func buildTinyTree(hasher crypto.Hasher, leftVal, rightVal []byte) map[merkle.Path]merkle.Node {
	left := merkle.NewLeaf(2, []byte("L"), leftVal, hasher)
	right := merkle.NewLeaf(3, []byte("R"), rightVal, hasher)
	root := merkle.NewInternal(1, left, right)
	root.Rehash(hasher)
	return map[merkle.Path]merkle.Node{1: root, 2: left, 3: right}
}

// TestTeacherReportsCleanOnMatchingHash exercises the single-node push
// protocol: a learner whose assumed hash matches gets CLEAN, and a
// mismatch gets the full node.
func TestTeacherReportsCleanOnMatchingHash(t *testing.T) {
	hasher := crypto.DefaultHasher()
	nodes := buildTinyTree(hasher, []byte("left-value"), []byte("right-value"))
	teacher := NewTeacher(&memSource{nodes: nodes})

	leftHash := nodes[2].Hash()
	resp, err := teacher.Answer(Message{ViewID: 0, Kind: KindQuery, Query: &wireQuery{
		Path: 2, AssumedHash: leftHash[:], HasAssumed: true,
	}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Kind != KindClean {
		t.Fatalf("expected CLEAN for matching hash, got %v", resp.Kind)
	}

	resp, err = teacher.Answer(Message{ViewID: 0, Kind: KindQuery, Query: &wireQuery{
		Path: 2, AssumedHash: make([]byte, len(leftHash)), HasAssumed: true,
	}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Kind != KindNode || !resp.Node.IsLeaf || string(resp.Node.Value) != "left-value" {
		t.Fatalf("expected dirty leaf node response, got %+v", resp)
	}
}

// TestMessageRoundTripsOverFrame checks that a message encoded to a
// gossip Frame and decoded back is byte-identical in its semantic
// fields, the prerequisite for a learner's reconstructed root hash to
// match the teacher's exactly.
func TestMessageRoundTripsOverFrame(t *testing.T) {
	hasher := crypto.DefaultHasher()
	nodes := buildTinyTree(hasher, []byte("a"), []byte("b"))
	rootHash := nodes[1].Hash()

	original := Message{ViewID: 7, Kind: KindNode, Node: &wireNode{
		Path: 1, LeftHash: rootHash[:4], RightHash: rootHash[4:8],
	}}
	frame, err := EncodeMessage(original)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if frame.ViewID != 7 {
		t.Fatalf("expected view id preserved in frame, got %d", frame.ViewID)
	}

	decoded, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Kind != KindNode || decoded.Node == nil {
		t.Fatalf("expected decoded KindNode message, got %+v", decoded)
	}
	if string(decoded.Node.LeftHash) != string(original.Node.LeftHash) {
		t.Fatalf("left hash mismatch after round trip")
	}
	if string(decoded.Node.RightHash) != string(original.Node.RightHash) {
		t.Fatalf("right hash mismatch after round trip")
	}
}

// TestLearnerReconstructsLeafViaPushView drives one full Learner/Teacher
// exchange for a single dirty leaf, the building block the two-phase
// traversal composes for a whole virtual map.
func TestLearnerReconstructsLeafViaPushView(t *testing.T) {
	hasher := crypto.DefaultHasher()
	teacherNodes := buildTinyTree(hasher, []byte("new-left"), []byte("same-right"))
	teacher := NewTeacher(&memSource{nodes: teacherNodes})

	// Learner's local data source is empty, so the query carries no
	// assumed hash and the teacher must send the full leaf.
	local := merkle.NewMemoryDataSource()
	learner := NewLearner(hasher, local)
	learner.Enqueue(2) // only sync the left leaf's path directly

	req := Message{ViewID: 0, Kind: KindQuery, Query: &wireQuery{Path: 2}}
	var captured Message
	send := func(m Message) error { captured = m; return nil }
	if err := learner.fillViewSlots(send); err != nil {
		t.Fatalf("fillViewSlots: %v", err)
	}
	if captured.Kind != KindQuery || captured.Query.Path != 2 {
		t.Fatalf("expected learner to query path 2 first, got %+v / %+v", captured, req)
	}

	resp, err := teacher.Answer(captured)
	if err != nil {
		t.Fatalf("teacher answer: %v", err)
	}
	if resp.Kind != KindNode || !resp.Node.IsLeaf {
		t.Fatalf("expected a dirty leaf node reply, got %+v", resp)
	}
	if string(resp.Node.Value) != "new-left" {
		t.Fatalf("expected the teacher's current leaf value, got %q", resp.Node.Value)
	}

	if err := learner.HandleFrame(resp, send); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
}

// buildLevelTree constructs a 3-level, 7-node complete binary tree (root
// at path 1, internal nodes at 2-3, leaves at 4-7) with the given leaf
// values, returning every node indexed by path and its root.
func buildLevelTree(hasher crypto.Hasher, leafVals [4][]byte) (map[merkle.Path]merkle.Node, merkle.Node) {
	l4 := merkle.NewLeaf(4, []byte("k4"), leafVals[0], hasher)
	l5 := merkle.NewLeaf(5, []byte("k5"), leafVals[1], hasher)
	l6 := merkle.NewLeaf(6, []byte("k6"), leafVals[2], hasher)
	l7 := merkle.NewLeaf(7, []byte("k7"), leafVals[3], hasher)

	n2 := merkle.NewInternal(2, l4, l5)
	n2.Rehash(hasher)
	n3 := merkle.NewInternal(3, l6, l7)
	n3.Rehash(hasher)

	root := merkle.NewInternal(1, n2, n3)
	root.Rehash(hasher)

	return map[merkle.Path]merkle.Node{1: root, 2: n2, 3: n3, 4: l4, 5: l5, 6: l6, 7: l7}, root
}

// driveExchange pumps messages between a learner and a teacher with no
// real transport: every queued Message is either handed to the teacher
// (queries) and the reply fed back into the learner, or dropped (control
// frames the learner sends the teacher, which this stub teacher has
// nothing to do with). It runs until the learner has nothing left to say.
func driveExchange(t *testing.T, learner *Learner, teacher *Teacher) {
	t.Helper()
	var pending []Message
	send := func(m Message) error {
		pending = append(pending, m)
		return nil
	}
	if err := learner.fillViewSlots(send); err != nil {
		t.Fatalf("fillViewSlots: %v", err)
	}
	for len(pending) > 0 {
		msg := pending[0]
		pending = pending[1:]
		if msg.Kind != KindQuery {
			continue
		}
		resp, err := teacher.Answer(msg)
		if err != nil {
			t.Fatalf("teacher answer: %v", err)
		}
		if err := learner.HandleFrame(resp, send); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}
}

// TestLearnerReconstructsMultiLevelTreeHashMatches drives a full
// Learner/Teacher exchange over a 3-level tree and checks that the
// learner's reconstructed root hash equals the teacher's, per spec §4.8
// ("Hash and initialize") and Testable Property 5.
func TestLearnerReconstructsMultiLevelTreeHashMatches(t *testing.T) {
	hasher := crypto.DefaultHasher()
	teacherNodes, teacherRoot := buildLevelTree(hasher, [4][]byte{
		[]byte("v4"), []byte("v5"), []byte("v6"), []byte("v7"),
	})
	teacher := NewTeacher(&memSource{nodes: teacherNodes})

	// Learner starts from scratch: its local data source has nothing, so
	// every query comes back dirty and the whole subtree is transferred.
	learner := NewLearner(hasher, merkle.NewMemoryDataSource())
	learner.Enqueue(1)

	driveExchange(t, learner, teacher)

	tree, ok := learner.Tree()
	if !ok {
		t.Fatalf("expected view 0 to have completed")
	}
	got := tree.Hash()
	want := merkle.NewTree(teacherRoot, hasher).Hash()
	if got != want {
		t.Fatalf("reconstructed root hash %x != teacher root hash %x", got, want)
	}
}
