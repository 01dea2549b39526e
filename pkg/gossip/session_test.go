package gossip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/shadowgraph"
)

var errClosedPipe = errors.New("gossip: pipe closed")

// pipeTransport is an in-memory Transport used by tests, avoiding real
// sockets while exercising the exact Frame encode/decode path.
type pipeTransport struct {
	mu   sync.Mutex
	in   chan Frame
	out  chan Frame
	shut bool
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := make(chan Frame, 32)
	b := make(chan Frame, 32)
	return &pipeTransport{in: a, out: b}, &pipeTransport{in: b, out: a}
}

func (p *pipeTransport) ReadFrame() (Frame, error) {
	f, ok := <-p.in
	if !ok {
		return Frame{}, errClosedPipe
	}
	return f, nil
}

func (p *pipeTransport) WriteFrame(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return errClosedPipe
	}
	p.out <- f
	return nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.shut {
		p.shut = true
		close(p.out)
	}
	return nil
}

func newGraph() *shadowgraph.Graph { return shadowgraph.New() }

func TestSessionHandshakeAcceptsMatchingEpoch(t *testing.T) {
	a, b := newPipePair()
	nodeA, nodeB := uuid.New(), uuid.New()

	sessA := NewSession(a, Config{
		Self: nodeA, Peer: nodeB, RosterEpoch: 5, SoftwareVersion: "v1",
		Graph: newGraph(), Deadline: time.Now().Add(2 * time.Second),
	})
	sessB := NewSession(b, Config{
		Self: nodeB, Peer: nodeA, RosterEpoch: 5, SoftwareVersion: "v1",
		Graph: newGraph(), Deadline: time.Now().Add(2 * time.Second),
	})

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = sessA.Run(context.Background()) }()
	go func() { defer wg.Done(); errB = sessB.Run(context.Background()) }()
	wg.Wait()

	if errA != nil {
		t.Fatalf("session A: %v", errA)
	}
	if errB != nil {
		t.Fatalf("session B: %v", errB)
	}
	if sessA.State() != StateCommit || sessB.State() != StateCommit {
		t.Fatalf("expected both sessions to reach COMMIT, got %v / %v", sessA.State(), sessB.State())
	}
}

func TestSessionAbortsOnEpochMismatch(t *testing.T) {
	a, b := newPipePair()
	nodeA, nodeB := uuid.New(), uuid.New()

	sessA := NewSession(a, Config{Self: nodeA, Peer: nodeB, RosterEpoch: 1, SoftwareVersion: "v1", Graph: newGraph(), Deadline: time.Now().Add(2 * time.Second)})
	sessB := NewSession(b, Config{Self: nodeB, Peer: nodeA, RosterEpoch: 2, SoftwareVersion: "v1", Graph: newGraph(), Deadline: time.Now().Add(2 * time.Second)})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sessA.Run(context.Background()) }()
	go func() { defer wg.Done(); sessB.Run(context.Background()) }()
	wg.Wait()

	if sessA.State() != StateAbort {
		t.Fatalf("expected session A to abort, got %v", sessA.State())
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	a, _ := newPipePair()
	sess := NewSession(a, Config{Self: uuid.New(), Peer: uuid.New(), Graph: newGraph()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sess.Abort(AbortTimeout, nil) }()
	go func() { defer wg.Done(); sess.Abort(AbortTimeout, nil) }()
	wg.Wait()

	if sess.State() != StateAbort {
		t.Fatalf("expected ABORT state, got %v", sess.State())
	}
}
