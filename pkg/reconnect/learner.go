package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/merkle"
)

// MaxConcurrentViews bounds how many per-subtree views the Learner keeps
// active at once ("up to N views are active concurrently").
const MaxConcurrentViews = 8

var (
	// ErrAborted is returned by Run when the session was aborted, either
	// locally or by the peer.
	ErrAborted = errors.New("reconnect: session aborted")
)

// view tracks one in-flight subtree synchronization: either a default
// push view walking a plain subtree node-by-node, or a Traversal driving
// a virtual map's two-phase pessimistic policy.
type view struct {
	id         int32
	parentPath merkle.Path // path this view's result attaches to, in the parent tree
	traversal  *Traversal  // non-nil for virtual-map subtrees

	// queue holds outstanding paths still to be queried for a default
	// push view, FIFO; seeded with parentPath and grown by one entry per
	// child whenever an internal node's content arrives.
	queue []merkle.Path
	// order records the internal paths discovered for this view, in
	// discovery (parent-before-child) order, so the finished subtree can
	// be assembled bottom-up by walking it in reverse.
	order []merkle.Path

	// pendingPath is the path of the single outstanding query for this
	// view (both kinds of view only ever have one in flight); chunkIdx is
	// its owning chunk for a traversal view, or -1 otherwise. Mirrors the
	// teacher's trieSyncNode dependency map (pkg/sync/trie_sync.go)
	// generalized from hash requests to path queries.
	pendingPath merkle.Path
	chunkIdx    int
}

// Learner is the catching-up node's Merkle reconnect driver. It runs one
// view per root queued with Enqueue or EnqueueMap, issues queries for a
// push view's descendants breadth-first, and finalizes nodes
// (hash-and-initialize) in reverse completion order so every node's
// children are already final when it is built. It does not detect custom
// reconnect roots in delivered nodes (a wire node carries no such
// marker), so a subtree gets its own view only when the caller queues it.
//
// Grounded on the teacher's TrieSync dependency scheduler (pkg/sync/
// trie_sync.go): that type tracks outstanding hash requests with a
// deps-counted parent/child graph and commits a node once its last
// dependency resolves. The Learner generalizes this from trie-node hash
// requests to a stub clean/dirty protocol and explicit nested views for
// custom reconnect roots.
type Learner struct {
	mu       sync.Mutex
	hasher   crypto.Hasher
	nextView int32

	views      map[int32]*view
	pendingRoots []pendingRoot

	resultsMu sync.Mutex
	results   map[int32]merkle.Node // finished view id -> root node

	builtMu sync.Mutex
	built   map[merkle.Path]merkle.Node // path -> materialized node, across all views

	sendCh chan gossipFrame
	recvCh chan gossipFrame

	local merkle.DataSource // existing local state, consulted for clean-hash guesses
}

// pendingRoot is queued work not yet assigned a live view slot ("a new view is assigned and appended to the pending-roots queue").
type pendingRoot struct {
	parentPath merkle.Path
	isMap      bool
	firstLeaf, lastLeaf merkle.Path
	leafParentRank      int
}

// gossipFrame is the subset of gossip.Frame the Learner needs, declared
// locally so this package has no import cycle back to gossip's Session.
type gossipFrame struct {
	ViewID  int32
	Payload []byte
}

// NewLearner creates a Learner that will reconstruct a tree against
// local, using hasher to verify delivered nodes.
func NewLearner(hasher crypto.Hasher, local merkle.DataSource) *Learner {
	return &Learner{
		hasher:  hasher,
		views:   make(map[int32]*view),
		results: make(map[int32]merkle.Node),
		built:   make(map[merkle.Path]merkle.Node),
		sendCh:  make(chan gossipFrame, 64),
		recvCh:  make(chan gossipFrame, 64),
		local:   local,
	}
}

// Enqueue schedules a root subtree for synchronization. Call once for the
// top-level state root before Run.
func (l *Learner) Enqueue(parentPath merkle.Path) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingRoots = append(l.pendingRoots, pendingRoot{parentPath: parentPath})
}

// EnqueueMap schedules a virtual-map subtree for the two-phase pessimistic
// traversal.
func (l *Learner) EnqueueMap(parentPath, firstLeaf, lastLeaf merkle.Path, leafParentRank int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingRoots = append(l.pendingRoots, pendingRoot{
		parentPath: parentPath, isMap: true,
		firstLeaf: firstLeaf, lastLeaf: lastLeaf, leafParentRank: leafParentRank,
	})
}

// fillViewSlots assigns queued pendingRoots to new views while there is
// spare concurrency.
func (l *Learner) fillViewSlots(send func(Message) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.views) < MaxConcurrentViews && len(l.pendingRoots) > 0 {
		pr := l.pendingRoots[0]
		l.pendingRoots = l.pendingRoots[1:]

		id := l.nextView
		l.nextView++
		v := &view{id: id, parentPath: pr.parentPath, chunkIdx: -1, queue: []merkle.Path{pr.parentPath}}
		if pr.isMap {
			v.traversal = NewTraversal(pr.firstLeaf, pr.lastLeaf, pr.leafParentRank)
			v.queue = nil
		}
		l.views[id] = v
		if err := l.issueNext(v, send); err != nil {
			return err
		}
	}
	return nil
}

// issueNext sends the next outstanding query for v. For a default push
// view this pops the next queued path; once the queue drains, the
// subtree is fully materialized and the view is finished and removed.
func (l *Learner) issueNext(v *view, send func(Message) error) error {
	if v.traversal != nil {
		return l.issueNextTraversal(v, send)
	}
	if len(v.queue) == 0 {
		return l.finishPushView(v, send)
	}
	path := v.queue[0]
	v.queue = v.queue[1:]
	v.pendingPath = path
	q := &wireQuery{Path: uint64(path)}
	if existing, err := l.local.LoadLeaf(path); err == nil {
		// The hash of the leaf materializeCleanPushNode would rebuild.
		h := merkle.NewLeaf(path, nil, existing, l.hasher).Hash()
		q.AssumedHash = h[:]
		q.HasAssumed = true
	}
	return send(Message{ViewID: v.id, Kind: KindQuery, Query: q})
}

// materializePushNode records one delivered node for a default push view:
// a leaf is built and stored immediately, while an internal node's two
// children are appended to the view's query queue (its own content isn't
// known yet, only its children's hashes) and its path is recorded in
// discovery order for bottom-up assembly once the subtree completes.
func (l *Learner) materializePushNode(v *view, n *wireNode) {
	if n == nil {
		return
	}
	path := merkle.Path(n.Path)
	l.builtMu.Lock()
	defer l.builtMu.Unlock()
	if n.IsLeaf {
		l.built[path] = merkle.NewLeaf(path, n.Key, n.Value, l.hasher)
		return
	}
	v.order = append(v.order, path)
	v.queue = append(v.queue, path.Left(), path.Right())
}

// materializeCleanPushNode records that path's previously-stored local
// leaf already matches the teacher's copy, reusing it directly instead of
// requesting it again.
func (l *Learner) materializeCleanPushNode(path merkle.Path) {
	data, err := l.local.LoadLeaf(path)
	if err != nil {
		return
	}
	l.builtMu.Lock()
	l.built[path] = merkle.NewLeaf(path, nil, data, l.hasher)
	l.builtMu.Unlock()
}

// assemble builds v's reconstructed subtree bottom-up from the nodes
// materialized in l.built: v.order lists every internal path discovered
// for this view in parent-before-child order, so walking it in reverse
// guarantees each node's children are already built when it is its turn.
func (l *Learner) assemble(v *view) merkle.Node {
	l.builtMu.Lock()
	defer l.builtMu.Unlock()
	for i := len(v.order) - 1; i >= 0; i-- {
		p := v.order[i]
		n := merkle.NewInternal(p, l.built[p.Left()], l.built[p.Right()])
		n.Rehash(l.hasher)
		l.built[p] = n
	}
	return l.built[v.parentPath]
}

// finishPushView assembles v's final subtree, records it as v's result,
// and removes v from the active view set, notifying the teacher that this
// view is done.
func (l *Learner) finishPushView(v *view, send func(Message) error) error {
	root := l.assemble(v)
	l.resultsMu.Lock()
	l.results[v.id] = root
	l.resultsMu.Unlock()
	l.mu.Lock()
	delete(l.views, v.id)
	l.mu.Unlock()
	return send(Message{ViewID: v.id, Kind: KindViewDone})
}

// Result returns the reconstructed root node for the view created by the
// viewID-th call to Enqueue/EnqueueMap (views are numbered from 0 in
// creation order), once that view has completed.
func (l *Learner) Result(viewID int32) (merkle.Node, bool) {
	l.resultsMu.Lock()
	defer l.resultsMu.Unlock()
	n, ok := l.results[viewID]
	return n, ok
}

// Tree wraps the top-level view's (view 0) completed result for hashing,
// per spec's "Hash and initialize" step: once every view has terminated,
// the learner hashes the entire reconstructed tree. Returns ok=false if
// view 0 has not yet completed.
func (l *Learner) Tree() (*merkle.Tree, bool) {
	root, ok := l.Result(0)
	if !ok {
		return nil, false
	}
	return merkle.NewTree(root, l.hasher), true
}

func (l *Learner) issueNextTraversal(v *view, send func(Message) error) error {
	if v.traversal.phase == 0 {
		path, idx, ok := v.traversal.NextInternal()
		if !ok {
			v.traversal.phase = 1
			return l.issueNextTraversal(v, send)
		}
		v.pendingPath, v.chunkIdx = path, idx
		return send(Message{ViewID: v.id, Kind: KindQuery, Query: &wireQuery{Path: uint64(path)}})
	}
	path, ok := v.traversal.NextLeaf()
	if !ok {
		return send(Message{ViewID: v.id, Kind: KindViewDone})
	}
	v.pendingPath, v.chunkIdx = path, -1
	return send(Message{ViewID: v.id, Kind: KindQuery, Query: &wireQuery{Path: uint64(path)}})
}

// HandleFrame processes one inbound Message from the teacher, advancing
// the relevant view and issuing its next query. send is called with any
// follow-up message to transmit.
func (l *Learner) HandleFrame(msg Message, send func(Message) error) error {
	l.mu.Lock()
	v, ok := l.views[msg.ViewID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("reconnect: frame for unknown view %d", msg.ViewID)
	}

	switch msg.Kind {
	case KindClean:
		if v.traversal != nil {
			v.traversal.OnClean(v.pendingPath, v.chunkIdx)
		} else {
			l.materializeCleanPushNode(v.pendingPath)
		}
	case KindNode:
		if v.traversal != nil {
			v.traversal.OnDirty(v.pendingPath, v.chunkIdx)
			if msg.Node != nil && msg.Node.IsLeaf {
				// Virtual-map leaves are derived on demand from the data
				// source rather than held as in-memory nodes (spec §3,
				// "internal nodes above leaves are derived, not stored"):
				// persist the dirty leaf so VirtualMap.LeafHash/
				// InternalHash read the teacher's current value.
				_ = l.local.SaveLeaf(merkle.Path(msg.Node.Path), msg.Node.Value)
			}
		} else {
			l.materializePushNode(v, msg.Node)
		}
	case KindViewDone:
		l.mu.Lock()
		delete(l.views, msg.ViewID)
		l.mu.Unlock()
		return nil
	case KindAbort:
		return ErrAborted
	}

	return l.issueNext(v, send)
}

// Run drives the Learner until every view queued with Enqueue or
// EnqueueMap completes, or ctx is cancelled.
// recv/send are the peer's Message stream; the caller owns framing.
func (l *Learner) Run(ctx context.Context, recv func() (Message, error), send func(Message) error) error {
	if err := l.fillViewSlots(send); err != nil {
		return err
	}
	for {
		l.mu.Lock()
		empty := len(l.views) == 0 && len(l.pendingRoots) == 0
		l.mu.Unlock()
		if empty {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := recv()
		if err != nil {
			return err
		}
		if err := l.HandleFrame(msg, send); err != nil {
			return err
		}
		if err := l.fillViewSlots(send); err != nil {
			return err
		}
	}
}
