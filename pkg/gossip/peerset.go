package gossip

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrMaxPeers is returned when the peer set is full.
	ErrMaxPeers = errors.New("gossip: max peers reached")
	// ErrPeerSetClosed is returned when operating on a closed peer set.
	ErrPeerSetClosed = errors.New("gossip: peer set closed")
	// ErrPeerAlreadyRegistered is returned when a peer is added twice.
	ErrPeerAlreadyRegistered = errors.New("gossip: peer already registered")
	// ErrPeerNotRegistered is returned when removing an unknown peer.
	ErrPeerNotRegistered = errors.New("gossip: peer not registered")
)

// ConnectedPeer tracks one authenticated, currently-connected peer, keyed
// by roster node ID. Grounded on the teacher's ManagedPeerSet
// (pkg/p2p/peer_set.go), generalized from an eth-protocol Peer to a
// roster-identified gossip counterparty.
type ConnectedPeer struct {
	NodeID   uuid.UUID
	Endpoint string
	Session  *Session
}

// PeerSet is a concurrent, capacity-bounded set of connected peers.
type PeerSet struct {
	mu       sync.RWMutex
	peers    map[uuid.UUID]*ConnectedPeer
	maxPeers int
	closed   bool
}

// NewPeerSet creates a peer set with the given maximum capacity.
func NewPeerSet(maxPeers int) *PeerSet {
	return &PeerSet{peers: make(map[uuid.UUID]*ConnectedPeer), maxPeers: maxPeers}
}

// Add registers p. Returns ErrMaxPeers if the set is full,
// ErrPeerAlreadyRegistered if already present.
func (ps *PeerSet) Add(p *ConnectedPeer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return ErrPeerSetClosed
	}
	if _, exists := ps.peers[p.NodeID]; exists {
		return ErrPeerAlreadyRegistered
	}
	if len(ps.peers) >= ps.maxPeers {
		return ErrMaxPeers
	}
	ps.peers[p.NodeID] = p
	return nil
}

// Remove unregisters the peer with the given node ID.
func (ps *PeerSet) Remove(id uuid.UUID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.peers[id]; !exists {
		return ErrPeerNotRegistered
	}
	delete(ps.peers, id)
	return nil
}

// Get returns the connected peer with the given node ID, or nil.
func (ps *PeerSet) Get(id uuid.UUID) *ConnectedPeer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

// Len reports the number of connected peers.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Peers returns a snapshot of all connected peers.
func (ps *PeerSet) Peers() []*ConnectedPeer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*ConnectedPeer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}

// Close marks the set closed and evicts all peers.
func (ps *PeerSet) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.closed = true
	for k := range ps.peers {
		delete(ps.peers, k)
	}
}
