// Package state implements the Signed-State Manager & Garbage Collector:
// a per-round pipeline that stamps a new Merkle root with its round
// number, collects weighted signatures toward a threshold, and evicts
// states that fall outside a sliding retention window, with a
// named-reservation discipline and a leak-diagnosis sentinel.
//
// Grounded on the teacher's checkpoint/attestation subsystem
// (pkg/consensus/{checkpoint_store.go,attestation_pool.go,types.go}):
// CheckpointPersistenceStore's per-epoch map with justified/finalized
// pointers becomes this package's per-round map with a latest-complete
// pointer, and AttestationPool's per-key aggregation-toward-threshold
// becomes SignatureSet's per-round weighted-signature accumulation.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/log"
	"github.com/hgnode/consensus-node/pkg/merkle"
	"github.com/hgnode/consensus-node/pkg/roster"
)

// Errors returned by Manager, named after the teacher's CS*/Pool* error
// idiom (pkg/consensus/checkpoint_store.go).
var (
	// ErrOutOfOrderState is returned when a round below the latest
	// immutable round is submitted.
	ErrOutOfOrderState = errors.New("state: out-of-order round")
	// ErrRoundExists is returned when a round is submitted twice.
	ErrRoundExists = errors.New("state: round already stamped")
	// ErrRoundNotFound is returned by operations on an unknown round.
	ErrRoundNotFound = errors.New("state: round not found")
	// ErrUnknownSigner is returned when add_signature names a node not in
	// that round's roster.
	ErrUnknownSigner = errors.New("state: signer not in roster")
)

// VerifyFunc verifies a signature from signer over the round's root hash,
// abstracting over the BLS/ECDSA choice.
type VerifyFunc func(signer *roster.Member, hash crypto.Hash, signature []byte) bool

// SignedState is one round's immutable Merkle root plus its accumulated
// signature weight, the unit this package tracks and reserves.
type SignedState struct {
	Round uint64
	Root  *merkle.Tree
	Hash  crypto.Hash

	mu           sync.Mutex
	roster       *roster.Roster
	signed       map[uuid.UUID]bool // node id -> signed
	weight       uint64
	complete     bool
	reservations map[string]int // tag -> count, for leak diagnosis
}

// Complete reports whether this state has crossed its roster's signature
// weight threshold.
func (s *SignedState) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Weight returns the currently accumulated signing weight.
func (s *SignedState) Weight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

// reserveUntracked takes a bare named reservation on s, reserving the
// underlying Merkle root for the lifetime of the tag. Most callers should
// use Manager.Reserve instead, which also registers the hold with the
// leak-diagnosis ledger.
func (s *SignedState) reserveUntracked(tag string) {
	s.Root.Reserve()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[tag]++
}

// Release drops one reservation under tag, releasing the underlying
// Merkle root. Panics if tag has no outstanding reservation, matching the
// teacher's refcount_db idiom of treating an unbalanced release as a
// programming error rather than a silent no-op.
func (s *SignedState) Release(tag string) {
	s.mu.Lock()
	if s.reservations[tag] <= 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("state: unbalanced release of reservation %q on round %d", tag, s.Round))
	}
	s.reservations[tag]--
	if s.reservations[tag] == 0 {
		delete(s.reservations, tag)
	}
	s.mu.Unlock()
	s.Root.Release()
}

// Config configures a Manager.
type Config struct {
	// RetentionWindow is how many rounds below the latest complete round
	// remain resident before eviction.
	RetentionWindow uint64
	// SentinelLeakTTL is how long a reservation may be held before the
	// sentinel flags it (configuration key `state.sentinel_leak_ttl`).
	SentinelLeakTTL time.Duration
	Hasher          crypto.Hasher
	Verify          VerifyFunc
	Logger          *log.Logger
}

// CompletionNotifier is called once a round's signatures cross threshold,
// in strict round order.
type CompletionNotifier func(*SignedState)

// Manager is the Signed-State Manager & Garbage Collector, keyed by
// round with a per-round lock and a CAS-updated latest-complete pointer.
type Manager struct {
	cfg Config

	mu              sync.RWMutex
	states          map[uint64]*SignedState
	latestImmutable uint64
	// highestStamped is the highest round number ever accepted by Stamp,
	// independent of eviction: it lets Stamp reject a round that falls
	// more than one behind the highest round seen even before any Evict
	// call has advanced latestImmutable (Testable Property 9's literal
	// "stamp R+1, R+2, then reject R" scenario has no eviction in it).
	highestStamped uint64
	anyStamped     bool

	latestComplete atomic.Pointer[SignedState]
	onComplete     CompletionNotifier
	nextNotify     uint64 // round number due to be notified next, for in-order delivery

	pendingMu sync.Mutex
	pending   map[uint64]*SignedState // completed but not yet notified (out-of-order completion)

	collectQueue chan *SignedState

	// ledger tracks named reservations for leak diagnosis, reusing
	// pkg/merkle's Ledger.
	ledger *merkle.Ledger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ledgerTag namespaces a reservation tag by round, since merkle.Ledger
// tracks holds by tag alone.
func ledgerTag(round uint64, tag string) string {
	return fmt.Sprintf("%d:%s", round, tag)
}

// New creates a Manager. Call Run in a goroutine to start its background
// collector and leak sentinel.
func New(cfg Config, onComplete CompletionNotifier) *Manager {
	if cfg.Hasher == nil {
		cfg.Hasher = crypto.DefaultHasher()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Module("state")
	}
	if cfg.SentinelLeakTTL == 0 {
		cfg.SentinelLeakTTL = 5 * time.Minute
	}
	return &Manager{
		cfg:          cfg,
		states:       make(map[uint64]*SignedState),
		onComplete:   onComplete,
		pending:      make(map[uint64]*SignedState),
		collectQueue: make(chan *SignedState, 256),
		ledger:       merkle.NewLedger(),
		stopCh:       make(chan struct{}),
	}
}

// Reserve takes a named reservation on round's state,
// registering the hold with the leak-diagnosis ledger.
func (m *Manager) Reserve(round uint64, tag string) error {
	st, ok := m.Get(round)
	if !ok {
		return fmt.Errorf("%w: round %d", ErrRoundNotFound, round)
	}
	st.reserveUntracked(tag)
	m.ledger.Track(ledgerTag(round, tag), st.Root.Root, time.Now())
	return nil
}

// Release drops round's named reservation, removing it from the
// leak-diagnosis ledger.
func (m *Manager) Release(round uint64, tag string) error {
	st, ok := m.Get(round)
	if !ok {
		return fmt.Errorf("%w: round %d", ErrRoundNotFound, round)
	}
	st.Release(tag)
	m.ledger.Untrack(ledgerTag(round, tag))
	return nil
}

// Stamp records round's Merkle root, hashing it, and inserts it into the
// signed-state table. Returns ErrOutOfOrderState if round is below the
// latest immutable round or more than one round below the highest round
// stamped so far, and ErrRoundExists if round was already stamped. The
// new state starts with one reservation under the tag "state.evict",
// which the manager holds until Evict drops it.
func (m *Manager) Stamp(round uint64, root *merkle.Tree, r *roster.Roster) (*SignedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	floor := m.latestImmutable
	if m.anyStamped && m.highestStamped > 0 && m.highestStamped-1 > floor {
		floor = m.highestStamped - 1
	}
	if round < floor {
		return nil, fmt.Errorf("%w: round %d < floor %d", ErrOutOfOrderState, round, floor)
	}
	if _, exists := m.states[round]; exists {
		return nil, fmt.Errorf("%w: round %d", ErrRoundExists, round)
	}

	h := root.Hash()
	st := &SignedState{
		Round:        round,
		Root:         root,
		Hash:         h,
		roster:       r,
		signed:       make(map[uuid.UUID]bool),
		reservations: make(map[string]int),
	}
	st.reserveUntracked("state.evict")
	m.states[round] = st
	if !m.anyStamped || round > m.highestStamped {
		m.highestStamped = round
		m.anyStamped = true
	}
	m.cfg.Logger.Info("stamped round", "round", round, "hash", h)
	return st, nil
}

// AddSignature verifies signer's signature over round's root hash and
// accumulates its weight, completing the state once the roster's weighted
// threshold is crossed.
func (m *Manager) AddSignature(round uint64, signer uuid.UUID, signature []byte) error {
	m.mu.RLock()
	st, ok := m.states[round]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: round %d", ErrRoundNotFound, round)
	}

	member, err := st.roster.Member(signer)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	if m.cfg.Verify != nil && !m.cfg.Verify(member, st.Hash, signature) {
		return fmt.Errorf("state: signature verification failed for round %d signer %s", round, signer)
	}

	st.mu.Lock()
	alreadyComplete := st.complete
	if !st.signed[signer] {
		st.signed[signer] = true
		st.weight += member.Weight
	}
	crossed := !alreadyComplete && st.weight >= st.roster.ThresholdWeight()
	if crossed {
		st.complete = true
	}
	st.mu.Unlock()

	if crossed {
		m.onCrossThreshold(st)
	}
	return nil
}

// onCrossThreshold publishes st as latest-complete (CAS) and
// delivers completion notifications strictly in round order, buffering
// any rounds that complete out of order.
func (m *Manager) onCrossThreshold(st *SignedState) {
	m.cfg.Logger.Info("round complete", "round", st.Round, "weight", st.Weight())

	for {
		cur := m.latestComplete.Load()
		if cur != nil && cur.Round >= st.Round {
			break
		}
		if m.latestComplete.CompareAndSwap(cur, st) {
			break
		}
	}

	m.pendingMu.Lock()
	m.pending[st.Round] = st
	for {
		next, ok := m.pending[m.nextNotify]
		if !ok {
			break
		}
		delete(m.pending, m.nextNotify)
		m.nextNotify++
		m.pendingMu.Unlock()
		if m.onComplete != nil {
			m.onComplete(next)
		}
		select {
		case m.collectQueue <- next:
		default:
			m.cfg.Logger.Warn("collector queue full, dropping should_save trigger", "round", next.Round)
		}
		m.pendingMu.Lock()
	}
	m.pendingMu.Unlock()
}

// LatestComplete returns the highest-round state that has crossed
// threshold, or nil if none has yet.
func (m *Manager) LatestComplete() *SignedState {
	return m.latestComplete.Load()
}

// Evict removes states below the retention window relative to
// latestRound, decrementing their reservations' held Merkle roots.
// Returns the evicted rounds.
func (m *Manager) Evict(latestRound uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if latestRound < m.cfg.RetentionWindow {
		return nil
	}
	floor := latestRound - m.cfg.RetentionWindow
	var evicted []uint64
	for round, st := range m.states {
		if round >= floor {
			continue
		}
		delete(m.states, round)
		evicted = append(evicted, round)
		st.Release("state.evict")
	}
	if floor > m.latestImmutable {
		m.latestImmutable = floor
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	if len(evicted) > 0 {
		m.cfg.Logger.Info("evicted rounds", "from", evicted[0], "to", evicted[len(evicted)-1])
	}
	return evicted
}

// Get returns the state for round, if resident.
func (m *Manager) Get(round uint64) (*SignedState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[round]
	return st, ok
}

// Run drives the background collector and the leak sentinel until Stop
// is called. Call in its own goroutine.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.cfg.SentinelLeakTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case st := <-m.collectQueue:
			m.tryCollect(st)
		case <-ticker.C:
			m.scanLeaks()
		}
	}
}

// Stop halts Run's goroutine. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// tryCollect logs a should_save trigger for an external persistence
// consumer to act on. It releases nothing: the manager's own "state.evict"
// reservation is dropped by Evict, and other holds by explicit Release
// calls.
func (m *Manager) tryCollect(st *SignedState) {
	m.cfg.Logger.Debug("should_save triggered", "round", st.Round)
}

// scanLeaks reports reservations held longer than SentinelLeakTTL.
func (m *Manager) scanLeaks() {
	for _, leak := range m.ledger.ScanLeaks(m.cfg.SentinelLeakTTL, time.Now()) {
		m.cfg.Logger.Warn("reservation leak suspected", "tag", leak.Tag, "node_hash", leak.NodeHash, "age", leak.Age)
	}
}
