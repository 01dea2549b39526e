package gossip

import (
	"sync"

	"github.com/google/uuid"
)

// Event types reported to the scoring subsystem ("Verification
// failures are reported to the scoring subsystem before being dropped").
const (
	EventValidEvent     = "valid_event"
	EventInvalidEvent   = "invalid_event"
	EventProtocolViolation = "protocol_violation"
	EventTimeout        = "timeout"
	EventEpochMismatch  = "epoch_mismatch"
)

var eventDeltas = map[string]float64{
	EventValidEvent:        1.0,
	EventInvalidEvent:      -25.0,
	EventProtocolViolation: -40.0,
	EventTimeout:           -10.0,
	EventEpochMismatch:     -5.0,
}

// ReputationConfig configures a ReputationTracker.
type ReputationConfig struct {
	InitialScore float64
	MaxScore     float64
	MinScore     float64 // at or below this, a peer is considered banned
}

// DefaultReputationConfig returns sensible defaults.
func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{InitialScore: 100, MaxScore: 200, MinScore: -100}
}

// ReputationTracker scores peers by the events they generate during
// sessions, adapted from the teacher's devp2p reputation tracker
// (pkg/p2p/reputation.go) to the {InvalidEvent, ProtocolViolation,
// Timeout, EpochMismatch} error kinds this protocol raises.
type ReputationTracker struct {
	mu     sync.Mutex
	cfg    ReputationConfig
	scores map[uuid.UUID]float64
}

// NewReputationTracker creates a tracker with the given configuration.
func NewReputationTracker(cfg ReputationConfig) *ReputationTracker {
	return &ReputationTracker{cfg: cfg, scores: make(map[uuid.UUID]float64)}
}

// Report applies event's score delta to peer, creating a fresh entry at
// InitialScore if this is the first report for that peer.
func (r *ReputationTracker) Report(peer uuid.UUID, event string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	score, ok := r.scores[peer]
	if !ok {
		score = r.cfg.InitialScore
	}
	score += eventDeltas[event]
	if score > r.cfg.MaxScore {
		score = r.cfg.MaxScore
	}
	if score < r.cfg.MinScore {
		score = r.cfg.MinScore
	}
	r.scores[peer] = score
	return score
}

// Score returns peer's current score, or InitialScore if unreported.
func (r *ReputationTracker) Score(peer uuid.UUID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scores[peer]; ok {
		return s
	}
	return r.cfg.InitialScore
}

// Banned reports whether peer's score has fallen to the ban threshold.
func (r *ReputationTracker) Banned(peer uuid.UUID) bool {
	return r.Score(peer) <= r.cfg.MinScore
}
