package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/event"
	"github.com/hgnode/consensus-node/pkg/log"
	"github.com/hgnode/consensus-node/pkg/rlp"
	"github.com/hgnode/consensus-node/pkg/roster"
	"github.com/hgnode/consensus-node/pkg/shadowgraph"
)

// State is one state in the gossip session state machine.
type State int

const (
	StateHandshake State = iota
	StateTipExchange
	StateDiff
	StateTransfer
	StateCommit // terminal success
	StateAbort  // terminal failure
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateTipExchange:
		return "TIP_EXCHANGE"
	case StateDiff:
		return "DIFF"
	case StateTransfer:
		return "TRANSFER"
	case StateCommit:
		return "COMMIT"
	case StateAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AbortReason identifies why a session terminated in StateAbort.
type AbortReason int

const (
	AbortNone AbortReason = iota
	AbortEpochMismatch
	AbortProtocolViolation
	AbortTimeout
	AbortInvalidEvent
	AbortTransport
	AbortRequested
)

var (
	// ErrEpochMismatch mirrorsEpochMismatch.
	ErrEpochMismatch = errors.New("gossip: roster epoch or software version mismatch")
	// ErrProtocolViolation mirrorsProtocolViolation.
	ErrProtocolViolation = errors.New("gossip: peer violated the backpressure window")
	// ErrInvalidEvent mirrorsInvalidEvent.
	ErrInvalidEvent = errors.New("gossip: received event failed validation")
)

// Transport is the frame-level I/O a Session drives. Implementations wrap
// an authenticated connection (typically TLS); TLSTransport in this
// package is the production implementation.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// EventValidator checks a received event before it is admitted to the
// Shadow Graph (signature, parent resolution, ancient check) during the
// DIFF->TRANSFER transition.
type EventValidator func(e *event.Event) error

// Config bundles the parameters for one Session.
type Config struct {
	Self       uuid.UUID
	Peer       uuid.UUID
	Roster     *roster.Roster
	RosterEpoch uint64
	SoftwareVersion string

	Graph      *shadowgraph.Graph
	Validate   EventValidator
	MaxOutstandingEvents int
	Deadline   time.Time
	Reputation *ReputationTracker
	Logger     *log.Logger
}

// Session drives the per-peer sync protocol over one Transport.
type Session struct {
	id     uuid.UUID
	cfg    Config
	tr     Transport
	state  atomic.Int32
	once   sync.Once
	once2  sync.Once
	done   chan struct{}

	reservation *shadowgraph.Reservation
	abortReason AbortReason
	abortErr    error
}

// NewSession constructs a Session bound to tr with the given configuration.
func NewSession(tr Transport, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	s := &Session{id: uuid.New(), cfg: cfg, tr: tr, done: make(chan struct{})}
	s.state.Store(int32(StateHandshake))
	return s
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// peerHello is exchanged in HANDSHAKE: each side presents its roster epoch
// and software version.
type peerHello struct {
	RosterEpoch     uint64
	SoftwareVersion string
}

// tipList is exchanged in TIP_EXCHANGE: each side's current per-creator
// tips, as compact descriptors.
type tipList struct {
	Tips []event.Descriptor
}

// Run drives the session to completion: HANDSHAKE -> TIP_EXCHANGE -> DIFF
// -> TRANSFER -> COMMIT, or ABORT on any failure. The Shadow Graph window
// reservation taken for the session's duration is released on every exit
// path. Run blocks until the session reaches a terminal state, ctx is
// canceled, or the session's deadline passes.
func (s *Session) Run(ctx context.Context) error {
	lowerBound := s.cfg.Graph.Threshold()
	s.reservation = s.cfg.Graph.ReserveWindow(lowerBound)
	defer s.releaseReservation()

	if !s.cfg.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, s.cfg.Deadline)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.runStates() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Abort(AbortTimeout, ctx.Err())
		<-errCh
		return s.abortErr
	}
}

func (s *Session) runStates() error {
	if err := s.handshake(); err != nil {
		return s.fail(AbortEpochMismatch, err)
	}
	s.state.Store(int32(StateTipExchange))

	localTips, peerTips, err := s.exchangeTips()
	if err != nil {
		return s.fail(AbortTransport, err)
	}
	s.state.Store(int32(StateDiff))

	toSend, toRequestCount := diffTips(localTips, peerTips, s.cfg.Graph)
	_ = toRequestCount
	s.state.Store(int32(StateTransfer))

	if err := s.transfer(toSend); err != nil {
		return s.fail(classifyTransferErr(err), err)
	}
	s.state.Store(int32(StateCommit))

	if err := s.commit(); err != nil {
		return s.fail(AbortTransport, err)
	}
	return nil
}

func classifyTransferErr(err error) AbortReason {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return AbortInvalidEvent
	case errors.Is(err, ErrProtocolViolation):
		return AbortProtocolViolation
	default:
		return AbortTransport
	}
}

func (s *Session) handshake() error {
	if err := s.tr.WriteFrame(mustControlFrame(KindTips, peerHello{RosterEpoch: s.cfg.RosterEpoch, SoftwareVersion: s.cfg.SoftwareVersion})); err != nil {
		return err
	}
	f, err := s.tr.ReadFrame()
	if err != nil {
		return err
	}
	ctrl, err := DecodeControl(f.Payload)
	if err != nil {
		return err
	}
	var hello peerHello
	if err := decodeBody(ctrl.Body, &hello); err != nil {
		return err
	}
	if hello.RosterEpoch != s.cfg.RosterEpoch || hello.SoftwareVersion != s.cfg.SoftwareVersion {
		return ErrEpochMismatch
	}
	return nil
}

func (s *Session) exchangeTips() (local, peer []event.Descriptor, err error) {
	tips := s.cfg.Graph.Tips()
	local = make([]event.Descriptor, 0, len(tips))
	for _, e := range tips {
		local = append(local, e.Descriptor())
	}
	if err := s.tr.WriteFrame(mustControlFrame(KindTips, tipList{Tips: local})); err != nil {
		return nil, nil, err
	}

	f, err := s.tr.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := DecodeControl(f.Payload)
	if err != nil {
		return nil, nil, err
	}
	var tl tipList
	if err := decodeBody(ctrl.Body, &tl); err != nil {
		return nil, nil, err
	}
	return local, tl.Tips, nil
}

// diffTips computes this side's half of the difference: the local tip
// descriptors whose hashes are not among the peer's reported tips. It
// compares tips only and does not walk ancestry, so ancestors of a tip are
// not added. The second result is the number of tips the peer reported.
func diffTips(local, peerTips []event.Descriptor, g *shadowgraph.Graph) (toSend []event.Descriptor, toRequestCount int) {
	known := make(map[crypto.Hash]bool, len(peerTips))
	for _, d := range peerTips {
		known[d.Hash] = true
	}
	for _, d := range local {
		if !known[d.Hash] {
			toSend = append(toSend, d)
		}
	}
	return toSend, len(peerTips)
}

// transfer sends events the peer is missing and receives events this node
// is missing, validating each as it arrives.
// Backpressure: at most MaxOutstandingEvents unacknowledged sends may be
// in flight at once.
func (s *Session) transfer(toSend []event.Descriptor) error {
	outstanding := 0
	maxOutstanding := s.cfg.MaxOutstandingEvents
	if maxOutstanding <= 0 {
		maxOutstanding = 1 << 30
	}

	for _, d := range toSend {
		e, ok := s.cfg.Graph.Get(d.Hash)
		if !ok {
			continue // evicted/ancient between diff and transfer; peer will request it again next session
		}
		body, err := event.Encode(e)
		if err != nil {
			return err
		}
		if err := s.tr.WriteFrame(mustControlFrame(KindEvent, body)); err != nil {
			return err
		}
		outstanding++
		if outstanding > maxOutstanding {
			return ErrProtocolViolation
		}
	}
	if err := s.tr.WriteFrame(mustControlFrame(KindAck, nil)); err != nil {
		return err
	}

	// Drain the peer's stream until its ack arrives.
	for {
		f, err := s.tr.ReadFrame()
		if err != nil {
			return err
		}
		ctrl, err := DecodeControl(f.Payload)
		if err != nil {
			return err
		}
		switch ctrl.Kind {
		case KindEvent:
			e, err := event.Decode(ctrl.Body)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
			}
			if s.cfg.Validate != nil {
				if err := s.cfg.Validate(e); err != nil {
					if s.cfg.Reputation != nil {
						s.cfg.Reputation.Report(s.cfg.Peer, EventInvalidEvent)
					}
					return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
				}
			}
			event.RecomputeGeneration(e)
			if err := s.cfg.Graph.Insert(e); err != nil && !errors.Is(err, shadowgraph.ErrDuplicate) && !errors.Is(err, shadowgraph.ErrAncient) {
				return err
			}
			if s.cfg.Reputation != nil {
				s.cfg.Reputation.Report(s.cfg.Peer, EventValidEvent)
			}
		case KindAck:
			return nil
		case KindAbort:
			return fmt.Errorf("%w: peer aborted", ErrProtocolViolation)
		}
	}
}

func (s *Session) commit() error {
	return s.tr.WriteFrame(Frame{ViewID: ViewTerminator})
}

// Abort transitions the session to ABORT with the given reason, writing
// exactly one abort frame and releasing the window reservation exactly
// once, even under concurrent callers.
func (s *Session) Abort(reason AbortReason, cause error) {
	s.once.Do(func() {
		s.abortReason = reason
		s.abortErr = cause
		s.state.Store(int32(StateAbort))
		body, _ := EncodeControl(KindAbort, []byte(fmt.Sprintf("%d", reason)))
		_ = s.tr.WriteFrame(Frame{ViewID: 0, Payload: body})
		s.releaseReservation()
		if s.cfg.Reputation != nil {
			s.cfg.Reputation.Report(s.cfg.Peer, abortReasonEvent(reason))
		}
		close(s.done)
	})
}

func abortReasonEvent(r AbortReason) string {
	switch r {
	case AbortTimeout:
		return EventTimeout
	case AbortEpochMismatch:
		return EventEpochMismatch
	case AbortProtocolViolation, AbortInvalidEvent:
		return EventProtocolViolation
	default:
		return EventProtocolViolation
	}
}

func (s *Session) releaseReservation() {
	s.once2.Do(func() {
		if s.reservation != nil {
			s.reservation.Release()
		}
	})
}

func (s *Session) fail(reason AbortReason, err error) error {
	s.Abort(reason, err)
	return s.abortErr
}

func mustEncode(v any) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic("gossip: encode: " + err.Error())
	}
	return b
}

func decodeBody(b []byte, v any) error {
	return rlp.DecodeBytes(b, v)
}

func mustControlFrame(kind PayloadKind, v any) Frame {
	var body []byte
	switch t := v.(type) {
	case []byte:
		body = t
	default:
		body = mustEncode(v)
	}
	ctrl, err := EncodeControl(kind, body)
	if err != nil {
		panic("gossip: encode control frame: " + err.Error())
	}
	return Frame{ViewID: 0, Payload: ctrl}
}
