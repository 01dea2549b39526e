package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/event"
	"github.com/hgnode/consensus-node/pkg/eventcreator"
	"github.com/hgnode/consensus-node/pkg/gossip"
	"github.com/hgnode/consensus-node/pkg/log"
	"github.com/hgnode/consensus-node/pkg/platform"
	"github.com/hgnode/consensus-node/pkg/reconnect"
	"github.com/hgnode/consensus-node/pkg/roster"
	"github.com/hgnode/consensus-node/pkg/shadowgraph"
	"github.com/hgnode/consensus-node/pkg/state"
)

// gossipDialInterval is how often the gossip service sweeps the roster
// for peers it should proactively dial. Not a recognized configuration
// option; this is operational detail the way the teacher's p2p server
// picks its own internal peering ticker.
const gossipDialInterval = 15 * time.Second

// verifyEd25519 adapts ed25519.Verify to event.Verify's verifyFn shape.
func verifyEd25519(pubkey, msg, sig []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pubkey, msg, sig)
}

// makeEventValidator builds the gossip session's EventValidator: every
// inbound event's signature must verify against its creator's roster
// certificate. The agreement certificate doubles as the event-signing
// public key, so no separate roster field is needed for it.
func makeEventValidator(r *roster.Roster) gossip.EventValidator {
	return func(e *event.Event) error {
		member, err := r.Member(e.Creator)
		if err != nil {
			return err
		}
		if member.SigningCert == nil {
			return fmt.Errorf("event: creator %s has no signing certificate on file", e.Creator)
		}
		pub, ok := member.SigningCert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("event: creator %s certificate is not Ed25519", e.Creator)
		}
		return event.Verify(e, r, verifyEd25519, pub)
	}
}

// gossipService runs the mTLS gossip listener and a periodic outbound
// dialer against the roster's other members, grounded on the teacher's
// server accept-loop shape (pkg/p2p/server.go) generalized to drive this
// package's Session state machine.
type gossipService struct {
	cfg         *platform.Config
	logger      *log.Logger
	self        uuid.UUID
	roster      *roster.Roster
	rosterEpoch uint64
	softwareVer string
	graph       *shadowgraph.Graph
	validate    gossip.EventValidator
	reputation  *gossip.ReputationTracker
	tlsConfig   *tls.Config
	trust       *gossip.TrustStore

	listener *gossip.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func (s *gossipService) Name() string { return "gossip" }

func (s *gossipService) Start() error {
	ln, err := net.Listen("tcp", s.cfg.GossipAddr())
	if err != nil {
		return fmt.Errorf("gossip: listen %s: %w", s.cfg.GossipAddr(), err)
	}
	s.listener = gossip.NewListener(ln, s.tlsConfig, s.trust)
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.acceptLoop()
	go s.dialLoop()
	return nil
}

func (s *gossipService) Stop() error {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *gossipService) acceptLoop() {
	defer s.wg.Done()
	for {
		accepted, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("gossip: accept error", "err", err)
				continue
			}
		}
		if accepted.PeerID == "" {
			accepted.Transport.Close()
			continue
		}
		peer, err := uuid.Parse(accepted.PeerID)
		if err != nil {
			accepted.Transport.Close()
			continue
		}
		go s.runSession(accepted.Transport, peer)
	}
}

func (s *gossipService) dialLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(gossipDialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dialDue()
		}
	}
}

func (s *gossipService) dialDue() {
	for _, m := range s.roster.Members {
		if m.NodeID == s.self || m.Endpoint == "" {
			continue
		}
		if s.reputation.Banned(m.NodeID) {
			continue
		}
		go func(m roster.Member) {
			tr, err := gossip.Dial(m.Endpoint, s.tlsConfig)
			if err != nil {
				s.reputation.Report(m.NodeID, "dial_failure")
				return
			}
			s.runSession(tr, m.NodeID)
		}(m)
	}
}

func (s *gossipService) runSession(tr gossip.Transport, peer uuid.UUID) {
	sess := gossip.NewSession(tr, gossip.Config{
		Self:                 s.self,
		Peer:                 peer,
		Roster:               s.roster,
		RosterEpoch:          s.rosterEpoch,
		SoftwareVersion:      s.softwareVer,
		Graph:                s.graph,
		Validate:             s.validate,
		MaxOutstandingEvents: s.cfg.GossipMaxOutstandingEvents,
		Deadline:             time.Now().Add(s.cfg.ReconnectAsyncStreamTimeout),
		Reputation:           s.reputation,
		Logger:               s.logger,
	})
	if err := sess.Run(context.Background()); err != nil {
		s.logger.Warn("gossip session ended", "peer", peer, "err", err)
	}
}

// eventCreatorService drives eventcreator.Creator.Tick on a fixed interval
// ("on each tick it picks the other-parent ...").
type eventCreatorService struct {
	creator  *eventcreator.Creator
	logger   *log.Logger
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (s *eventCreatorService) Name() string { return "eventcreator" }

func (s *eventCreatorService) Start() error {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *eventCreatorService) Stop() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *eventCreatorService) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.creator.Tick(); err != nil && !errors.Is(err, eventcreator.ErrNoEvent) {
				s.logger.Warn("eventcreator: tick failed", "err", err)
			}
		}
	}
}

// stateService runs the signed-state manager's background collector and
// leak sentinel.
type stateService struct {
	manager *state.Manager
}

func (s *stateService) Name() string { return "state" }
func (s *stateService) Start() error { go s.manager.Run(); return nil }
func (s *stateService) Stop() error  { s.manager.Stop(); return nil }

// reconnectService holds the Learning Synchronizer and Teacher responder
// ready for use. Detecting that this node has fallen behind and must
// catch up is a roster/shadow-graph policy decision this CLI entrypoint
// does not make automatically; the subsystem is fully implemented and
// unit-tested (pkg/reconnect) and held here in exported fields for an
// operator-driven catch-up flow to invoke, rather than this command
// inventing an auto-trigger policy of its own.
type reconnectService struct {
	logger  *log.Logger
	Learner *reconnect.Learner
	Teacher *reconnect.Teacher
}

func (s *reconnectService) Name() string { return "reconnect" }
func (s *reconnectService) Start() error {
	s.logger.Info("reconnect subsystem ready (learner/teacher constructed, catch-up is operator-driven)")
	return nil
}
func (s *reconnectService) Stop() error { return nil }
