package gossip

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
	"time"

	"github.com/hgnode/consensus-node/pkg/log"
	"github.com/hgnode/consensus-node/pkg/roster"
)

// TrustStore holds an immutable snapshot of the roster used to authenticate
// inbound mTLS connections. A new snapshot is published
// atomically when the roster changes; in-flight sessions keep their
// original view.
type TrustStore struct {
	mu       sync.RWMutex
	current  *roster.Roster
	lastWarn time.Time
	logger   *log.Logger
}

// NewTrustStore creates a TrustStore seeded with the initial roster.
func NewTrustStore(initial *roster.Roster, logger *log.Logger) *TrustStore {
	return &TrustStore{current: initial, logger: logger}
}

// Refresh atomically swaps in a new roster snapshot. Sessions already
// authenticated against the prior snapshot are unaffected.
func (ts *TrustStore) Refresh(r *roster.Roster) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.current = r
}

// Snapshot returns the currently active roster.
func (ts *TrustStore) Snapshot() *roster.Roster {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.current
}

// IdentifyPeer matches the presented agreement certificate's issuer against
// every member's signing-cert subject in the current roster snapshot.
// Returns the matching member, or ok=false (with rate-limited logging) if
// no peer matches.
func (ts *TrustStore) IdentifyPeer(state tls.ConnectionState) (*roster.Member, bool) {
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	presented := state.PeerCertificates[0]
	r := ts.Snapshot()

	for i := range r.Members {
		m := &r.Members[i]
		if m.SigningCert == nil {
			continue
		}
		if subjectMatchesIssuer(m.SigningCert, presented) {
			return m, true
		}
	}

	ts.warnUnmatched(presented)
	return nil, false
}

func subjectMatchesIssuer(signingCert, presented *x509.Certificate) bool {
	return signingCert.Subject.String() == presented.Issuer.String()
}

// warnUnmatched logs at most once per second to avoid flooding logs when a
// misbehaving or foreign client repeatedly dials in.
func (ts *TrustStore) warnUnmatched(cert *x509.Certificate) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := time.Now()
	if now.Sub(ts.lastWarn) < time.Second {
		return
	}
	ts.lastWarn = now
	if ts.logger != nil {
		ts.logger.Warn("gossip: rejected inbound connection from unknown peer cert",
			"subject", cert.Subject.String())
	}
}
