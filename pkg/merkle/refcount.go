// refcount.go tracks node-level reference counts across retained rounds
// for garbage-collection diagnostics, generalizing the teacher's
// RefCountDB (pkg/trie/refcount_db.go) from a 16-ary Patricia trie's
// per-hash counting to a per-node Reserve/Release discipline. Unlike the
// teacher's trie, this package's Node.Reserve/Release already perform
// the actual counting; Ledger exists purely for leak diagnosis, scanning
// periodically for reservations held suspiciously long.
package merkle

import (
	"sync"
	"time"

	"github.com/hgnode/consensus-node/pkg/crypto"
)

// Ledger records, per named reservation tag, which node hash it holds and
// when the hold began, so a sentinel can flag holds older than a
// configured TTL.
type Ledger struct {
	mu    sync.Mutex
	holds map[string]hold
}

type hold struct {
	node      Node
	takenAt   time.Time
}

// NewLedger creates an empty reservation ledger.
func NewLedger() *Ledger {
	return &Ledger{holds: make(map[string]hold)}
}

// Track records a tagged reservation on n, taken at "now". Callers should
// also have called n.Reserve(); Track only adds it to the leak-diagnosis
// ledger.
func (l *Ledger) Track(tag string, n Node, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holds[tag] = hold{node: n, takenAt: now}
}

// Untrack removes tag from the ledger. Callers should also have called
// n.Release().
func (l *Ledger) Untrack(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, tag)
}

// Leak describes one reservation held past its TTL.
type Leak struct {
	Tag      string
	NodeHash crypto.Hash
	Age      time.Duration
}

// ScanLeaks returns every tracked reservation whose age exceeds ttl,
// evaluated at "now" ("State reservations may be taken with a
// tag and a leak TTL; the sentinel logs violations but does not force
// release").
func (l *Ledger) ScanLeaks(ttl time.Duration, now time.Time) []Leak {
	l.mu.Lock()
	defer l.mu.Unlock()
	var leaks []Leak
	for tag, h := range l.holds {
		age := now.Sub(h.takenAt)
		if age > ttl {
			leaks = append(leaks, Leak{Tag: tag, NodeHash: h.node.Hash(), Age: age})
		}
	}
	return leaks
}

// Len returns the number of currently tracked reservations.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}
