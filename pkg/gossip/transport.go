package gossip

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxFrameSize bounds one Frame's payload, matching the teacher's
// FrameTransport's MaxMessageSize guard (pkg/p2p/transport.go) against an
// unbounded length prefix.
const MaxFrameSize = 64 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("gossip: frame too large")
)

// TLSTransport implements Transport over an mTLS connection using
// length-prefixed framing: [4-byte big-endian length][view id:4][payload].
// Grounded on the teacher's FrameTransport (pkg/p2p/transport.go),
// generalized from a 1-byte protocol code to a 4-byte signed view id so it
// doubles as the reconnect multiplex envelope.
type TLSTransport struct {
	conn *tls.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
}

// NewTLSTransport wraps an already-handshaken tls.Conn.
func NewTLSTransport(conn *tls.Conn) *TLSTransport {
	return &TLSTransport{conn: conn}
}

// ConnectionState exposes the underlying TLS connection state for peer
// identification.
func (t *TLSTransport) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}

// ReadFrame reads one length-prefixed Frame.
func (t *TLSTransport) ReadFrame() (Frame, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var header [8]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	viewID := int32(binary.BigEndian.Uint32(header[4:]))
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{ViewID: viewID, Payload: payload}, nil
}

// WriteFrame writes one length-prefixed Frame.
func (t *TLSTransport) WriteFrame(f Frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if len(f.Payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(header[4:], uint32(f.ViewID))
	if _, err := t.conn.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := t.conn.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying TLS connection.
func (t *TLSTransport) Close() error {
	return t.conn.Close()
}

// Dial opens an outbound mTLS connection to addr using cfg.
func Dial(addr string, cfg *tls.Config) (*TLSTransport, error) {
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("gossip: dial %s: %w", addr, err)
	}
	return NewTLSTransport(conn), nil
}

// Listener accepts inbound mTLS connections, identifies the peer via the
// current trust store, and hands authenticated transports to Accept's
// caller.
type Listener struct {
	ln         net.Listener
	tlsConfig  *tls.Config
	trustStore *TrustStore
}

// NewListener wraps a net.Listener with mTLS, requiring client
// certificates and identifying peers against trustStore.
func NewListener(ln net.Listener, tlsConfig *tls.Config, trustStore *TrustStore) *Listener {
	cfg := tlsConfig.Clone()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return &Listener{ln: tls.NewListener(ln, cfg), tlsConfig: cfg, trustStore: trustStore}
}

// Accepted is one accepted, identified inbound connection.
type Accepted struct {
	Transport *TLSTransport
	PeerID    string // empty if IdentifyPeer found no match
}

// Accept blocks until an inbound connection completes its TLS handshake,
// then identifies the peer against the trust store. An unmatched cert does
// not fail Accept; PeerID is left empty and the caller decides whether to
// proceed ("Returns ... None ... if no peer matches").
func (l *Listener) Accept() (*Accepted, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tlsConn := conn.(*tls.Conn)
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("gossip: tls handshake: %w", err)
	}
	tr := NewTLSTransport(tlsConn)
	member, ok := l.trustStore.IdentifyPeer(tlsConn.ConnectionState())
	if !ok {
		return &Accepted{Transport: tr}, nil
	}
	return &Accepted{Transport: tr, PeerID: member.NodeID.String()}, nil
}

// Close stops the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
