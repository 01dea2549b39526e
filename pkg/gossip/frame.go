// Package gossip implements the per-peer sync protocol: a state-machine
// session over one mTLS-authenticated connection that exchanges
// per-creator tips, computes the symmetric difference, and transfers
// missing events in topological order.
//
// Grounded on the teacher's devp2p stack (pkg/p2p/{multiplexer,message,
// handshake,server,peer_set,reputation}.go), generalized from an
// arbitrary-capability RLPx multiplexer to a single gossip sub-protocol
// plus the reconnect multiplex (pkg/reconnect reuses this package's
// Frame wire shape as a shared multiplexed envelope).
package gossip

import (
	"fmt"

	"github.com/hgnode/consensus-node/pkg/rlp"
)

// ViewTerminator is the view id that terminates a multiplexed session
// ("A view id of −1 terminates the session").
const ViewTerminator = -1

// Frame is the wire envelope for both gossip and reconnect traffic: a
// view id, payload length, and payload bytes.
type Frame struct {
	ViewID  int32
	Payload []byte
}

// EncodeFrame renders f as its deterministic wire encoding.
func EncodeFrame(f Frame) ([]byte, error) {
	return rlp.EncodeToBytes(f)
}

// DecodeFrame parses a Frame previously produced by EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := rlp.DecodeBytes(b, &f); err != nil {
		return Frame{}, fmt.Errorf("gossip: decode frame: %w", err)
	}
	return f, nil
}

// PayloadKind discriminates the control-frame payloads carried inside a
// TRANSFER/DIFF-phase Frame ("descriptor lists, event records,
// or control frames").
type PayloadKind uint8

const (
	// KindTips carries a per-creator tip descriptor list.
	KindTips PayloadKind = iota
	// KindEvent carries one encoded event.
	KindEvent
	// KindAck carries a stream-drained acknowledgement.
	KindAck
	// KindAbort carries an abort reason code.
	KindAbort
)

// ControlFrame wraps a typed payload with its discriminant so the receiver
// can dispatch without guessing from content.
type ControlFrame struct {
	Kind PayloadKind
	Body []byte
}

// EncodeControl renders a ControlFrame.
func EncodeControl(kind PayloadKind, body []byte) ([]byte, error) {
	return rlp.EncodeToBytes(ControlFrame{Kind: kind, Body: body})
}

// DecodeControl parses a ControlFrame.
func DecodeControl(b []byte) (ControlFrame, error) {
	var c ControlFrame
	if err := rlp.DecodeBytes(b, &c); err != nil {
		return ControlFrame{}, err
	}
	return c, nil
}
