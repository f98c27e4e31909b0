// Package streams implements ReadStream and WriteStream, the per-stream
// state machines spec.md §4.2/§4.3 define: a ReadStream turns a
// socket's readable bytes into DATA frames gated by consumer-granted
// credit; a WriteStream turns arriving DATA frames into socket writes
// gated by credit it advertises back to the producer over a throttle
// channel.
//
// Grounded on pkg/rahio/conn.go's flow-control block — fcMu/fcCond,
// sendWindow/inFlight/sentPackets on the send side, recvWindowBytes/
// recvBufBytes/sendAck on the receive side — generalized from one
// send/receive window per multipath connection to a readableBytes/
// writableBytes pair per stream, with padding and groupId added.
package streams

import "github.com/reactormesh/tcp-nukleus/internal/wire"

// Throttle is the reverse-direction channel a stream uses to push
// WINDOW/RESET back to its producer (spec.md §4's "peer throttle
// channel"). ReadStream and WriteStream only ever see this interface,
// never each other directly — the generalization of rahio's sendAck/
// handleAck pair, which talked directly to the MultipathConn, into a
// named collaborator so the two stream halves can live on different
// connections.
type Throttle interface {
	// SendWindow grants credit bytes, reserving padding bytes of
	// overhead per frame, tagged with groupID for the producer's own
	// fairness accounting.
	SendWindow(credit int32, padding int32, groupID uint64) error

	// SendReset cancels the forward direction, per spec.md §4.3.
	SendReset() error
}

// WireThrottle is the wire-based Throttle implementation: WINDOW/RESET
// travel as frames over a MessageWriter rather than as direct method
// calls, so the two halves of a stream pair can live on different
// connections (even different workers, via a ring) and still exchange
// flow control exactly as spec.md §6 lays out on the wire.
type WireThrottle struct {
	streamID uint64
	writer   *wire.MessageWriter
}

// NewWireThrottle binds a Throttle to streamId on writer.
func NewWireThrottle(streamID uint64, writer *wire.MessageWriter) *WireThrottle {
	return &WireThrottle{streamID: streamID, writer: writer}
}

func (t *WireThrottle) SendWindow(credit, padding int32, groupID uint64) error {
	return t.writer.WriteWindow(&wire.Window{StreamID: t.streamID, Credit: credit, Padding: padding, GroupID: groupID})
}

func (t *WireThrottle) SendReset() error {
	return t.writer.WriteReset(&wire.Reset{StreamID: t.streamID})
}
