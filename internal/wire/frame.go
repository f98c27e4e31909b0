// Package wire implements the framed message codec for the six stream
// message variants spec.md §6 defines (BEGIN, DATA, END, ABORT, WINDOW,
// RESET), little-endian on the wire. It is the Go-native generalization
// of the teacher's fixed single-struct wire format
// (pkg/rahio/packet.go's WritePacket/ReadPacket) into a tagged sum over
// frame variants, per spec.md §9's "dynamic dispatch" design note.
package wire

import "fmt"

// FrameType tags which of the six variants a frame carries.
type FrameType uint8

const (
	FrameBegin  FrameType = 0x01
	FrameData   FrameType = 0x02
	FrameEnd    FrameType = 0x03
	FrameAbort  FrameType = 0x04
	FrameWindow FrameType = 0x05
	FrameReset  FrameType = 0x06
)

func (t FrameType) String() string {
	switch t {
	case FrameBegin:
		return "BEGIN"
	case FrameData:
		return "DATA"
	case FrameEnd:
		return "END"
	case FrameAbort:
		return "ABORT"
	case FrameWindow:
		return "WINDOW"
	case FrameReset:
		return "RESET"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// DataFlags carries the flags field of a DATA frame. The core itself
// never sets bits beyond what the consumer contract requires; the field
// exists so an extension fragmentation scheme (not specified here) has
// somewhere to live on the wire.
type DataFlags uint8

// Begin opens a stream (spec.md §6). CorrelationID pairs this BEGIN
// with its counterpart half per spec.md §3's correlation map — carried
// on the wire because the stream factories need to address a reply
// BEGIN back at the pending half without yet knowing its streamId.
type Begin struct {
	StreamID      uint64
	CorrelationID uint64
	Authorization uint64
	Extension     []byte
}

// Data carries a DATA frame (spec.md §6). Payload aliases the worker's
// scratch buffer when emitted by ReadStream (spec.md §9 zero-copy
// discipline) — callers must not retain Payload past the current tick.
type Data struct {
	StreamID      uint64
	Authorization uint64
	Flags         DataFlags
	GroupID       uint64
	Padding       uint16
	Payload       []byte
	Extension     []byte
}

// End closes a stream in the orderly direction (spec.md §6).
type End struct {
	StreamID      uint64
	Authorization uint64
	Extension     []byte
}

// Abort closes a stream abortively (spec.md §6).
type Abort struct {
	StreamID      uint64
	Authorization uint64
	Extension     []byte
}

// Window grants credit on the throttle channel (spec.md §6).
type Window struct {
	StreamID uint64
	Credit   int32
	Padding  int32
	GroupID  uint64
}

// Reset cancels the forward direction of a stream (spec.md §6).
type Reset struct {
	StreamID uint64
}
