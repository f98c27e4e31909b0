package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// MessageReader decodes frames from an underlying io.Reader — in
// production, the consumer side of an internal/ring.Ring. Modeled on
// pkg/rahio/packet.go's ReadPacket.
type MessageReader struct {
	r   io.Reader
	log *slog.Logger
}

func NewMessageReader(r io.Reader, log *slog.Logger) *MessageReader {
	if log == nil {
		log = slog.Default()
	}
	return &MessageReader{r: r, log: log}
}

// ReadFrame decodes the next frame and returns its type alongside the
// decoded value: *Begin, *Data, *End, *Abort, *Window, or *Reset. The
// worker's main frame handler pattern-matches on the returned type
// rather than invoking virtual methods (spec.md §9).
func (mr *MessageReader) ReadFrame() (FrameType, any, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(mr.r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total < 1 {
		return 0, nil, fmt.Errorf("wire: frame shorter than a type tag (%d bytes)", total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(mr.r, body); err != nil {
		return 0, nil, fmt.Errorf("wire: reading frame body: %w", err)
	}

	t := FrameType(body[0])
	payload := body[1:]

	var (
		v   any
		err error
	)
	switch t {
	case FrameBegin:
		v, err = decodeBegin(payload)
	case FrameData:
		v, err = decodeData(payload)
	case FrameEnd:
		v, err = decodeEnd(payload)
	case FrameAbort:
		v, err = decodeAbort(payload)
	case FrameWindow:
		v, err = decodeWindow(payload)
	case FrameReset:
		v, err = decodeReset(payload)
	default:
		return 0, nil, fmt.Errorf("wire: unknown frame type 0x%02x", uint8(t))
	}
	if err != nil {
		mr.log.Warn("wire: malformed frame", "type", t.String(), "err", err)
		return 0, nil, err
	}

	mr.log.Debug("wire: received", "type", t.String(), "bodyLen", len(payload))
	return t, v, nil
}

func decodeBegin(b []byte) (*Begin, error) {
	if len(b) < 26 {
		return nil, fmt.Errorf("wire: BEGIN too short (%d bytes)", len(b))
	}
	streamID := binary.LittleEndian.Uint64(b[0:8])
	correlationID := binary.LittleEndian.Uint64(b[8:16])
	auth := binary.LittleEndian.Uint64(b[16:24])
	ext, err := readExtension(b[24:])
	if err != nil {
		return nil, err
	}
	return &Begin{StreamID: streamID, CorrelationID: correlationID, Authorization: auth, Extension: ext}, nil
}

// decodeStreamAuthExt parses the common streamId(8)+authorization(8)+
// extension layout shared by END and ABORT (spec.md §6) — unlike BEGIN,
// neither carries a correlationId.
func decodeStreamAuthExt(b []byte) (streamID, auth uint64, ext []byte, err error) {
	if len(b) < 18 {
		return 0, 0, nil, fmt.Errorf("wire: frame too short (%d bytes)", len(b))
	}
	streamID = binary.LittleEndian.Uint64(b[0:8])
	auth = binary.LittleEndian.Uint64(b[8:16])
	ext, err = readExtension(b[16:])
	return streamID, auth, ext, err
}

func decodeData(b []byte) (*Data, error) {
	if len(b) < 23 {
		return nil, fmt.Errorf("wire: DATA too short (%d bytes)", len(b))
	}
	// Layout: streamId(8) auth(8) flags(1) groupId(8) padding(2) payloadLen(4) payload(N) extension
	off := 0
	streamID := binary.LittleEndian.Uint64(b[off:])
	off += 8
	auth := binary.LittleEndian.Uint64(b[off:])
	off += 8
	flags := DataFlags(b[off])
	off++
	groupID := binary.LittleEndian.Uint64(b[off:])
	off += 8
	if len(b) < off+2 {
		return nil, fmt.Errorf("wire: DATA truncated before padding")
	}
	padding := binary.LittleEndian.Uint16(b[off:])
	off += 2
	if len(b) < off+4 {
		return nil, fmt.Errorf("wire: DATA truncated before payloadLen")
	}
	payloadLen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if uint32(len(b)-off) < payloadLen {
		return nil, fmt.Errorf("wire: DATA payload truncated: want %d, have %d", payloadLen, len(b)-off)
	}
	payload := b[off : off+int(payloadLen)]
	off += int(payloadLen)
	ext, err := readExtension(b[off:])
	if err != nil {
		return nil, err
	}
	return &Data{
		StreamID:      streamID,
		Authorization: auth,
		Flags:         flags,
		GroupID:       groupID,
		Padding:       padding,
		Payload:       payload,
		Extension:     ext,
	}, nil
}

func decodeEnd(b []byte) (*End, error) {
	streamID, auth, ext, err := decodeStreamAuthExt(b)
	if err != nil {
		return nil, err
	}
	return &End{StreamID: streamID, Authorization: auth, Extension: ext}, nil
}

func decodeAbort(b []byte) (*Abort, error) {
	streamID, auth, ext, err := decodeStreamAuthExt(b)
	if err != nil {
		return nil, err
	}
	return &Abort{StreamID: streamID, Authorization: auth, Extension: ext}, nil
}

func decodeWindow(b []byte) (*Window, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("wire: WINDOW too short (%d bytes)", len(b))
	}
	streamID := binary.LittleEndian.Uint64(b[0:8])
	credit := int32(binary.LittleEndian.Uint32(b[8:12]))
	padding := int32(binary.LittleEndian.Uint32(b[12:16]))
	groupID := binary.LittleEndian.Uint64(b[16:24])
	return &Window{StreamID: streamID, Credit: credit, Padding: padding, GroupID: groupID}, nil
}

func decodeReset(b []byte) (*Reset, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("wire: RESET too short (%d bytes)", len(b))
	}
	return &Reset{StreamID: binary.LittleEndian.Uint64(b[0:8])}, nil
}

func readExtension(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("wire: missing extension length")
	}
	n := binary.LittleEndian.Uint16(b[0:2])
	if len(b)-2 < int(n) {
		return nil, fmt.Errorf("wire: extension truncated: want %d, have %d", n, len(b)-2)
	}
	return b[2 : 2+int(n)], nil
}
