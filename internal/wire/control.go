package wire

import (
	"encoding/binary"
	"fmt"
)

// ControlType tags a control-plane command (spec.md §6 "Control messages").
type ControlType uint8

const (
	ControlRoute   ControlType = 0x01
	ControlUnroute ControlType = 0x02
)

func (t ControlType) String() string {
	switch t {
	case ControlRoute:
		return "ROUTE"
	case ControlUnroute:
		return "UNROUTE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Role is the route role spec.md §3 defines.
type Role uint8

const (
	RoleServer Role = 0
	RoleClient Role = 1
)

// RouteCommand is the ROUTE control message (spec.md §6).
type RouteCommand struct {
	CorrelationID uint64
	Nukleus       string
	Role          Role
	Ref           int64
	SourceName    string
	SourceRef     int64
	TargetName    string
	TargetRef     int64
	Authorization uint64
	Extension     []byte
}

// UnrouteCommand is the UNROUTE control message (spec.md §6).
type UnrouteCommand struct {
	CorrelationID uint64
	RouteID       uint64
}

// EncodeRoute serializes a ROUTE command as a standalone framed record
// suitable for internal/ring.WriteRecord.
func EncodeRoute(r *RouteCommand) []byte {
	buf := make([]byte, 0, 64+len(r.Nukleus)+len(r.SourceName)+len(r.TargetName)+len(r.Extension))
	buf = append(buf, byte(ControlRoute))
	buf = appendU64(buf, r.CorrelationID)
	buf = appendString(buf, r.Nukleus)
	buf = append(buf, byte(r.Role))
	buf = appendI64(buf, r.Ref)
	buf = appendString(buf, r.SourceName)
	buf = appendI64(buf, r.SourceRef)
	buf = appendString(buf, r.TargetName)
	buf = appendI64(buf, r.TargetRef)
	buf = appendU64(buf, r.Authorization)
	buf = appendExtension(buf, r.Extension)
	return buf
}

// EncodeUnroute serializes an UNROUTE command as a standalone framed record.
func EncodeUnroute(u *UnrouteCommand) []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, byte(ControlUnroute))
	buf = appendU64(buf, u.CorrelationID)
	buf = appendU64(buf, u.RouteID)
	return buf
}

// DecodeControl decodes a single control-plane record produced by
// EncodeRoute or EncodeUnroute, returning the type tag and the decoded
// value as *RouteCommand or *UnrouteCommand.
func DecodeControl(b []byte) (ControlType, any, error) {
	if len(b) < 1 {
		return 0, nil, fmt.Errorf("wire: empty control record")
	}
	t := ControlType(b[0])
	body := b[1:]
	switch t {
	case ControlRoute:
		v, err := decodeRoute(body)
		return t, v, err
	case ControlUnroute:
		v, err := decodeUnroute(body)
		return t, v, err
	default:
		return 0, nil, fmt.Errorf("wire: unknown control type 0x%02x", uint8(t))
	}
}

func decodeRoute(b []byte) (*RouteCommand, error) {
	off := 0
	need := func(n int) error {
		if len(b)-off < n {
			return fmt.Errorf("wire: ROUTE truncated at offset %d, need %d more bytes", off, n)
		}
		return nil
	}

	if err := need(8); err != nil {
		return nil, err
	}
	corrID := binary.LittleEndian.Uint64(b[off:])
	off += 8

	nukleus, n, err := readString(b[off:])
	if err != nil {
		return nil, err
	}
	off += n

	if err := need(1); err != nil {
		return nil, err
	}
	role := Role(b[off])
	off++

	if err := need(8); err != nil {
		return nil, err
	}
	ref := int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8

	sourceName, n, err := readString(b[off:])
	if err != nil {
		return nil, err
	}
	off += n

	if err := need(8); err != nil {
		return nil, err
	}
	sourceRef := int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8

	targetName, n, err := readString(b[off:])
	if err != nil {
		return nil, err
	}
	off += n

	if err := need(8); err != nil {
		return nil, err
	}
	targetRef := int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8

	if err := need(8); err != nil {
		return nil, err
	}
	auth := binary.LittleEndian.Uint64(b[off:])
	off += 8

	ext, err := readExtension(b[off:])
	if err != nil {
		return nil, err
	}

	return &RouteCommand{
		CorrelationID: corrID,
		Nukleus:       nukleus,
		Role:          role,
		Ref:           ref,
		SourceName:    sourceName,
		SourceRef:     sourceRef,
		TargetName:    targetName,
		TargetRef:     targetRef,
		Authorization: auth,
		Extension:     ext,
	}, nil
}

func decodeUnroute(b []byte) (*UnrouteCommand, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("wire: UNROUTE too short (%d bytes)", len(b))
	}
	return &UnrouteCommand{
		CorrelationID: binary.LittleEndian.Uint64(b[0:8]),
		RouteID:       binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func appendString(b []byte, s string) []byte {
	return appendExtension(b, []byte(s))
}

func appendI64(b []byte, v int64) []byte {
	return appendU64(b, uint64(v))
}

// readString reads a length-prefixed UTF-8 string and returns it along
// with the number of bytes consumed.
func readString(b []byte) (string, int, error) {
	ext, err := readExtension(b)
	if err != nil {
		return "", 0, err
	}
	return string(ext), 2 + len(ext), nil
}
