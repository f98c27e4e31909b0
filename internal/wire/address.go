package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address is the TCP-specific extension payload carried on a BEGIN frame
// (spec.md §6 "Address extension").
type Address struct {
	Family     uint8 // 4 or 6
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16
}

// EncodeAddress serializes addr into a BEGIN extension payload.
func EncodeAddress(addr Address) ([]byte, error) {
	ipLen := 4
	if addr.Family == 6 {
		ipLen = 16
	} else if addr.Family != 4 {
		return nil, fmt.Errorf("wire: unsupported address family %d", addr.Family)
	}

	local := ipBytes(addr.LocalIP, ipLen)
	remote := ipBytes(addr.RemoteIP, ipLen)

	buf := make([]byte, 0, 1+ipLen*2+4)
	buf = append(buf, addr.Family)
	buf = append(buf, local...)
	buf = appendU16(buf, addr.LocalPort)
	buf = append(buf, remote...)
	buf = appendU16(buf, addr.RemotePort)
	return buf, nil
}

// DecodeAddress parses a BEGIN extension payload produced by EncodeAddress.
func DecodeAddress(b []byte) (Address, error) {
	if len(b) < 1 {
		return Address{}, fmt.Errorf("wire: address extension empty")
	}
	family := b[0]
	ipLen := 4
	if family == 6 {
		ipLen = 16
	} else if family != 4 {
		return Address{}, fmt.Errorf("wire: unsupported address family %d", family)
	}

	want := 1 + ipLen*2 + 4
	if len(b) < want {
		return Address{}, fmt.Errorf("wire: address extension too short: want %d, have %d", want, len(b))
	}

	off := 1
	localIP := append(net.IP{}, b[off:off+ipLen]...)
	off += ipLen
	localPort := binary.LittleEndian.Uint16(b[off:])
	off += 2
	remoteIP := append(net.IP{}, b[off:off+ipLen]...)
	off += ipLen
	remotePort := binary.LittleEndian.Uint16(b[off:])

	return Address{
		Family:     family,
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
	}, nil
}

func ipBytes(ip net.IP, n int) []byte {
	if n == 4 {
		v4 := ip.To4()
		if v4 == nil {
			return make([]byte, 4)
		}
		return v4
	}
	v6 := ip.To16()
	if v6 == nil {
		return make([]byte, 16)
	}
	return v6
}
