//go:build darwin || linux

package socket

import (
	"net"

	"golang.org/x/sys/unix"
)

// Family returns the socket() address family for ip: AF_INET for an
// IPv4 address (including the unspecified zero-value IP, which binds/
// dials the IPv4 wildcard as it always has), AF_INET6 for anything else.
func Family(ip net.IP) int {
	if len(ip) == 0 || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// SockaddrFor builds the unix.Sockaddr for ip:port, choosing
// SockaddrInet4 or SockaddrInet6 to match Family(ip) — spec.md §3's
// localAddress/remoteAddress are IPv4 or IPv6, and §6's address
// extension already round-trips both via internal/wire, so the sockets
// acceptor/connector actually open must not silently narrow to IPv4.
func SockaddrFor(ip net.IP, port int) unix.Sockaddr {
	if Family(ip) == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: port}
		if ip4 := ip.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// AddressFromSockaddr converts a accept(2)/getsockname(2)-style
// unix.Sockaddr back into an IP and port, the inverse of SockaddrFor.
func AddressFromSockaddr(sa unix.Sockaddr) (net.IP, uint16) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), uint16(v.Port)
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return ip, uint16(v.Port)
	default:
		return nil, 0
	}
}
