//go:build darwin || linux

// Package acceptor implements the Acceptor spec.md §4.4 describes: one
// listening socket per distinct local address across server-role
// routes, a process-wide connection cap, and eventually-consistent
// rebind once usage drops back below the cap.
//
// Grounded on pkg/rahio/listener.go's Listen/acceptLoop/registerSubflow
// structure, adapted from "group N subflows by ConnectionID" to
// "accept raw TCP, look up route by remote-address filter, reject on no
// match, hand off to the stream factory" — and from a goroutine-per-
// listener accept loop to one non-blocking accept per ready listener
// per tick, driven by internal/poller instead of a dedicated goroutine.
package acceptor

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/reactormesh/tcp-nukleus/internal/poller"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/socket"
)

// Accepted is one freshly-accepted connection, handed to the worker's
// onAccept callback for stream-factory processing.
type Accepted struct {
	Sock   *socket.FD
	Route  *route.Route
	Local  route.Address
	Remote route.Address
}

type boundListener struct {
	fd   int
	addr route.Address
	key  *poller.Key
}

// Acceptor owns the listening sockets for every server-role route's
// local address.
type Acceptor struct {
	p              poller.Poller
	table          *route.Table
	maxConnections int
	connCount      int
	atCap          bool
	onAccept       func(Accepted)
	log            *slog.Logger

	listeners map[string]*boundListener
}

// New creates an Acceptor. onAccept is invoked synchronously from
// within the worker's poller tick for each accepted connection that
// matched a route.
func New(p poller.Poller, table *route.Table, maxConnections int, onAccept func(Accepted), log *slog.Logger) *Acceptor {
	if log == nil {
		log = slog.Default()
	}
	return &Acceptor{
		p:              p,
		table:          table,
		maxConnections: maxConnections,
		onAccept:       onAccept,
		log:            log,
		listeners:      make(map[string]*boundListener),
	}
}

func addrKey(a route.Address) string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Sync binds a listening socket for every server-role local address
// currently in the route table that doesn't already have one, and
// unbinds listeners for addresses no longer routed (spec.md §3:
// "UNROUTE tears down the listening socket ... if server-role and no
// other route references it"). Called by the worker once per tick,
// after draining the control conduit.
func (a *Acceptor) Sync() error {
	wanted := make(map[string]route.Address)
	for _, addr := range a.table.LocalAddresses() {
		wanted[addrKey(addr)] = addr
	}

	for key, addr := range wanted {
		if _, ok := a.listeners[key]; ok {
			continue
		}
		if err := a.bind(key, addr); err != nil {
			return err
		}
	}

	for key, l := range a.listeners {
		if _, ok := wanted[key]; ok {
			continue
		}
		l.key.Cancel()
		unix.Close(l.fd)
		delete(a.listeners, key)
		a.log.Info("acceptor: unbound listener no longer routed", "addr", key)
	}
	return nil
}

func (a *Acceptor) bind(key string, addr route.Address) error {
	fd, err := unix.Socket(socket.Family(addr.IP), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("acceptor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: SO_REUSEADDR: %w", err)
	}

	sa := socket.SockaddrFor(addr.IP, int(addr.Port))
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: bind %s: %w", key, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: listen %s: %w", key, err)
	}

	bl := &boundListener{fd: fd, addr: addr}
	k, err := a.p.Register(fd, a.handlerFor(bl))
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: registering listener %s with poller: %w", key, err)
	}
	bl.key = k
	if !a.atCap {
		k.Add(poller.OpRead)
	}
	a.listeners[key] = bl
	a.log.Info("acceptor: bound listener", "addr", key)
	return nil
}

// ListenerFDs returns the file descriptors of currently bound
// listeners. Exposed for tests that drive a poller.Fake from outside
// this package and need the fd to mark ready once a client connects.
func (a *Acceptor) ListenerFDs() []int {
	fds := make([]int, 0, len(a.listeners))
	for _, l := range a.listeners {
		fds = append(fds, l.fd)
	}
	return fds
}

func (a *Acceptor) handlerFor(bl *boundListener) poller.Handler {
	return func(poller.Op) {
		a.acceptOne(bl)
	}
}

// acceptOne accepts at most one connection per listener per tick
// (spec.md §4.4's cooperative fairness rule).
func (a *Acceptor) acceptOne(bl *boundListener) {
	if a.connCount >= a.maxConnections {
		a.hitCap()
		return
	}

	nfd, sa, err := unix.Accept4(bl.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			a.log.Warn("acceptor: accept error", "addr", bl.addr, "err", err)
		}
		return
	}

	remote := sockaddrToAddress(sa)
	r, ok := a.table.Lookup(route.RoleServer, bl.addr, remote)
	if !ok {
		a.log.Warn("acceptor: no route for accepted connection, rejecting", "local", bl.addr, "remote", remote)
		unix.Close(nfd)
		return
	}

	a.connCount++
	a.onAccept(Accepted{Sock: socket.New(nfd), Route: r, Local: bl.addr, Remote: remote})
}

func (a *Acceptor) hitCap() {
	if a.atCap {
		return
	}
	a.atCap = true
	for _, l := range a.listeners {
		l.key.Clear(poller.OpRead)
	}
	a.log.Warn("acceptor: connection cap reached, listeners paused", "maxConnections", a.maxConnections)
}

// ConnectionClosed must be called once per connection teardown so the
// acceptor can rebind paused listeners once back under the cap.
func (a *Acceptor) ConnectionClosed() {
	if a.connCount > 0 {
		a.connCount--
	}
	if a.atCap && a.connCount < a.maxConnections {
		a.atCap = false
		for _, l := range a.listeners {
			l.key.Add(poller.OpRead)
		}
		a.log.Info("acceptor: back under connection cap, listeners resumed")
	}
}

func sockaddrToAddress(sa unix.Sockaddr) route.Address {
	ip, port := socket.AddressFromSockaddr(sa)
	return route.Address{IP: ip, Port: port}
}
