//go:build darwin || linux

// Package connector implements non-blocking outbound connects for
// client-role streams (spec.md §4.5): connect() is issued without
// blocking, OP_CONNECT readiness finalizes it via SO_ERROR.
//
// Grounded on pkg/rahio/dialer.go's Dial/dialSubflow error-collection
// and cleanup-on-failure style, adapted from rahio's parallel N-subflow
// fan-out to a single non-blocking connect per client-role BEGIN —
// spec.md's client role is one TCP connection per stream pair, not a
// multipath group.
package connector

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/reactormesh/tcp-nukleus/internal/poller"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/socket"
)

// Result is delivered to OnConnect once a dial attempt finishes, either
// with a usable socket or an error.
type Result struct {
	Sock          *socket.FD
	Route         *route.Route
	CorrelationID uint64
	Err           error
}

type pendingDial struct {
	fd            int
	route         *route.Route
	correlationID uint64
	key           *poller.Key
}

// Connector issues and finalizes outbound connects.
type Connector struct {
	p         poller.Poller
	onConnect func(Result)
	log       *slog.Logger
	pending   map[int]*pendingDial
}

// New creates a Connector. onConnect is invoked synchronously from
// within the worker's poller tick once a dial attempt resolves.
func New(p poller.Poller, onConnect func(Result), log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{p: p, onConnect: onConnect, log: log, pending: make(map[int]*pendingDial)}
}

// Dial issues a non-blocking connect to r.RemoteAddress for a
// client-role stream identified by correlationID.
func (c *Connector) Dial(r *route.Route, correlationID uint64) error {
	fd, err := unix.Socket(socket.Family(r.RemoteAddress.IP), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("connector: socket: %w", err)
	}

	sa := socket.SockaddrFor(r.RemoteAddress.IP, int(r.RemoteAddress.Port))

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return fmt.Errorf("connector: connect %s: %w", r.RemoteAddress.IP, err)
	}

	pd := &pendingDial{fd: fd, route: r, correlationID: correlationID}
	key, rerr := c.p.Register(fd, c.handlerFor(pd))
	if rerr != nil {
		unix.Close(fd)
		return fmt.Errorf("connector: registering fd with poller: %w", rerr)
	}
	pd.key = key
	key.Add(poller.OpConnect)
	c.pending[fd] = pd

	c.log.Debug("connector: dial issued", "correlationId", correlationID, "remote", r.RemoteAddress.IP)
	return nil
}

// PendingFDs returns the file descriptors of dials awaiting OP_CONNECT
// finalization. Exposed for tests that drive a poller.Fake from outside
// this package and need the fd to mark ready.
func (c *Connector) PendingFDs() []int {
	fds := make([]int, 0, len(c.pending))
	for fd := range c.pending {
		fds = append(fds, fd)
	}
	return fds
}

func (c *Connector) handlerFor(pd *pendingDial) poller.Handler {
	return func(poller.Op) {
		c.finish(pd)
	}
}

func (c *Connector) finish(pd *pendingDial) {
	delete(c.pending, pd.fd)
	pd.key.Cancel()

	errno, err := unix.GetsockoptInt(pd.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(pd.fd)
		c.onConnect(Result{Route: pd.route, CorrelationID: pd.correlationID, Err: fmt.Errorf("connector: SO_ERROR: %w", err)})
		return
	}
	if errno != 0 {
		unix.Close(pd.fd)
		connErr := fmt.Errorf("connector: connect failed: %w", unix.Errno(errno))
		c.log.Warn("connector: connect failed", "correlationId", pd.correlationID, "err", connErr)
		c.onConnect(Result{Route: pd.route, CorrelationID: pd.correlationID, Err: connErr})
		return
	}

	c.log.Info("connector: connect completed", "correlationId", pd.correlationID)
	c.onConnect(Result{Sock: socket.New(pd.fd), Route: pd.route, CorrelationID: pd.correlationID})
}
