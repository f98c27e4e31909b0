//go:build darwin || linux

package acceptor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/reactormesh/tcp-nukleus/internal/poller"
	"github.com/reactormesh/tcp-nukleus/internal/route"
)

const testPort = 18199

func TestAcceptorAcceptsRoutedConnection(t *testing.T) {
	p := poller.NewFake()
	table := route.NewTable()
	addr := route.Address{IP: net.ParseIP("127.0.0.1"), Port: testPort}
	table.Add(route.Route{ID: 1, Role: route.RoleServer, LocalAddress: addr})

	var accepted []Accepted
	a := New(p, table, 8, func(ac Accepted) { accepted = append(accepted, ac) }, nil)
	defer func() {
		for _, l := range a.listeners {
			l.key.Cancel()
		}
	}()

	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(a.listeners) != 1 {
		t.Fatalf("listeners = %d, want 1", len(a.listeners))
	}
	var bl *boundListener
	for _, l := range a.listeners {
		bl = l
	}

	// Apply the listener's staged OpRead interest before it can matter.
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick (apply interest): %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port))))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(10 * time.Millisecond)

	p.MarkReady(bl.fd, poller.OpRead)
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(accepted) != 1 {
		t.Fatalf("accepted = %d connections, want 1", len(accepted))
	}
	accepted[0].Sock.Close()
}

func TestAcceptorRejectsUnroutedRemote(t *testing.T) {
	p := poller.NewFake()
	table := route.NewTable()
	addr := route.Address{IP: net.ParseIP("127.0.0.1"), Port: testPort + 1}
	// Route only accepts connections from an address nothing will dial from.
	table.Add(route.Route{
		ID:            2,
		Role:          route.RoleServer,
		LocalAddress:  addr,
		RemoteAddress: route.Address{IP: net.ParseIP("10.0.0.1")},
	})

	var accepted []Accepted
	a := New(p, table, 8, func(ac Accepted) { accepted = append(accepted, ac) }, nil)
	defer func() {
		for _, l := range a.listeners {
			l.key.Cancel()
		}
	}()

	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	var bl *boundListener
	for _, l := range a.listeners {
		bl = l
	}

	// Apply the listener's staged OpRead interest before it can matter.
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick (apply interest): %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port))))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(10 * time.Millisecond)

	p.MarkReady(bl.fd, poller.OpRead)
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(accepted) != 0 {
		t.Fatalf("accepted = %d, want 0 for an unrouted remote", len(accepted))
	}
}
