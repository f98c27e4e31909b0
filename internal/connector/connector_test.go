//go:build darwin || linux

package connector

import (
	"net"
	"testing"
	"time"

	"github.com/reactormesh/tcp-nukleus/internal/poller"
	"github.com/reactormesh/tcp-nukleus/internal/route"
)

func TestConnectorCompletesSuccessfulDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	p := poller.NewFake()

	var results []Result
	c := New(p, func(r Result) { results = append(results, r) }, nil)

	r := &route.Route{RemoteAddress: route.Address{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}}
	if err := c.Dial(r, 99); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var fd int
	for fd = range c.pending {
	}
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick (apply interest): %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	p.MarkReady(fd, poller.OpConnect)
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected dial error: %v", results[0].Err)
	}
	if results[0].CorrelationID != 99 {
		t.Fatalf("correlationId = %d, want 99", results[0].CorrelationID)
	}
	results[0].Sock.Close()
}

func TestConnectorReportsRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens on this port now

	p := poller.NewFake()
	var results []Result
	c := New(p, func(r Result) { results = append(results, r) }, nil)

	r := &route.Route{RemoteAddress: route.Address{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}}
	if err := c.Dial(r, 1); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var fd int
	for fd = range c.pending {
	}
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick (apply interest): %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	p.MarkReady(fd, poller.OpConnect)
	if _, err := p.Tick(0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("results = %+v, want one result with a non-nil error", results)
	}
}
