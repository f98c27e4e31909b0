//go:build darwin || linux

package factory

import (
	"bytes"
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/reactormesh/tcp-nukleus/internal/acceptor"
	"github.com/reactormesh/tcp-nukleus/internal/counters"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/socket"
	"github.com/reactormesh/tcp-nukleus/internal/streams"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

func socketpair(t *testing.T) (*socket.FD, *socket.FD) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return socket.New(fds[0]), socket.New(fds[1])
}

func TestServerStreamFactoryAcceptEmitsBeginAndPairsReply(t *testing.T) {
	a, _ := socketpair(t)
	defer a.Close()

	var buf bytes.Buffer
	appWriter := wire.NewMessageWriter(&buf, nil)
	cnt := counters.OpenInMemory()
	ids := NewIDGenerator(1)

	readStreams := make(map[uint64]*streams.ReadStream)
	writeStreams := make(map[uint64]*streams.WriteStream)
	f := NewServerStreamFactory(ids, appWriter, cnt, 4096,
		func(id uint64, rs *streams.ReadStream) { readStreams[id] = rs },
		func(id uint64, ws *streams.WriteStream) { writeStreams[id] = ws },
		nil)

	accepted := acceptor.Accepted{
		Sock:   a,
		Route:  &route.Route{ID: 7},
		Local:  route.Address{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		Remote: route.Address{IP: net.ParseIP("127.0.0.1"), Port: 5555},
	}

	if _, err := f.Accept(accepted, 42); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if f.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", f.Pending())
	}
	if len(readStreams) != 1 {
		t.Fatalf("readStreams registered = %d, want 1", len(readStreams))
	}

	reader := wire.NewMessageReader(&buf, nil)
	typ, v, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != wire.FrameBegin {
		t.Fatalf("type = %v, want BEGIN", typ)
	}
	begin := v.(*wire.Begin)
	if begin.Authorization != 42 {
		t.Fatalf("authorization = %d, want 42", begin.Authorization)
	}
	if _, ok := readStreams[begin.StreamID]; !ok {
		t.Fatalf("BEGIN streamId %d doesn't match registered ReadStream", begin.StreamID)
	}

	addr, err := wire.DecodeAddress(begin.Extension)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	if addr.LocalPort != 9000 || addr.RemotePort != 5555 {
		t.Fatalf("address extension mismatch: %+v", addr)
	}

	ws, pairedRS, err := f.HandleReplyBegin(&wire.Begin{StreamID: 555, CorrelationID: begin.CorrelationID, Authorization: 42})
	if err != nil {
		t.Fatalf("HandleReplyBegin: %v", err)
	}
	if ws == nil {
		t.Fatal("HandleReplyBegin returned nil WriteStream")
	}
	if pairedRS == nil || pairedRS.StreamID() != begin.StreamID {
		t.Fatalf("HandleReplyBegin paired ReadStream = %v, want streamId %d", pairedRS, begin.StreamID)
	}
	if f.Pending() != 0 {
		t.Fatalf("Pending() after reply = %d, want 0", f.Pending())
	}
	if _, ok := writeStreams[555]; !ok {
		t.Fatal("onWriteStream not invoked for replyStreamId 555")
	}

	// The reply pairing should have emitted an initial WINDOW over the
	// same connection (NewWriteStream grants immediately).
	typ, v, err = reader.ReadFrame()
	if err != nil || typ != wire.FrameWindow {
		t.Fatalf("expected WINDOW after pairing, got typ=%v err=%v", typ, err)
	}
	if v.(*wire.Window).StreamID != 555 {
		t.Fatalf("WINDOW streamId = %d, want 555", v.(*wire.Window).StreamID)
	}
}

func TestServerStreamFactoryReplyBeginUnknownCorrelation(t *testing.T) {
	var buf bytes.Buffer
	appWriter := wire.NewMessageWriter(&buf, nil)
	f := NewServerStreamFactory(NewIDGenerator(1), appWriter, counters.OpenInMemory(), 4096,
		func(uint64, *streams.ReadStream) {}, func(uint64, *streams.WriteStream) {}, nil)

	if _, _, err := f.HandleReplyBegin(&wire.Begin{StreamID: 1, CorrelationID: 999}); err == nil {
		t.Fatal("expected error for unknown correlationId")
	}
}
