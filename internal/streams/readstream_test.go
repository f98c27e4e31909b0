package streams

import (
	"bytes"
	"testing"

	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

func TestReadStreamEmitsDataAndDecrementsCredit(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewMessageWriter(&buf, nil)
	sock := &fakeReadSocket{data: []byte("hello")}

	rs := NewReadStream(1, 0, sock, w, nil)
	rs.HandleWindow(&wire.Window{StreamID: 1, Credit: 100, Padding: 0})

	scratch := make([]byte, 64)
	if err := rs.OnReadable(scratch); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}

	r := wire.NewMessageReader(&buf, nil)
	typ, v, err := r.ReadFrame()
	if err != nil || typ != wire.FrameData {
		t.Fatalf("ReadFrame: typ=%v err=%v", typ, err)
	}
	got := v.(*wire.Data)
	if string(got.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", got.Payload)
	}
	if rs.readableBytes != 95 {
		t.Fatalf("readableBytes = %d, want 95", rs.readableBytes)
	}
}

func TestReadStreamEOFEmitsEndAndClosesRead(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewMessageWriter(&buf, nil)
	sock := &fakeReadSocket{eof: true}

	rs := NewReadStream(1, 0, sock, w, nil)
	rs.HandleWindow(&wire.Window{StreamID: 1, Credit: 100})

	if err := rs.OnReadable(make([]byte, 64)); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if !sock.readClose {
		t.Fatalf("expected CloseRead to be called on EOF")
	}
	if !rs.Closed() {
		t.Fatalf("expected stream closed on EOF")
	}

	r := wire.NewMessageReader(&buf, nil)
	typ, _, err := r.ReadFrame()
	if err != nil || typ != wire.FrameEnd {
		t.Fatalf("ReadFrame: typ=%v err=%v, want END", typ, err)
	}
}

func TestReadStreamIOErrorAbortsAndResetsCorrelated(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewMessageWriter(&buf, nil)
	sock := &fakeReadSocket{err: errConnReset{}}
	th := &fakeThrottle{}

	rs := NewReadStream(1, 0, sock, w, nil)
	rs.SetCorrelatedThrottle(th)
	rs.HandleWindow(&wire.Window{StreamID: 1, Credit: 100})

	if err := rs.OnReadable(make([]byte, 64)); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if th.resets != 1 {
		t.Fatalf("resets = %d, want 1", th.resets)
	}
	if !sock.linger0 || !sock.closed {
		t.Fatalf("expected abortive close with SO_LINGER=0, got linger0=%v closed=%v", sock.linger0, sock.closed)
	}

	r := wire.NewMessageReader(&buf, nil)
	typ, _, err := r.ReadFrame()
	if err != nil || typ != wire.FrameAbort {
		t.Fatalf("ReadFrame: typ=%v err=%v, want ABORT", typ, err)
	}
}

func TestReadStreamIOErrorLatchesResetUntilCorrelated(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewMessageWriter(&buf, nil)
	sock := &fakeReadSocket{err: errConnReset{}}

	rs := NewReadStream(1, 0, sock, w, nil)
	rs.HandleWindow(&wire.Window{StreamID: 1, Credit: 100})

	if err := rs.OnReadable(make([]byte, 64)); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if !sock.linger0 || !sock.closed {
		t.Fatalf("expected abortive close with SO_LINGER=0, got linger0=%v closed=%v", sock.linger0, sock.closed)
	}
	if !rs.resetRequired {
		t.Fatalf("expected resetRequired latched while uncorrelated")
	}

	th := &fakeThrottle{}
	rs.SetCorrelatedThrottle(th)
	if th.resets != 1 {
		t.Fatalf("resets = %d, want 1 (latched RESET delivered on correlation)", th.resets)
	}
	if rs.resetRequired {
		t.Fatalf("expected resetRequired cleared once delivered")
	}
}

func TestReadStreamResetUncorrelatedClosesImmediately(t *testing.T) {
	sock := &fakeReadSocket{}
	var buf bytes.Buffer
	rs := NewReadStream(1, 0, sock, wire.NewMessageWriter(&buf, nil), nil)

	if err := rs.HandleReset(); err != nil {
		t.Fatalf("HandleReset: %v", err)
	}
	if !sock.closed {
		t.Fatalf("expected socket closed when uncorrelated")
	}
}

func TestReadStreamResetCorrelatedOnlyShutsDownRead(t *testing.T) {
	sock := &fakeReadSocket{}
	var buf bytes.Buffer
	rs := NewReadStream(1, 0, sock, wire.NewMessageWriter(&buf, nil), nil)
	rs.SetCorrelatedThrottle(&fakeThrottle{})

	if err := rs.HandleReset(); err != nil {
		t.Fatalf("HandleReset: %v", err)
	}
	if !sock.readClose {
		t.Fatalf("expected read side shut down")
	}
	if sock.closed {
		t.Fatalf("socket should not fully close when correlated")
	}
}

type errConnReset struct{}

func (errConnReset) Error() string { return "connection reset by peer" }
