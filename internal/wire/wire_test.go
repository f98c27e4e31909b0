package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestRoundTripFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewMessageWriter(&buf, nil)
	r := NewMessageReader(&buf, nil)

	begin := &Begin{StreamID: 1, CorrelationID: 99, Authorization: 2, Extension: []byte("ext")}
	if err := w.WriteBegin(begin); err != nil {
		t.Fatalf("WriteBegin: %v", err)
	}
	typ, v, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != FrameBegin {
		t.Fatalf("type = %v, want BEGIN", typ)
	}
	got := v.(*Begin)
	if got.StreamID != begin.StreamID || got.CorrelationID != begin.CorrelationID || got.Authorization != begin.Authorization || !bytes.Equal(got.Extension, begin.Extension) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, begin)
	}
}

func TestRoundTripData(t *testing.T) {
	var buf bytes.Buffer
	w := NewMessageWriter(&buf, nil)
	r := NewMessageReader(&buf, nil)

	d := &Data{
		StreamID:      42,
		Authorization: 0,
		Flags:         0,
		GroupID:       7,
		Padding:       16,
		Payload:       []byte("hello world"),
		Extension:     nil,
	}
	if err := w.WriteData(d); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	typ, v, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != FrameData {
		t.Fatalf("type = %v, want DATA", typ)
	}
	got := v.(*Data)
	if got.StreamID != d.StreamID || got.GroupID != d.GroupID || got.Padding != d.Padding || !bytes.Equal(got.Payload, d.Payload) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, d)
	}
}

func TestRoundTripWindowAndReset(t *testing.T) {
	var buf bytes.Buffer
	w := NewMessageWriter(&buf, nil)
	r := NewMessageReader(&buf, nil)

	win := &Window{StreamID: 1, Credit: 64, Padding: 0, GroupID: 0}
	if err := w.WriteWindow(win); err != nil {
		t.Fatalf("WriteWindow: %v", err)
	}
	reset := &Reset{StreamID: 1}
	if err := w.WriteReset(reset); err != nil {
		t.Fatalf("WriteReset: %v", err)
	}

	typ, v, err := r.ReadFrame()
	if err != nil || typ != FrameWindow {
		t.Fatalf("ReadFrame (window): typ=%v err=%v", typ, err)
	}
	if got := v.(*Window); got.Credit != win.Credit {
		t.Fatalf("credit = %d, want %d", got.Credit, win.Credit)
	}

	typ, v, err = r.ReadFrame()
	if err != nil || typ != FrameReset {
		t.Fatalf("ReadFrame (reset): typ=%v err=%v", typ, err)
	}
	if got := v.(*Reset); got.StreamID != reset.StreamID {
		t.Fatalf("streamId = %d, want %d", got.StreamID, reset.StreamID)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr := Address{
		Family:     4,
		LocalIP:    net.ParseIP("127.0.0.1"),
		LocalPort:  9000,
		RemoteIP:   net.ParseIP("10.0.0.5"),
		RemotePort: 443,
	}
	enc, err := EncodeAddress(addr)
	if err != nil {
		t.Fatalf("EncodeAddress: %v", err)
	}
	dec, err := DecodeAddress(enc)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	if dec.LocalPort != addr.LocalPort || dec.RemotePort != addr.RemotePort {
		t.Fatalf("ports mismatch: got %+v", dec)
	}
	if !dec.LocalIP.Equal(addr.LocalIP) || !dec.RemoteIP.Equal(addr.RemoteIP) {
		t.Fatalf("ips mismatch: got %+v", dec)
	}
}

func TestEndAndAbortRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewMessageWriter(&buf, nil)
	r := NewMessageReader(&buf, nil)

	if err := w.WriteEnd(&End{StreamID: 5}); err != nil {
		t.Fatalf("WriteEnd: %v", err)
	}
	if err := w.WriteAbort(&Abort{StreamID: 6}); err != nil {
		t.Fatalf("WriteAbort: %v", err)
	}

	typ, v, err := r.ReadFrame()
	if err != nil || typ != FrameEnd || v.(*End).StreamID != 5 {
		t.Fatalf("END roundtrip failed: typ=%v v=%+v err=%v", typ, v, err)
	}
	typ, v, err = r.ReadFrame()
	if err != nil || typ != FrameAbort || v.(*Abort).StreamID != 6 {
		t.Fatalf("ABORT roundtrip failed: typ=%v v=%+v err=%v", typ, v, err)
	}
}
