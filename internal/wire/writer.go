package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// MessageWriter encodes frames onto an underlying io.Writer — in
// production, the producer side of an internal/ring.Ring. Modeled on
// pkg/rahio/packet.go's WritePacket: a length-prefixed frame, one
// slog.Debug trace per emission.
type MessageWriter struct {
	w   io.Writer
	log *slog.Logger
}

// NewMessageWriter wraps w. log may be nil, in which case slog.Default
// is used.
func NewMessageWriter(w io.Writer, log *slog.Logger) *MessageWriter {
	if log == nil {
		log = slog.Default()
	}
	return &MessageWriter{w: w, log: log}
}

func (mw *MessageWriter) WriteBegin(b *Begin) error {
	body := make([]byte, 0, 26+len(b.Extension))
	body = appendU64(body, b.StreamID)
	body = appendU64(body, b.CorrelationID)
	body = appendU64(body, b.Authorization)
	body = appendExtension(body, b.Extension)
	return mw.emit(FrameBegin, body, "streamId", b.StreamID, "correlationId", b.CorrelationID)
}

func (mw *MessageWriter) WriteData(d *Data) error {
	body := make([]byte, 0, 23+len(d.Payload)+len(d.Extension))
	body = appendU64(body, d.StreamID)
	body = appendU64(body, d.Authorization)
	body = append(body, byte(d.Flags))
	body = appendU64(body, d.GroupID)
	body = appendU16(body, d.Padding)
	body = appendU32(body, uint32(len(d.Payload)))
	body = append(body, d.Payload...)
	body = appendExtension(body, d.Extension)
	return mw.emit(FrameData, body, "streamId", d.StreamID, "payloadLen", len(d.Payload), "padding", d.Padding)
}

func (mw *MessageWriter) WriteEnd(e *End) error {
	body := make([]byte, 0, 18+len(e.Extension))
	body = appendU64(body, e.StreamID)
	body = appendU64(body, e.Authorization)
	body = appendExtension(body, e.Extension)
	return mw.emit(FrameEnd, body, "streamId", e.StreamID)
}

func (mw *MessageWriter) WriteAbort(a *Abort) error {
	body := make([]byte, 0, 18+len(a.Extension))
	body = appendU64(body, a.StreamID)
	body = appendU64(body, a.Authorization)
	body = appendExtension(body, a.Extension)
	return mw.emit(FrameAbort, body, "streamId", a.StreamID)
}

func (mw *MessageWriter) WriteWindow(win *Window) error {
	body := make([]byte, 0, 20)
	body = appendU64(body, win.StreamID)
	body = appendI32(body, win.Credit)
	body = appendI32(body, win.Padding)
	body = appendU64(body, win.GroupID)
	return mw.emit(FrameWindow, body, "streamId", win.StreamID, "credit", win.Credit, "padding", win.Padding)
}

func (mw *MessageWriter) WriteReset(r *Reset) error {
	body := make([]byte, 0, 8)
	body = appendU64(body, r.StreamID)
	return mw.emit(FrameReset, body, "streamId", r.StreamID)
}

func (mw *MessageWriter) emit(t FrameType, body []byte, logArgs ...any) error {
	frame := make([]byte, 5+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)+1))
	frame[4] = byte(t)
	copy(frame[5:], body)

	mw.log.Debug("wire: emit", append([]any{"type", t.String(), "bodyLen", len(body)}, logArgs...)...)

	if _, err := mw.w.Write(frame); err != nil {
		mw.log.Error("wire: write failed", "type", t.String(), "err", err)
		return fmt.Errorf("wire: writing %s frame: %w", t, err)
	}
	return nil
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI32(b []byte, v int32) []byte {
	return appendU32(b, uint32(v))
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendExtension(b []byte, ext []byte) []byte {
	b = appendU16(b, uint16(len(ext)))
	return append(b, ext...)
}
