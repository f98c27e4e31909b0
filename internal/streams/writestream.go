package streams

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reactormesh/tcp-nukleus/internal/counters"
)

// ErrOverflow names the overflow condition: DATA arriving beyond the
// credit advertised to the producer (spec.md §4.3). HandleData does not
// return it; an overflow is counted, RESET and closed abortively, and
// HandleData returns the result of that close.
var ErrOverflow = errors.New("streams: overflow beyond advertised window")

// WriteSocket is the subset of a TCP connection WriteStream needs.
type WriteSocket interface {
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
	SetLingerZero() error
}

// WriteStream turns arriving DATA frames into socket writes gated by
// credit it advertises back to the producer over peer (spec.md §4.3).
//
// The pending-byte buffer uses stdlib bytes.Buffer rather than a
// third-party bounded ring (see DESIGN.md for why armon/circbuf's
// overwrite-on-full semantics doesn't fit: overflow here must become a
// counted protocol violation, never a silent drop).
type WriteStream struct {
	streamID      uint64
	authorization uint64
	routeID       uint64

	sock WriteSocket
	peer Throttle
	cnt  *counters.Counters
	log  *slog.Logger

	pending bytes.Buffer

	writableBytes int32 // credit currently advertised and not yet consumed
	padding       uint16
	groupID       uint64

	endDeferred   bool
	abortDeferred bool
	closed        bool
	aborted       bool // true once closeAbort ran: a full abortive close, not a half-shutdown
}

// NewWriteStream creates a WriteStream and immediately grants it an
// initial window of initialCredit bytes over peer.
func NewWriteStream(streamID, authorization, routeID uint64, sock WriteSocket, peer Throttle, initialCredit int32, padding uint16, groupID uint64, cnt *counters.Counters, log *slog.Logger) (*WriteStream, error) {
	if log == nil {
		log = slog.Default()
	}
	ws := &WriteStream{
		streamID:      streamID,
		authorization: authorization,
		routeID:       routeID,
		sock:          sock,
		peer:          peer,
		cnt:           cnt,
		log:           log,
		writableBytes: initialCredit,
		padding:       padding,
		groupID:       groupID,
	}
	if err := peer.SendWindow(initialCredit, int32(padding), groupID); err != nil {
		return nil, fmt.Errorf("writestream: granting initial window: %w", err)
	}
	return ws, nil
}

// StreamID returns the stream identifier this WriteStream was created
// with, for dispatch tables keyed by id.
func (ws *WriteStream) StreamID() uint64 { return ws.streamID }

// Closed reports whether the stream has reached a terminal state.
func (ws *WriteStream) Closed() bool { return ws.closed }

// Aborted reports whether the stream reached its terminal state via a
// full abortive close (overflow or I/O error) rather than an orderly
// half-shutdown on END. See ReadStream.Aborted for why the worker
// treats this as an immediate connection-teardown trigger.
func (ws *WriteStream) Aborted() bool { return ws.aborted }

// Writable reports whether the poller should be asked for OpWrite
// readiness — true exactly while bytes are buffered awaiting drain.
func (ws *WriteStream) Writable() bool { return ws.pending.Len() > 0 }

// HandleData applies an arriving DATA frame: direct-write when nothing
// is buffered, otherwise append to the pending buffer. Bytes beyond the
// advertised window are an overflow: counted and RESET.
func (ws *WriteStream) HandleData(payload []byte) error {
	if ws.closed {
		return ErrClosed
	}
	if int32(len(payload)) > ws.writableBytes {
		if ws.cnt != nil {
			ws.cnt.Add(counters.Overflows, 1)
		}
		ws.log.Warn("writestream: overflow beyond advertised window", "streamId", ws.streamID, "payloadLen", len(payload), "writableBytes", ws.writableBytes)
		if err := ws.peer.SendReset(); err != nil {
			ws.log.Error("writestream: SendReset on overflow failed", "streamId", ws.streamID, "err", err)
		}
		return ws.closeAbort()
	}
	ws.writableBytes -= int32(len(payload))

	if ws.countRouteFrame() {
		framesRead, _, bytesRead, _ := counters.RouteCounterNames(ws.routeID)
		ws.cnt.Add(framesRead, 1)
		ws.cnt.Add(bytesRead, uint64(len(payload)))
	}

	if ws.pending.Len() > 0 {
		ws.pending.Write(payload)
		return nil
	}

	n, err := ws.sock.Write(payload)
	if n > 0 {
		if werr := ws.grantWindow(n); werr != nil {
			return werr
		}
	}
	if n < len(payload) {
		ws.pending.Write(payload[n:])
	}
	if err != nil {
		ws.log.Warn("writestream: write error", "streamId", ws.streamID, "err", err)
		return ws.abortFromIOError()
	}
	return nil
}

// OnWritable drains the pending buffer once the socket reports OpWrite
// readiness, granting WINDOW sized to the bytes actually drained, then
// finalizing any deferred END/ABORT once the buffer empties.
func (ws *WriteStream) OnWritable() error {
	if ws.closed || ws.pending.Len() == 0 {
		return nil
	}

	n, err := ws.sock.Write(ws.pending.Bytes())
	if n > 0 {
		ws.pending.Next(n)
		if werr := ws.grantWindow(n); werr != nil {
			return werr
		}
	}
	if err != nil {
		ws.log.Warn("writestream: drain write error", "streamId", ws.streamID, "err", err)
		return ws.abortFromIOError()
	}

	if ws.pending.Len() == 0 {
		return ws.finalizeDeferred()
	}
	return nil
}

// HandleEnd marks the orderly end-of-input; finalized once any buffered
// bytes have drained.
func (ws *WriteStream) HandleEnd() error {
	ws.endDeferred = true
	if ws.pending.Len() == 0 {
		return ws.finalizeDeferred()
	}
	return nil
}

// HandleAbort marks an abortive end-of-input; finalized once any
// buffered bytes have drained (spec.md §4.3's abortDeferred).
func (ws *WriteStream) HandleAbort() error {
	ws.abortDeferred = true
	if ws.pending.Len() == 0 {
		return ws.finalizeDeferred()
	}
	return nil
}

func (ws *WriteStream) finalizeDeferred() error {
	switch {
	case ws.abortDeferred:
		return ws.closeAbort()
	case ws.endDeferred:
		ws.closed = true
		return ws.sock.CloseWrite()
	default:
		return nil
	}
}

func (ws *WriteStream) grantWindow(drained int) error {
	ws.writableBytes += int32(drained)
	if ws.countRouteFrame() {
		_, framesWrote, _, bytesWrote := counters.RouteCounterNames(ws.routeID)
		ws.cnt.Add(framesWrote, 1)
		ws.cnt.Add(bytesWrote, uint64(drained))
	}
	if err := ws.peer.SendWindow(int32(drained)+int32(ws.padding), int32(ws.padding), ws.groupID); err != nil {
		return fmt.Errorf("writestream: granting window: %w", err)
	}
	return nil
}

func (ws *WriteStream) abortFromIOError() error {
	if err := ws.peer.SendReset(); err != nil {
		ws.log.Error("writestream: SendReset on I/O error failed", "streamId", ws.streamID, "err", err)
	}
	return ws.closeAbort()
}

func (ws *WriteStream) closeAbort() error {
	if ws.closed {
		return nil
	}
	ws.closed = true
	ws.aborted = true
	if err := ws.sock.SetLingerZero(); err != nil {
		ws.log.Warn("writestream: SetLingerZero failed", "streamId", ws.streamID, "err", err)
	}
	return ws.sock.Close()
}

func (ws *WriteStream) countRouteFrame() bool {
	return ws.cnt != nil
}
