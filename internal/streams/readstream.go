package streams

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

// ErrClosed is returned by operations attempted on an already-closed
// stream.
var ErrClosed = errors.New("streams: closed")

// Socket is the subset of a TCP connection ReadStream needs: reading
// bytes, half-closing the read side on orderly EOF, and an abortive
// close with SO_LINGER=0 on protocol violation. Satisfied in production
// by a thin wrapper over a raw fd; satisfied in tests by a fake.
type Socket interface {
	Read(p []byte) (int, error)
	CloseRead() error
	Close() error
	SetLingerZero() error
}

// ReadStream turns a socket's readable bytes into DATA frames gated by
// consumer-granted credit (spec.md §4.2).
type ReadStream struct {
	streamID      uint64
	authorization uint64

	sock   Socket
	writer *wire.MessageWriter
	log    *slog.Logger

	readableBytes int32 // credit granted by the consumer, signed: -1 once at EOF
	readPadding   uint16
	readGroupID   uint64

	resetRequired bool
	closed        bool
	aborted       bool // true once closeSocket ran: a full abortive close, not a half-shutdown

	correlated Throttle // set once the reply BEGIN pairs this stream, nil until then
}

// NewReadStream creates a ReadStream with no credit; it will not read
// until HandleWindow grants some.
func NewReadStream(streamID, authorization uint64, sock Socket, writer *wire.MessageWriter, log *slog.Logger) *ReadStream {
	if log == nil {
		log = slog.Default()
	}
	return &ReadStream{
		streamID:      streamID,
		authorization: authorization,
		sock:          sock,
		writer:        writer,
		log:           log,
	}
}

// SetCorrelatedThrottle binds the throttle the ReadStream notifies on
// RESET once its counterpart is known (spec.md §3's correlation
// lifecycle: "bind ReadStream/WriteStream throttle pair"). If an I/O
// error already latched resetRequired while this stream was still
// uncorrelated, the RESET owed to the producer is sent now instead of
// being lost (spec.md §4.2).
func (rs *ReadStream) SetCorrelatedThrottle(t Throttle) {
	rs.correlated = t
	if rs.resetRequired {
		rs.resetRequired = false
		if err := t.SendReset(); err != nil {
			rs.log.Error("readstream: SendReset on newly-correlated throttle failed", "streamId", rs.streamID, "err", err)
		}
	}
}

// StreamID returns the stream identifier this ReadStream was created
// with, for dispatch tables keyed by id.
func (rs *ReadStream) StreamID() uint64 { return rs.streamID }

// Closed reports whether the stream has reached a terminal state.
func (rs *ReadStream) Closed() bool { return rs.closed }

// Aborted reports whether the stream reached its terminal state via a
// full abortive close (protocol RESET or I/O error) rather than an
// orderly half-shutdown on EOF. The worker's connection table uses this
// to tear down its connTracker immediately — spec.md §9's "last
// direction to terminate closes the socket" rule only applies to the
// orderly case; an abortive close already closed the shared fd
// unilaterally, so the other half's own Closed() may never become true.
func (rs *ReadStream) Aborted() bool { return rs.aborted }

// HandleWindow applies a WINDOW frame's credit grant, returning true if
// the stream newly has room to read (the caller should then add
// poller.OpRead interest).
func (rs *ReadStream) HandleWindow(w *wire.Window) (becameReadable bool) {
	before := rs.readableBytes
	rs.readableBytes += w.Credit
	rs.readPadding = uint16(w.Padding)
	rs.readGroupID = w.GroupID
	rs.log.Debug("readstream: WINDOW applied",
		"streamId", rs.streamID, "credit", w.Credit, "readableBytes", rs.readableBytes)
	return before <= int32(rs.readPadding) && rs.readableBytes > int32(rs.readPadding)
}

// HandleReset applies an incoming RESET: close immediately if
// uncorrelated, or shut down the read side only if correlated (spec.md
// §4.2's close-if-uncorrelated / shutdown-if-correlated rule).
func (rs *ReadStream) HandleReset() error {
	if rs.correlated == nil {
		return rs.closeSocket()
	}
	rs.log.Debug("readstream: RESET on correlated stream, shutting down read side", "streamId", rs.streamID)
	return rs.sock.CloseRead()
}

// Readable reports whether the stream currently has credit to read
// beyond its reserved padding.
func (rs *ReadStream) Readable() bool {
	return !rs.closed && rs.readableBytes > int32(rs.readPadding)
}

// OnReadable is invoked by the worker when the poller reports OpRead
// ready. scratch is the worker's single shared scratch buffer (spec.md
// §9 zero-copy discipline) — the returned Data frame's Payload aliases
// it and must not be retained past this call.
func (rs *ReadStream) OnReadable(scratch []byte) error {
	if rs.closed {
		return ErrClosed
	}
	if !rs.Readable() {
		return nil
	}

	limit := int(rs.readableBytes) - int(rs.readPadding)
	if limit > len(scratch) {
		limit = len(scratch)
	}

	n, err := rs.sock.Read(scratch[:limit])
	if n > 0 {
		rs.readableBytes -= int32(n) + int32(rs.readPadding)
		werr := rs.writer.WriteData(&wire.Data{
			StreamID:      rs.streamID,
			Authorization: rs.authorization,
			GroupID:       rs.readGroupID,
			Padding:       rs.readPadding,
			Payload:       scratch[:n],
		})
		if werr != nil {
			return fmt.Errorf("readstream: emitting DATA: %w", werr)
		}
	}

	if err != nil {
		if err == io.EOF {
			return rs.handleEOF()
		}
		return rs.handleIOError(err)
	}
	return nil
}

// handleEOF implements the orderly-close path: emit END, shut down the
// read side. The socket itself closes once the write side also
// terminates (spec.md §3 Connection: "the last direction to terminate
// closes the socket").
func (rs *ReadStream) handleEOF() error {
	rs.readableBytes = -1
	rs.log.Debug("readstream: EOF, emitting END", "streamId", rs.streamID)
	if err := rs.writer.WriteEnd(&wire.End{StreamID: rs.streamID, Authorization: rs.authorization}); err != nil {
		return fmt.Errorf("readstream: emitting END: %w", err)
	}
	rs.closed = true
	return rs.sock.CloseRead()
}

// handleIOError implements the abortive-close path: emit ABORT, request
// RESET on the correlated throttle if any, then close with
// SO_LINGER=0.
func (rs *ReadStream) handleIOError(readErr error) error {
	rs.log.Warn("readstream: I/O error, aborting", "streamId", rs.streamID, "err", readErr)
	if err := rs.writer.WriteAbort(&wire.Abort{StreamID: rs.streamID, Authorization: rs.authorization}); err != nil {
		rs.log.Error("readstream: emitting ABORT failed", "streamId", rs.streamID, "err", err)
	}
	if rs.correlated != nil {
		if err := rs.correlated.SendReset(); err != nil {
			rs.log.Error("readstream: SendReset on correlated throttle failed", "streamId", rs.streamID, "err", err)
		}
	} else {
		// No throttle to notify yet — latch the RESET so it still
		// reaches the producer once SetCorrelatedThrottle pairs this
		// stream (spec.md §4.2).
		rs.resetRequired = true
	}
	return rs.closeSocket()
}

func (rs *ReadStream) closeSocket() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	rs.aborted = true
	if err := rs.sock.SetLingerZero(); err != nil {
		rs.log.Warn("readstream: SetLingerZero failed", "streamId", rs.streamID, "err", err)
	}
	return rs.sock.Close()
}
