package factory

import (
	"fmt"
	"log/slog"

	"github.com/reactormesh/tcp-nukleus/internal/acceptor"
	"github.com/reactormesh/tcp-nukleus/internal/correlate"
	"github.com/reactormesh/tcp-nukleus/internal/counters"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/streams"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

// pendingServerHalf is what the correlation map holds between the
// initial BEGIN (emitted on accept) and the application's reply BEGIN:
// everything needed to finish constructing the WriteStream, plus the
// already-live ReadStream so its throttle can be bound to the same
// peer once the pair completes.
type pendingServerHalf struct {
	readStream    *streams.ReadStream
	sock          streams.WriteSocket
	routeID       uint64
	authorization uint64
}

// ServerStreamFactory implements the server-role half of spec.md §4.6:
// on accept, allocate ids and emit the initial BEGIN; on the
// application's reply BEGIN, complete the WriteStream and bind the
// throttle pair.
type ServerStreamFactory struct {
	ids           *IDGenerator
	appWriter     *wire.MessageWriter
	cnt           *counters.Counters
	windowSize    int32
	readPadding   uint16
	log           *slog.Logger
	pending       *correlate.Map[*pendingServerHalf]
	onReadStream  func(streamID uint64, rs *streams.ReadStream)
	onWriteStream func(streamID uint64, ws *streams.WriteStream)
}

// NewServerStreamFactory creates a ServerStreamFactory. onReadStream and
// onWriteStream let the worker register each freshly-created stream
// under its id in the worker's own dispatch tables — the factory itself
// never holds those tables, matching spec.md §9's "worker owns all
// per-connection state" rule.
func NewServerStreamFactory(
	ids *IDGenerator,
	appWriter *wire.MessageWriter,
	cnt *counters.Counters,
	windowSize int32,
	onReadStream func(streamID uint64, rs *streams.ReadStream),
	onWriteStream func(streamID uint64, ws *streams.WriteStream),
	log *slog.Logger,
) *ServerStreamFactory {
	if log == nil {
		log = slog.Default()
	}
	return &ServerStreamFactory{
		ids:           ids,
		appWriter:     appWriter,
		cnt:           cnt,
		windowSize:    windowSize,
		log:           log,
		pending:       correlate.New[*pendingServerHalf](),
		onReadStream:  onReadStream,
		onWriteStream: onWriteStream,
	}
}

// Accept turns a freshly-accepted connection into a ReadStream and an
// initial BEGIN addressed to the route's target consumer (spec.md
// §4.6, steps 1-3). The WriteStream half is completed later, once the
// application's reply BEGIN names the streamId it wants to use —
// Accept only records what's needed to build it then.
func (f *ServerStreamFactory) Accept(a acceptor.Accepted, authorization uint64) (*streams.ReadStream, error) {
	streamID := f.ids.Next()
	correlationID := f.ids.Next()

	rs := streams.NewReadStream(streamID, authorization, a.Sock, f.appWriter, f.log)

	addrExt, err := wire.EncodeAddress(wire.Address{
		Family:     addressFamily(a.Local),
		LocalIP:    a.Local.IP,
		LocalPort:  a.Local.Port,
		RemoteIP:   a.Remote.IP,
		RemotePort: a.Remote.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("factory: encoding address extension: %w", err)
	}

	f.pending.Insert(correlationID, &pendingServerHalf{
		readStream:    rs,
		sock:          a.Sock,
		routeID:       a.Route.ID,
		authorization: authorization,
	})

	if err := f.appWriter.WriteBegin(&wire.Begin{
		StreamID:      streamID,
		CorrelationID: correlationID,
		Authorization: authorization,
		Extension:     addrExt,
	}); err != nil {
		f.pending.Remove(correlationID)
		return nil, fmt.Errorf("factory: emitting initial BEGIN: %w", err)
	}

	f.onReadStream(streamID, rs)
	f.log.Debug("factory: server accept registered", "streamId", streamID, "correlationId", correlationID)
	return rs, nil
}

// HandleReplyBegin completes the pair named by b.CorrelationID: builds
// the WriteStream addressed at b.StreamID, binds it as the ReadStream's
// correlated throttle target so RESET/WINDOW flow between the two
// halves (spec.md §4.6's "bind the throttle pair"), and hands the new
// WriteStream to the worker. The paired ReadStream is also returned —
// the worker's connection table is keyed by the original accept's
// streamId, not this reply streamId, so it needs both to locate the
// right entry.
func (f *ServerStreamFactory) HandleReplyBegin(b *wire.Begin) (*streams.WriteStream, *streams.ReadStream, error) {
	pending, ok := f.pending.Remove(b.CorrelationID)
	if !ok {
		return nil, nil, fmt.Errorf("factory: reply BEGIN for unknown correlationId %d", b.CorrelationID)
	}

	throttle := streams.NewWireThrottle(b.StreamID, f.appWriter)
	ws, err := streams.NewWriteStream(b.StreamID, pending.authorization, pending.routeID, pending.sock, throttle, f.windowSize, f.readPadding, 0, f.cnt, f.log)
	if err != nil {
		return nil, nil, fmt.Errorf("factory: completing reply WriteStream: %w", err)
	}
	pending.readStream.SetCorrelatedThrottle(throttle)

	f.onWriteStream(b.StreamID, ws)
	f.log.Debug("factory: server reply BEGIN paired", "correlationId", b.CorrelationID, "replyStreamId", b.StreamID)
	return ws, pending.readStream, nil
}

// HasPending reports whether correlationId names an accept still
// awaiting its reply BEGIN, without consuming it — the worker uses this
// to distinguish a reply BEGIN from a fresh client-role dial request
// arriving on the same inbound ring.
func (f *ServerStreamFactory) HasPending(correlationID uint64) bool {
	_, ok := f.pending.Peek(correlationID)
	return ok
}

// Pending reports how many accepts are awaiting a reply BEGIN.
func (f *ServerStreamFactory) Pending() int { return f.pending.Len() }

func addressFamily(a route.Address) uint8 {
	if a.IP.To4() != nil {
		return 4
	}
	return 6
}
