package factory

import (
	"fmt"
	"log/slog"

	"github.com/reactormesh/tcp-nukleus/internal/connector"
	"github.com/reactormesh/tcp-nukleus/internal/correlate"
	"github.com/reactormesh/tcp-nukleus/internal/counters"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/streams"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

// pendingClientHalf records what's needed to finish (or fail) a
// client-role dial once the Connector resolves it: the streamId the
// application chose for its own outbound (initial) direction, so a
// failure can RESET exactly that stream, and the authorization to
// stamp on the reply BEGIN.
type pendingClientHalf struct {
	initialStreamID uint64
	authorization   uint64
}

// ClientStreamFactory implements the client-role mirror of spec.md
// §4.6: the application owns the correlationId and the initial
// (outbound) streamId; once the Connector completes the dial, the
// factory builds the stream pair and replies with a fresh streamId for
// the inbound direction.
type ClientStreamFactory struct {
	ids           *IDGenerator
	appWriter     *wire.MessageWriter
	connector     *connector.Connector
	cnt           *counters.Counters
	windowSize    int32
	readPadding   uint16
	log           *slog.Logger
	pending       *correlate.Map[*pendingClientHalf]
	onReadStream  func(streamID uint64, rs *streams.ReadStream)
	onWriteStream func(streamID uint64, ws *streams.WriteStream)
}

// NewClientStreamFactory creates a ClientStreamFactory bound to c for
// issuing outbound dials.
func NewClientStreamFactory(
	ids *IDGenerator,
	appWriter *wire.MessageWriter,
	c *connector.Connector,
	cnt *counters.Counters,
	windowSize int32,
	onReadStream func(streamID uint64, rs *streams.ReadStream),
	onWriteStream func(streamID uint64, ws *streams.WriteStream),
	log *slog.Logger,
) *ClientStreamFactory {
	if log == nil {
		log = slog.Default()
	}
	return &ClientStreamFactory{
		ids:           ids,
		appWriter:     appWriter,
		connector:     c,
		cnt:           cnt,
		windowSize:    windowSize,
		log:           log,
		pending:       correlate.New[*pendingClientHalf](),
		onReadStream:  onReadStream,
		onWriteStream: onWriteStream,
	}
}

// BeginDial starts a client-role connection for an application-initiated
// BEGIN: r is the client-role route the worker already resolved for
// this request, b carries the application's own correlationId and the
// streamId it will use to push outbound DATA.
func (f *ClientStreamFactory) BeginDial(r *route.Route, b *wire.Begin) error {
	f.pending.Insert(b.CorrelationID, &pendingClientHalf{
		initialStreamID: b.StreamID,
		authorization:   b.Authorization,
	})
	if err := f.connector.Dial(r, b.CorrelationID); err != nil {
		f.pending.Remove(b.CorrelationID)
		return fmt.Errorf("factory: dialing for correlationId %d: %w", b.CorrelationID, err)
	}
	f.log.Debug("factory: client dial issued", "correlationId", b.CorrelationID, "initialStreamId", b.StreamID)
	return nil
}

// HandleDialResult completes or fails the half named by res.CorrelationID
// once the Connector resolves it (spec.md §4.5/§4.6). On success it
// returns the freshly built WriteStream/ReadStream pair so the worker
// can register the underlying connection (res.Sock) with the poller;
// both are nil on failure or error, since there is then no connection
// to register.
func (f *ClientStreamFactory) HandleDialResult(res connector.Result) (*streams.WriteStream, *streams.ReadStream, error) {
	pending, ok := f.pending.Remove(res.CorrelationID)
	if !ok {
		return nil, nil, fmt.Errorf("factory: dial result for unknown correlationId %d", res.CorrelationID)
	}

	initialThrottle := streams.NewWireThrottle(pending.initialStreamID, f.appWriter)
	if res.Err != nil {
		f.log.Warn("factory: client dial failed, resetting initial throttle", "correlationId", res.CorrelationID, "err", res.Err)
		return nil, nil, initialThrottle.SendReset()
	}

	ws, err := streams.NewWriteStream(pending.initialStreamID, pending.authorization, res.Route.ID, res.Sock, initialThrottle, f.windowSize, f.readPadding, 0, f.cnt, f.log)
	if err != nil {
		return nil, nil, fmt.Errorf("factory: completing client WriteStream: %w", err)
	}

	replyStreamID := f.ids.Next()
	rs := streams.NewReadStream(replyStreamID, pending.authorization, res.Sock, f.appWriter, f.log)
	rs.SetCorrelatedThrottle(initialThrottle)

	if err := f.appWriter.WriteBegin(&wire.Begin{
		StreamID:      replyStreamID,
		CorrelationID: res.CorrelationID,
		Authorization: pending.authorization,
	}); err != nil {
		return nil, nil, fmt.Errorf("factory: emitting reply BEGIN: %w", err)
	}

	f.onWriteStream(pending.initialStreamID, ws)
	f.onReadStream(replyStreamID, rs)
	f.log.Debug("factory: client dial completed", "correlationId", res.CorrelationID, "replyStreamId", replyStreamID)
	return ws, rs, nil
}

// Pending reports how many dials are currently in flight.
func (f *ClientStreamFactory) Pending() int { return f.pending.Len() }
