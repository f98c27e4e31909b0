// Package worker implements the single-threaded event loop spec.md §5
// and §9 describe: one goroutine owns the Poller, the Acceptor, the
// Connector, the route table, and every live connection's ReadStream/
// WriteStream pair. Nothing here takes a lock; safety comes entirely
// from single-goroutine ownership, the same discipline
// internal/route.Table and internal/correlate.Map already rely on.
//
// Grounded on pkg/rahio/listener.go's accept/register/dispatch loop,
// generalized from "N subflows over one multipath connection" to "one
// TCP connection per stream pair, looked up by streamId on every
// inbound frame."
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/reactormesh/tcp-nukleus/internal/acceptor"
	"github.com/reactormesh/tcp-nukleus/internal/connector"
	"github.com/reactormesh/tcp-nukleus/internal/counters"
	"github.com/reactormesh/tcp-nukleus/internal/factory"
	"github.com/reactormesh/tcp-nukleus/internal/poller"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/socket"
	"github.com/reactormesh/tcp-nukleus/internal/streams"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

// connTracker is one live connection's entry in the worker's connection
// table (spec.md §9's "index into the worker's connection table" cyclic
// -reference resolution): the socket, its poller key, and whichever of
// the ReadStream/WriteStream pair have been constructed so far. For a
// server-role accept, rs exists from the first tick but ws stays nil
// until the application's reply BEGIN pairs it; for a client-role dial,
// both are always set together.
type connTracker struct {
	sock       *socket.FD
	key        *poller.Key
	rs         *streams.ReadStream
	ws         *streams.WriteStream
	serverRole bool
	torn       bool
}

// Worker ties every TCP-bridge component together behind one
// cooperative poll loop.
type Worker struct {
	p        poller.Poller
	table    *route.Table
	conduit  route.Conduit
	acceptor *acceptor.Acceptor
	connector *connector.Connector

	serverFactory *factory.ServerStreamFactory
	clientFactory *factory.ClientStreamFactory

	ids      *factory.IDGenerator
	appReader *wire.MessageReader
	cnt      *counters.Counters
	scratch  []byte
	log      *slog.Logger

	byFD      map[int]*connTracker
	byReadID  map[uint64]*connTracker
	byWriteID map[uint64]*connTracker
}

// Config bundles the dependencies New needs beyond what it constructs
// itself (the Acceptor, the Connector, and the two stream factories).
type Config struct {
	Poller         poller.Poller
	Table          *route.Table
	Conduit        route.Conduit
	AppWriter      *wire.MessageWriter // outbound: TCP core -> application
	AppReader      *wire.MessageReader // inbound: application -> TCP core
	Counters       *counters.Counters
	MaxConnections int
	WindowSize     int32
	ScratchSize    int32
	Log            *slog.Logger
}

// New wires a Worker from cfg: the Acceptor and Connector are built
// here (their onAccept/onConnect callbacks close over the Worker), and
// the two stream factories are given no-op registration callbacks — the
// Worker registers each connection with the poller itself once it has
// the matching *socket.FD in hand (spec.md §9: the worker, not the
// factories, owns the connection table).
func New(cfg Config) *Worker {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	w := &Worker{
		p:         cfg.Poller,
		table:     cfg.Table,
		conduit:   cfg.Conduit,
		ids:       factory.NewIDGenerator(1),
		appReader: cfg.AppReader,
		cnt:       cfg.Counters,
		scratch:   make([]byte, cfg.ScratchSize),
		log:       log,
		byFD:      make(map[int]*connTracker),
		byReadID:  make(map[uint64]*connTracker),
		byWriteID: make(map[uint64]*connTracker),
	}

	w.acceptor = acceptor.New(cfg.Poller, cfg.Table, cfg.MaxConnections, w.handleAccepted, log)
	w.connector = connector.New(cfg.Poller, w.handleDialResult, log)

	noopRS := func(uint64, *streams.ReadStream) {}
	noopWS := func(uint64, *streams.WriteStream) {}
	w.serverFactory = factory.NewServerStreamFactory(w.ids, cfg.AppWriter, cfg.Counters, cfg.WindowSize, noopRS, noopWS, log)
	w.clientFactory = factory.NewClientStreamFactory(w.ids, cfg.AppWriter, w.connector, cfg.Counters, cfg.WindowSize, noopRS, noopWS, log)

	return w
}

// Run drives the event loop until ctx is cancelled. Every iteration
// drains the control conduit and applies it to the route table and the
// acceptor's listener set before the poller tick dispatches ready keys
// — route changes installed this iteration are visible to this same
// iteration's accepts (spec.md §5's single-threaded cooperative
// scheduling guarantee).
func (w *Worker) Run(ctx context.Context, tickTimeoutMillis int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.Tick(tickTimeoutMillis); err != nil {
			return err
		}
	}
}

// Tick runs exactly one loop iteration. Exposed directly so tests can
// step the worker deterministically instead of racing a goroutine.
func (w *Worker) Tick(tickTimeoutMillis int) error {
	w.drainConduit()
	if err := w.acceptor.Sync(); err != nil {
		return fmt.Errorf("worker: syncing acceptor: %w", err)
	}
	w.drainInbound()
	if _, err := w.p.Tick(tickTimeoutMillis); err != nil {
		return fmt.Errorf("worker: poller tick: %w", err)
	}
	return nil
}

// RouteCount reports how many routes are currently installed, for tests.
func (w *Worker) RouteCount() int { return w.table.Len() }

// ConnectionCount reports how many live connections the worker is
// currently tracking, for tests.
func (w *Worker) ConnectionCount() int { return len(w.byFD) }

// Acceptor exposes the worker's Acceptor so tests can discover listener
// fds to mark ready on a poller.Fake.
func (w *Worker) Acceptor() *acceptor.Acceptor { return w.acceptor }

// ConnectionFDs returns the file descriptors of currently tracked
// connections, for tests driving a poller.Fake from outside this
// package.
func (w *Worker) ConnectionFDs() []int {
	fds := make([]int, 0, len(w.byFD))
	for fd := range w.byFD {
		fds = append(fds, fd)
	}
	return fds
}

// ConnectorPendingFDs returns the file descriptors of client-role dials
// awaiting OP_CONNECT finalization, for the same reason.
func (w *Worker) ConnectorPendingFDs() []int { return w.connector.PendingFDs() }

// --- control plane -------------------------------------------------

func (w *Worker) drainConduit() {
	for {
		cmd, ok, err := w.conduit.Poll()
		if err != nil {
			w.log.Error("worker: control conduit error", "err", err)
			return
		}
		if !ok {
			return
		}
		switch {
		case cmd.Route != nil:
			w.handleRoute(cmd.Route)
		case cmd.Unroute != nil:
			w.handleUnroute(cmd.Unroute)
		}
	}
}

// handleRoute installs a route and assigns it a fresh routeId. The
// TCP-specific local/remote address filter rides in the same Address
// extension encoding BEGIN uses (spec.md §6); a ROUTE with no usable
// extension matches any address.
func (w *Worker) handleRoute(r *wire.RouteCommand) {
	routeID := w.ids.Next()

	var local, remote route.Address
	if len(r.Extension) > 0 {
		addr, err := wire.DecodeAddress(r.Extension)
		if err != nil {
			w.log.Warn("worker: ROUTE extension isn't a usable address, installing with no filter", "correlationId", r.CorrelationID, "err", err)
		} else {
			local = route.Address{IP: addr.LocalIP, Port: addr.LocalPort}
			remote = route.Address{IP: addr.RemoteIP, Port: addr.RemotePort}
		}
	}

	w.table.Add(route.Route{
		ID:            routeID,
		Role:          r.Role,
		LocalAddress:  local,
		RemoteAddress: remote,
		Nukleus:       r.Nukleus,
	})
	w.log.Info("worker: route installed", "routeId", routeID, "correlationId", r.CorrelationID, "role", r.Role)
}

func (w *Worker) handleUnroute(u *wire.UnrouteCommand) {
	if w.table.Remove(u.RouteID) {
		w.log.Info("worker: route removed", "routeId", u.RouteID, "correlationId", u.CorrelationID)
	} else {
		w.log.Warn("worker: UNROUTE for unknown routeId", "routeId", u.RouteID, "correlationId", u.CorrelationID)
	}
}

// --- inbound streams ring -------------------------------------------

// drainInbound decodes every frame currently available on the
// application-to-core streams ring. ReadFrame returning io.EOF means
// the ring is empty right now — not a closed stream — so draining just
// stops until next tick (see internal/ring.Ring.Read).
func (w *Worker) drainInbound() {
	for {
		typ, v, err := w.appReader.ReadFrame()
		if err != nil {
			if err != io.EOF {
				w.log.Error("worker: decoding inbound frame failed", "err", err)
			}
			return
		}
		switch typ {
		case wire.FrameBegin:
			w.handleInboundBegin(v.(*wire.Begin))
		case wire.FrameData:
			w.handleInboundData(v.(*wire.Data))
		case wire.FrameEnd:
			w.handleInboundEnd(v.(*wire.End))
		case wire.FrameAbort:
			w.handleInboundAbort(v.(*wire.Abort))
		case wire.FrameWindow:
			w.handleInboundWindow(v.(*wire.Window))
		case wire.FrameReset:
			w.handleInboundReset(v.(*wire.Reset))
		}
	}
}

// handleInboundBegin distinguishes a server-role reply BEGIN (its
// correlationId is already pending in serverFactory) from a fresh
// client-role dial request (spec.md §4.6: "client role is the mirror").
func (w *Worker) handleInboundBegin(b *wire.Begin) {
	if w.serverFactory.HasPending(b.CorrelationID) {
		w.pairReplyBegin(b)
		return
	}
	w.beginClientDial(b)
}

func (w *Worker) pairReplyBegin(b *wire.Begin) {
	ws, rs, err := w.serverFactory.HandleReplyBegin(b)
	if err != nil {
		w.log.Warn("worker: reply BEGIN rejected", "correlationId", b.CorrelationID, "err", err)
		return
	}
	ct, ok := w.byReadID[rs.StreamID()]
	if !ok {
		w.log.Error("worker: reply BEGIN paired with an unregistered connection", "streamId", rs.StreamID())
		return
	}
	ct.ws = ws
	w.byWriteID[ws.StreamID()] = ct
	w.syncWriteInterest(ct)
}

func (w *Worker) beginClientDial(b *wire.Begin) {
	addr, err := wire.DecodeAddress(b.Extension)
	if err != nil {
		w.log.Warn("worker: client-role BEGIN without a usable address extension", "streamId", b.StreamID, "err", err)
		return
	}
	local := route.Address{IP: addr.LocalIP, Port: addr.LocalPort}
	remote := route.Address{IP: addr.RemoteIP, Port: addr.RemotePort}
	r, ok := w.table.Lookup(route.RoleClient, local, remote)
	if !ok {
		w.log.Warn("worker: no client-role route for dial request", "streamId", b.StreamID, "remote", remote)
		return
	}
	if err := w.clientFactory.BeginDial(r, b); err != nil {
		w.log.Error("worker: client dial failed", "streamId", b.StreamID, "err", err)
	}
}

func (w *Worker) handleInboundData(d *wire.Data) {
	ct, ok := w.byWriteID[d.StreamID]
	if !ok {
		w.log.Warn("worker: DATA for unknown write stream", "streamId", d.StreamID)
		return
	}
	if err := ct.ws.HandleData(d.Payload); err != nil {
		w.log.Warn("worker: HandleData failed", "streamId", d.StreamID, "err", err)
	}
	w.syncWriteInterest(ct)
	w.maybeCloseConnection(ct)
}

func (w *Worker) handleInboundEnd(e *wire.End) {
	ct, ok := w.byWriteID[e.StreamID]
	if !ok {
		w.log.Warn("worker: END for unknown write stream", "streamId", e.StreamID)
		return
	}
	if err := ct.ws.HandleEnd(); err != nil {
		w.log.Warn("worker: HandleEnd failed", "streamId", e.StreamID, "err", err)
	}
	w.syncWriteInterest(ct)
	w.maybeCloseConnection(ct)
}

func (w *Worker) handleInboundAbort(a *wire.Abort) {
	ct, ok := w.byWriteID[a.StreamID]
	if !ok {
		w.log.Warn("worker: ABORT for unknown write stream", "streamId", a.StreamID)
		return
	}
	if err := ct.ws.HandleAbort(); err != nil {
		w.log.Warn("worker: HandleAbort failed", "streamId", a.StreamID, "err", err)
	}
	w.syncWriteInterest(ct)
	w.maybeCloseConnection(ct)
}

func (w *Worker) handleInboundWindow(win *wire.Window) {
	ct, ok := w.byReadID[win.StreamID]
	if !ok {
		w.log.Warn("worker: WINDOW for unknown read stream", "streamId", win.StreamID)
		return
	}
	if becameReadable := ct.rs.HandleWindow(win); becameReadable {
		ct.key.Add(poller.OpRead)
	}
}

func (w *Worker) handleInboundReset(r *wire.Reset) {
	ct, ok := w.byReadID[r.StreamID]
	if !ok {
		w.log.Warn("worker: RESET for unknown read stream", "streamId", r.StreamID)
		return
	}
	if err := ct.rs.HandleReset(); err != nil {
		w.log.Warn("worker: HandleReset failed", "streamId", r.StreamID, "err", err)
	}
	ct.key.Clear(poller.OpRead)
	w.maybeCloseConnection(ct)
}

// --- accept / dial completion ----------------------------------------

func (w *Worker) handleAccepted(a acceptor.Accepted) {
	rs, err := w.serverFactory.Accept(a, 0)
	if err != nil {
		w.log.Error("worker: accept handling failed", "err", err)
		a.Sock.Close()
		return
	}

	ct := &connTracker{sock: a.Sock, rs: rs, serverRole: true}
	key, err := w.p.Register(a.Sock.Num(), w.handlerFor(ct))
	if err != nil {
		w.log.Error("worker: registering accepted connection", "err", err)
		rs = nil
		a.Sock.Close()
		return
	}
	ct.key = key
	w.byFD[a.Sock.Num()] = ct
	w.byReadID[rs.StreamID()] = ct
	w.cnt.Add(counters.ConnectionsOpened, 1)
}

func (w *Worker) handleDialResult(res connector.Result) {
	ws, rs, err := w.clientFactory.HandleDialResult(res)
	if err != nil {
		w.log.Error("worker: dial result handling failed", "correlationId", res.CorrelationID, "err", err)
		return
	}
	if ws == nil {
		// Dial failed; factory already reset the application's initial
		// throttle and the Connector already closed the socket.
		return
	}

	ct := &connTracker{sock: res.Sock, rs: rs, ws: ws}
	key, err := w.p.Register(res.Sock.Num(), w.handlerFor(ct))
	if err != nil {
		w.log.Error("worker: registering dialed connection", "err", err)
		res.Sock.Close()
		return
	}
	ct.key = key
	w.byFD[res.Sock.Num()] = ct
	w.byReadID[rs.StreamID()] = ct
	w.byWriteID[ws.StreamID()] = ct
	w.syncWriteInterest(ct)
	w.cnt.Add(counters.ConnectionsOpened, 1)
}

// --- per-connection poller handler ------------------------------------

func (w *Worker) handlerFor(ct *connTracker) poller.Handler {
	return func(ready poller.Op) {
		if ready&poller.OpRead != 0 && ct.rs != nil {
			if err := ct.rs.OnReadable(w.scratch); err != nil {
				w.log.Warn("worker: OnReadable failed", "streamId", ct.rs.StreamID(), "err", err)
			}
			if !ct.rs.Readable() {
				ct.key.Clear(poller.OpRead)
			}
		}
		if ready&poller.OpWrite != 0 && ct.ws != nil {
			if err := ct.ws.OnWritable(); err != nil {
				w.log.Warn("worker: OnWritable failed", "streamId", ct.ws.StreamID(), "err", err)
			}
			w.syncWriteInterest(ct)
		}
		w.maybeCloseConnection(ct)
	}
}

func (w *Worker) syncWriteInterest(ct *connTracker) {
	if ct.ws == nil {
		return
	}
	if ct.ws.Writable() {
		ct.key.Add(poller.OpWrite)
	} else {
		ct.key.Clear(poller.OpWrite)
	}
}

// maybeCloseConnection tears down ct once the connection has genuinely
// reached a terminal state. That's either of:
//   - both halves finished their orderly half-shutdown (rs on EOF, ws on
//     END) — spec.md §9's "last direction to terminate closes the
//     socket": the worker is that last direction, since neither stream
//     half fully closes the shared fd on its own in the orderly case.
//   - either half took an abortive path (protocol RESET, overflow, I/O
//     error) — that path already closed the shared fd unilaterally, so
//     waiting on the other half's own Closed() would leak the
//     connTracker forever if it never independently terminates.
// A half that was never paired (ws is still nil) counts as vacuously
// terminal so a ReadStream that aborts before any reply BEGIN arrives
// still gets cleaned up.
func (w *Worker) maybeCloseConnection(ct *connTracker) {
	if ct.torn {
		return
	}
	rsClosed := ct.rs == nil || ct.rs.Closed()
	wsClosed := ct.ws == nil || ct.ws.Closed()
	aborted := (ct.rs != nil && ct.rs.Aborted()) || (ct.ws != nil && ct.ws.Aborted())
	if !(rsClosed && wsClosed) && !aborted {
		return
	}

	ct.torn = true
	ct.key.Cancel()
	delete(w.byFD, ct.sock.Num())
	if ct.rs != nil {
		delete(w.byReadID, ct.rs.StreamID())
	}
	if ct.ws != nil {
		delete(w.byWriteID, ct.ws.StreamID())
	}
	ct.sock.Close() // idempotent: a no-op if an abortive path already closed it

	w.cnt.Add(counters.ConnectionsClosed, 1)
	if ct.serverRole {
		w.acceptor.ConnectionClosed()
	}
}
