package route

import (
	"fmt"
	"log/slog"

	"github.com/reactormesh/tcp-nukleus/internal/ring"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

// Command is a decoded control-plane instruction: exactly one of Route
// or Unroute is non-nil.
type Command struct {
	Route   *wire.RouteCommand
	Unroute *wire.UnrouteCommand
}

// Conduit is the contract spec.md §1 calls opaque: something that
// delivers ROUTE/UNROUTE commands to the worker. The worker drains
// Poll() once per tick, ahead of dispatching ready poller keys, so
// route changes are visible to the same tick's accepts (spec.md §5).
type Conduit interface {
	// Poll returns the next pending command, if any, without blocking.
	Poll() (Command, bool, error)
}

// RingConduit is a minimal in-process reference Conduit: it reads
// ROUTE/UNROUTE records off a ring.Ring using internal/wire's
// control-message codec (DecodeControl), so the worker's route
// handling is exercised end-to-end in tests without a real
// control-plane nukleus.
type RingConduit struct {
	r   *ring.Ring
	log *slog.Logger
}

// NewRingConduit wraps r. log may be nil, in which case slog.Default is
// used.
func NewRingConduit(r *ring.Ring, log *slog.Logger) *RingConduit {
	if log == nil {
		log = slog.Default()
	}
	return &RingConduit{r: r, log: log}
}

// Poll implements Conduit.
func (c *RingConduit) Poll() (Command, bool, error) {
	rec, ok, err := c.r.TryReadRecord()
	if err != nil {
		return Command{}, false, fmt.Errorf("route: reading control record: %w", err)
	}
	if !ok {
		return Command{}, false, nil
	}

	t, v, err := wire.DecodeControl(rec)
	if err != nil {
		return Command{}, false, fmt.Errorf("route: decoding control record: %w", err)
	}

	switch t {
	case wire.ControlRoute:
		cmd := v.(*wire.RouteCommand)
		c.log.Debug("route: ROUTE received", "correlationId", cmd.CorrelationID, "role", cmd.Role)
		return Command{Route: cmd}, true, nil
	case wire.ControlUnroute:
		cmd := v.(*wire.UnrouteCommand)
		c.log.Debug("route: UNROUTE received", "routeId", cmd.RouteID)
		return Command{Unroute: cmd}, true, nil
	default:
		return Command{}, false, fmt.Errorf("route: unexpected control type %s", t)
	}
}

// SendRoute encodes and enqueues a ROUTE command — used by tests and by
// an in-process control-plane stand-in to drive the conduit.
func SendRoute(r *ring.Ring, cmd *wire.RouteCommand) error {
	return r.WriteRecord(wire.EncodeRoute(cmd))
}

// SendUnroute encodes and enqueues an UNROUTE command.
func SendUnroute(r *ring.Ring, cmd *wire.UnrouteCommand) error {
	return r.WriteRecord(wire.EncodeUnroute(cmd))
}
