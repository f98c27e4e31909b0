// Package route implements the route table and control-plane conduit
// contract spec.md §3/§5.10 describe: routes are created by ROUTE and
// destroyed by UNROUTE, looked up by the acceptor/connector when
// deciding whether an incoming or outbound connection belongs to this
// worker.
//
// Owned solely by the worker goroutine (spec.md §9 "Global state"), so
// Table carries no internal locking — grounded on pkg/rahio/scheduler's
// plain storage map[[16]byte]*RoundRobinState pattern, where safety
// comes from single-goroutine ownership rather than a mutex.
package route

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
)

// Role mirrors wire.Role for readability at call sites that don't
// otherwise touch the wire package.
type Role = wire.Role

const (
	RoleServer = wire.RoleServer
	RoleClient = wire.RoleClient
)

// Address is a route's local or remote address filter. An IP of nil
// with Port 0 matches any address — spec.md §3's "remoteAddress
// (optional filter)".
type Address struct {
	IP   net.IP
	Port uint16
}

func (a Address) matches(other Address) bool {
	if a.Port != 0 && a.Port != other.Port {
		return false
	}
	if len(a.IP) == 0 {
		return true
	}
	return a.IP.Equal(other.IP)
}

// Route is one entry in the route table (spec.md §3).
type Route struct {
	ID            uint64
	Role          Role
	LocalAddress  Address
	RemoteAddress Address // zero value matches any remote
	Nukleus       string
	Label         string // human-facing, assigned by the conduit; not a wire id
}

// Table is the worker-local routing table: Add/Remove/Lookup, touched
// only from the worker goroutine.
type Table struct {
	byID map[uint64]*Route
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{byID: make(map[uint64]*Route)}
}

// Add inserts r, replacing any existing route with the same ID. If r has
// no Label, one is assigned from a fresh uuid — a human-facing
// disambiguator for logs, never the wire-level routeId.
func (t *Table) Add(r Route) {
	cp := r
	if cp.Label == "" {
		cp.Label = uuid.NewString()
	}
	t.byID[r.ID] = &cp
}

// Remove deletes the route with the given ID, reporting whether it was
// present.
func (t *Table) Remove(id uint64) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	return true
}

// Lookup returns the first route of the given role whose LocalAddress
// matches local and whose RemoteAddress filter (if any) matches remote.
// Ties broken by insertion order is not guaranteed — spec.md §3 leaves
// route precedence among overlapping filters unspecified.
func (t *Table) Lookup(role Role, local, remote Address) (*Route, bool) {
	for _, r := range t.byID {
		if r.Role != role {
			continue
		}
		if !r.LocalAddress.matches(local) {
			continue
		}
		if !r.RemoteAddress.matches(remote) {
			continue
		}
		return r, true
	}
	return nil, false
}

// Get returns the route with the given ID, if any.
func (t *Table) Get(id uint64) (*Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Len reports how many routes are currently installed.
func (t *Table) Len() int {
	return len(t.byID)
}

// LocalAddresses returns the distinct server-role local addresses
// currently routed, for the acceptor to bind against (spec.md §4.4 "one
// listening socket per distinct local address across server-role
// routes").
func (t *Table) LocalAddresses() []Address {
	seen := make(map[string]Address)
	for _, r := range t.byID {
		if r.Role != RoleServer {
			continue
		}
		key := fmt.Sprintf("%s:%d", r.LocalAddress.IP, r.LocalAddress.Port)
		seen[key] = r.LocalAddress
	}
	out := make([]Address, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	return out
}
