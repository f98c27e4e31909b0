// Package poller implements the single-worker readiness poller spec.md
// §4.1 describes: a Register/Tick abstraction over the OS's readiness
// notification facility, with a per-fd Key supporting incremental
// interest-set changes (Add/Clear/Cancel).
//
// Grounded on other_examples/momentics-hioload-ws__reactor.go's per-OS
// Reactor factory, other_examples/LeGamerDc-gio__poller.go's
// register/modify/unregister/run shape, and
// other_examples/fzft-go-mock-redis__poll.go's Registry (fd -> interest
// map, Add/Mod/Del split by read/write/readwrite).
package poller

import "fmt"

// Op identifies a readiness interest: read, write, or the connect
// completion notification (which arrives as a write-readiness event on
// most platforms but is named separately so callers read intent, not
// mechanism).
type Op uint8

const (
	OpRead    Op = 1 << 0
	OpWrite   Op = 1 << 1
	OpConnect Op = 1 << 2
)

// Handler is invoked once per ready key per tick with the set of ops
// that became ready.
type Handler func(ready Op)

// Key represents one fd's registration. Mutations staged via Add/Clear
// are applied at the next Tick's epoll_ctl batch, never mid-tick — a
// handler invoked this tick never observes its own mutation until the
// next Tick call (spec.md §5.1).
type Key struct {
	fd          int
	handler     Handler
	want        Op // interest set as of the last applied epoll_ctl
	pendingAdd  Op // staged additions, applied at next Tick
	pendingClear Op // staged removals, applied at next Tick
	cancel      bool
}

// FD returns the file descriptor this key was registered for.
func (k *Key) FD() int { return k.fd }

// Add stages op to be added to the interest set.
func (k *Key) Add(op Op) {
	k.pendingAdd |= op
	k.pendingClear &^= op
}

// Clear stages op to be removed from the interest set.
func (k *Key) Clear(op Op) {
	k.pendingClear |= op
	k.pendingAdd &^= op
}

// Cancel stages this key for removal from the poller entirely.
func (k *Key) Cancel() { k.cancel = true }

// Poller is the readiness-notification abstraction the worker drives.
type Poller interface {
	// Register adds fd to the poller with no initial interest and
	// returns its Key for interest-set mutation.
	Register(fd int, handler Handler) (*Key, error)

	// Tick blocks for up to timeoutMillis (0 = return immediately, -1 =
	// block indefinitely) waiting for readiness, invokes each ready
	// key's handler exactly once, then applies any staged Add/Clear/
	// Cancel mutations before returning. It reports how many keys had a
	// handler invoked.
	Tick(timeoutMillis int) (workDone int, err error)

	// Close releases the poller's OS resources.
	Close() error
}

// ErrUnsupportedOp is returned by backends that don't support the
// requested interest op.
type ErrUnsupportedOp struct{ Op Op }

func (e ErrUnsupportedOp) Error() string {
	return fmt.Sprintf("poller: unsupported op %d", e.Op)
}
