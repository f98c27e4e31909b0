//go:build darwin || linux

// Package counters implements TcpCounters (spec.md §4.7): per-route
// monotonic counters looked up lazily on first use, plus process-wide
// overflow/connection counters, persisted to a fixed-size slots file
// written with pwrite (the file is not memory-mapped), grounded on
// bureau-foundation-bureau/lib/artifactstore/cache_device.go.
package counters

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const slotSize = 8 // one uint64 per counter

// Counters is a name-indexed registry of atomic.Uint64 values, optionally
// persisted to disk. The worker is the only writer; readers (telemetry
// scrapers) only ever see monotonically increasing values.
type Counters struct {
	mu    sync.Mutex
	slots map[string]*atomic.Uint64
	order []string // every name created, in insertion order; Sync sorts a copy

	fd       int
	capacity int // max distinct counter names this file can hold
}

// Open creates or opens a counters file able to hold up to maxCounters
// distinct names.
func Open(path string, maxCounters int) (*Counters, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("counters: opening %s: %w", path, err)
	}
	size := int64(maxCounters * slotSize)
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("counters: stating %s: %w", path, err)
	}
	if stat.Size < size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("counters: truncating %s to %d bytes: %w", path, size, err)
		}
	}
	return &Counters{
		slots:    make(map[string]*atomic.Uint64),
		fd:       fd,
		capacity: maxCounters,
	}, nil
}

// OpenInMemory returns a Counters that tracks values without a backing
// file — used in tests and anywhere persistence isn't needed.
func OpenInMemory() *Counters {
	return &Counters{slots: make(map[string]*atomic.Uint64), fd: -1}
}

// lookup returns (creating if necessary) the counter named by name.
func (c *Counters) lookup(name string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.slots[name]
	if !ok {
		v = &atomic.Uint64{}
		c.slots[name] = v
		c.order = append(c.order, name)
	}
	return v
}

// Add increments the named counter by delta and returns the new value.
func (c *Counters) Add(name string, delta uint64) uint64 {
	return c.lookup(name).Add(delta)
}

// Value returns the current value of the named counter (0 if never touched).
func (c *Counters) Value(name string) uint64 {
	c.mu.Lock()
	v, ok := c.slots[name]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return v.Load()
}

// RouteCounterNames returns the four per-route counter names spec.md
// §4.7 specifies for routeId.
func RouteCounterNames(routeID uint64) (framesRead, framesWrote, bytesRead, bytesWrote string) {
	return fmt.Sprintf("%d.frames.read", routeID),
		fmt.Sprintf("%d.frames.wrote", routeID),
		fmt.Sprintf("%d.bytes.read", routeID),
		fmt.Sprintf("%d.bytes.wrote", routeID)
}

// Process-wide counter names (spec.md §4.7).
const (
	Overflows          = "overflows"
	ConnectionsOpened  = "connections.opened"
	ConnectionsClosed  = "connections.closed"
)

// Sync flushes the current counter values to the backing file, one slot
// per name in sorted name order. A no-op when opened with OpenInMemory.
func (c *Counters) Sync() error {
	if c.fd < 0 {
		return nil
	}
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()
	sort.Strings(names) // deterministic slot assignment across runs

	if len(names) > c.capacity {
		return fmt.Errorf("counters: %d distinct counters exceeds file capacity %d", len(names), c.capacity)
	}

	for i, name := range names {
		var buf [slotSize]byte
		binary.LittleEndian.PutUint64(buf[:], c.Value(name))
		if _, err := unix.Pwrite(c.fd, buf[:], int64(i*slotSize)); err != nil {
			return fmt.Errorf("counters: writing slot %d (%s): %w", i, name, err)
		}
	}
	return nil
}

// Close flushes and releases the backing file descriptor, if any.
func (c *Counters) Close() error {
	if c.fd < 0 {
		return nil
	}
	if err := c.Sync(); err != nil {
		return err
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
