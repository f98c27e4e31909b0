//go:build darwin || linux

// Package ring implements the shared-memory ring-buffer substrate
// spec.md §1 treats as an external collaborator: a single-producer/
// single-consumer byte-oriented queue with a known-length framed record
// protocol, backed by a fixed-size mmap'd file.
//
// Grounded on bureau-foundation-bureau/lib/artifactstore/cache_device.go's
// create-or-open-at-fixed-size + mmap + pwrite pattern, generalized from a
// read-mostly cache device to a read-write SPSC record queue.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrFull is returned by WriteRecord when the ring has no room for the
// record without overwriting unread data.
var ErrFull = errors.New("ring: full")

// recordHeaderSize is the 4-byte length prefix stored before each record.
const recordHeaderSize = 4

// Ring is a fixed-capacity SPSC byte queue. The producer calls
// WriteRecord, the consumer calls TryReadRecord; per spec.md §5, exactly
// one goroutine may play each role for the lifetime of the ring.
type Ring struct {
	fd       int
	data     []byte // mmap'd MAP_SHARED, PROT_READ|PROT_WRITE
	capacity uint64 // power of two
	mask     uint64

	writePos atomic.Uint64 // producer-owned monotonic byte offset
	readPos  atomic.Uint64 // consumer-owned monotonic byte offset

	readBuf []byte // leftover bytes from a record Read hasn't fully drained yet
}

// Open creates or opens a ring file at path sized to capacity bytes.
// capacity must be a power of two (spec.md §6).
func Open(path string, capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity must be a power of two, got %d", capacity)
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ring: opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: stating %s: %w", path, err)
	}

	if stat.Size == 0 {
		if err := unix.Ftruncate(fd, int64(capacity)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("ring: truncating %s to %d bytes: %w", path, capacity, err)
		}
	} else if stat.Size != int64(capacity) {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: %s is %d bytes but %d was requested; delete it to resize", path, stat.Size, capacity)
	}

	data, err := unix.Mmap(fd, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: memory-mapping %s: %w", path, err)
	}

	return &Ring{
		fd:       fd,
		data:     data,
		capacity: uint64(capacity),
		mask:     uint64(capacity - 1),
	}, nil
}

// WriteRecord appends b as one framed record. It never blocks: if there
// is not enough free space it returns ErrFull immediately, leaving the
// caller (the TCP worker, which is sole producer on its outbound rings
// per spec.md §5) to retry on a later tick.
func (r *Ring) WriteRecord(b []byte) error {
	need := uint64(recordHeaderSize + len(b))
	if need > r.capacity {
		return fmt.Errorf("ring: record of %d bytes exceeds ring capacity %d", len(b), r.capacity)
	}

	used := r.writePos.Load() - r.readPos.Load()
	if r.capacity-used < need {
		return ErrFull
	}

	pos := r.writePos.Load()
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	r.writeAt(pos, hdr[:])
	r.writeAt(pos+recordHeaderSize, b)
	r.writePos.Add(need)
	return nil
}

// TryReadRecord pops the next record, if any, without blocking. ok is
// false when the ring is empty.
func (r *Ring) TryReadRecord() (record []byte, ok bool, err error) {
	avail := r.writePos.Load() - r.readPos.Load()
	if avail < recordHeaderSize {
		return nil, false, nil
	}

	pos := r.readPos.Load()
	var hdr [recordHeaderSize]byte
	r.readAt(pos, hdr[:])
	n := binary.LittleEndian.Uint32(hdr[:])

	total := uint64(recordHeaderSize) + uint64(n)
	if avail < total {
		// A partial record means the producer's write is still in
		// flight; nothing to deliver yet.
		return nil, false, nil
	}

	out := make([]byte, n)
	r.readAt(pos+recordHeaderSize, out)
	r.readPos.Add(total)
	return out, true, nil
}

// Write implements io.Writer by enqueuing p as a single framed record,
// letting a Ring stand in directly for the io.Writer that
// wire.NewMessageWriter expects (spec.md §6's streams ring).
func (r *Ring) Write(p []byte) (int, error) {
	if err := r.WriteRecord(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read implements io.Reader by draining at most one ring record per
// call, returning as much of it as fits in p and holding back any
// remainder for the next call. When the ring currently has nothing
// queued it returns io.EOF rather than blocking — the worker's
// per-tick drain loop reads until the first error and treats that as
// "nothing more this tick," not a permanently closed stream.
func (r *Ring) Read(p []byte) (int, error) {
	if len(r.readBuf) == 0 {
		rec, ok, err := r.TryReadRecord()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		r.readBuf = rec
	}
	n := copy(p, r.readBuf)
	r.readBuf = r.readBuf[n:]
	return n, nil
}

// Pending reports how many bytes are queued but not yet consumed.
func (r *Ring) Pending() uint64 {
	return r.writePos.Load() - r.readPos.Load()
}

func (r *Ring) writeAt(pos uint64, b []byte) {
	off := pos & r.mask
	n := copy(r.data[off:], b)
	if n < len(b) {
		copy(r.data, b[n:])
	}
}

func (r *Ring) readAt(pos uint64, b []byte) {
	off := pos & r.mask
	n := copy(b, r.data[off:])
	if n < len(b) {
		copy(b[n:], r.data)
	}
}

// NewStreamsRingPath names a streams ring file for a (source, target)
// nukleus pair per spec.md §6's "one streams ring file per (source,
// target) pair" layout, suffixed with a fresh uuid so repeated worker
// instances in the same directory never collide. The uuid is purely a
// human-facing disambiguator — it never appears on the wire.
func NewStreamsRingPath(dir, source, target string) string {
	return filepath.Join(dir, fmt.Sprintf("streams-%s-%s-%s.ring", source, target, uuid.NewString()))
}

// Close unmaps the ring and closes its file descriptor.
func (r *Ring) Close() error {
	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			firstErr = fmt.Errorf("ring: unmapping: %w", err)
		}
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ring: closing fd: %w", err)
		}
		r.fd = -1
	}
	return firstErr
}
