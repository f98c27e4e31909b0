//go:build darwin || linux

// Package socket wraps a raw non-blocking file descriptor with the
// handful of operations internal/streams needs (Read/Write, half-close,
// abortive close), so internal/streams.Socket and .WriteSocket are
// satisfied without pulling net.Conn's own internal poller into a
// design that already owns its polling via internal/poller.
//
// Grounded on the non-blocking, raw-syscall style
// bureau-foundation-bureau/cmd/bureau-launcher/inotify.go uses for
// golang.org/x/sys/unix file descriptors, generalized from inotify fds
// to TCP socket fds.
package socket

import (
	"io"

	"golang.org/x/sys/unix"
)

// FD is a thin wrapper over a non-blocking socket file descriptor.
type FD struct {
	fd     int
	closed bool
}

// New wraps an already-open, already-non-blocking fd.
func New(fd int) *FD { return &FD{fd: fd} }

// Num returns the underlying file descriptor, for poller registration.
func (s *FD) Num() int { return s.fd }

// Read reads into p. EAGAIN/EWOULDBLOCK (the socket wasn't actually
// readable despite the poller saying so — can happen with
// level-triggered epoll under races) is reported as a (0, nil) no-op
// rather than an error.
func (s *FD) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if n == 0 && err == nil {
		return 0, io.EOF // Read(2) returning 0 on a stream socket is orderly EOF
	}
	return n, err
}

// Write writes p, translating EAGAIN/EWOULDBLOCK to a (0, nil) partial
// write the caller's buffering logic already handles.
func (s *FD) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// CloseRead shuts down the read half only (orderly half-close).
func (s *FD) CloseRead() error { return unix.Shutdown(s.fd, unix.SHUT_RD) }

// CloseWrite shuts down the write half only (orderly half-close).
func (s *FD) CloseWrite() error { return unix.Shutdown(s.fd, unix.SHUT_WR) }

// SetLingerZero arms SO_LINGER with a zero timeout so the subsequent
// Close sends RST instead of performing the normal FIN/ACK teardown —
// the abortive-close path spec.md §4.3 requires on protocol violation.
func (s *FD) SetLingerZero() error {
	return unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
}

// Close closes the fd. Idempotent: a connection's read and write
// directions terminate independently (spec.md §3's "last direction to
// terminate closes the socket"), and either can reach an abortive path
// that closes the fd outright while the other direction is still
// winding down — a second Close must not risk operating on an fd
// number the OS has since reused.
func (s *FD) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
