//go:build darwin || linux

package socket

import (
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (*FD, *FD) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return New(fds[0]), New(fds[1])
}

func TestReadWriteRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	if _, err := a.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want hello", buf[:n])
	}
}

func TestCloseWriteSignalsEOF(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	if err := a.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	buf := make([]byte, 16)
	_, err := b.Read(buf)
	if err != io.EOF {
		t.Fatalf("Read after peer CloseWrite = %v, want io.EOF", err)
	}
}
