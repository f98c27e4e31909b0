//go:build darwin || linux

package counters

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestAddAndValue(t *testing.T) {
	c := OpenInMemory()
	framesRead, _, bytesRead, _ := RouteCounterNames(7)

	c.Add(framesRead, 1)
	c.Add(framesRead, 1)
	c.Add(bytesRead, 5)

	if got := c.Value(framesRead); got != 2 {
		t.Fatalf("framesRead = %d, want 2", got)
	}
	if got := c.Value(bytesRead); got != 5 {
		t.Fatalf("bytesRead = %d, want 5", got)
	}
	if got := c.Value(Overflows); got != 0 {
		t.Fatalf("Overflows = %d, want 0 for untouched counter", got)
	}
}

func TestSyncPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.bin")

	c, err := Open(path, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.Add(ConnectionsOpened, 3)
	c.Add(Overflows, 1)
	if err := c.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Read the file back from disk: Sync assigns slots in sorted name
	// order, so connections.opened is slot 0 and overflows is slot 1.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < 2*slotSize {
		t.Fatalf("file size = %d, want at least %d", len(data), 2*slotSize)
	}
	if got := binary.LittleEndian.Uint64(data[0:slotSize]); got != 3 {
		t.Fatalf("slot 0 (connections.opened) = %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint64(data[slotSize : 2*slotSize]); got != 1 {
		t.Fatalf("slot 1 (overflows) = %d, want 1", got)
	}
}
