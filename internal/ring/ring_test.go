//go:build darwin || linux

package ring

import (
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.ring")
	r, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	records := [][]byte{[]byte("hello"), []byte("world"), []byte("")}
	for _, rec := range records {
		if err := r.WriteRecord(rec); err != nil {
			t.Fatalf("WriteRecord(%q): %v", rec, err)
		}
	}

	for _, want := range records {
		got, ok, err := r.TryReadRecord()
		if err != nil || !ok {
			t.Fatalf("TryReadRecord: ok=%v err=%v", ok, err)
		}
		if string(got) != string(want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}

	if _, ok, _ := r.TryReadRecord(); ok {
		t.Fatalf("expected empty ring after draining all records")
	}
}

func TestWriteRecordFullReturnsErrFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.ring")
	r, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	payload := make([]byte, 32)
	if err := r.WriteRecord(payload); err != nil {
		t.Fatalf("first WriteRecord: %v", err)
	}
	if err := r.WriteRecord(payload); err != ErrFull {
		t.Fatalf("second WriteRecord: got %v, want ErrFull", err)
	}
}

func TestWraparound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrap.ring")
	r, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	for i := 0; i < 20; i++ {
		payload := []byte{byte(i), byte(i + 1), byte(i + 2)}
		if err := r.WriteRecord(payload); err != nil {
			t.Fatalf("WriteRecord #%d: %v", i, err)
		}
		got, ok, err := r.TryReadRecord()
		if err != nil || !ok {
			t.Fatalf("TryReadRecord #%d: ok=%v err=%v", i, ok, err)
		}
		if string(got) != string(payload) {
			t.Fatalf("#%d: got %v, want %v", i, got, payload)
		}
	}
}
