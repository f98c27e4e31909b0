package streams

import "io"

type fakeReadSocket struct {
	data      []byte
	eof       bool
	err       error
	closed    bool
	readClose bool
	linger0   bool
}

func (f *fakeReadSocket) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		if f.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}
func (f *fakeReadSocket) CloseRead() error    { f.readClose = true; return nil }
func (f *fakeReadSocket) Close() error        { f.closed = true; return nil }
func (f *fakeReadSocket) SetLingerZero() error { f.linger0 = true; return nil }

type fakeWriteSocket struct {
	written    []byte
	writeLimit int // max bytes accepted per Write call; 0 = unlimited
	err        error
	closed     bool
	writeClose bool
	linger0    bool
}

func (f *fakeWriteSocket) Write(p []byte) (int, error) {
	n := len(p)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.written = append(f.written, p[:n]...)
	return n, f.err
}
func (f *fakeWriteSocket) CloseWrite() error   { f.writeClose = true; return nil }
func (f *fakeWriteSocket) Close() error        { f.closed = true; return nil }
func (f *fakeWriteSocket) SetLingerZero() error { f.linger0 = true; return nil }

type fakeThrottle struct {
	windows []windowCall
	resets  int
}

type windowCall struct {
	credit, padding int32
	groupID         uint64
}

func (f *fakeThrottle) SendWindow(credit, padding int32, groupID uint64) error {
	f.windows = append(f.windows, windowCall{credit, padding, groupID})
	return nil
}
func (f *fakeThrottle) SendReset() error {
	f.resets++
	return nil
}
