package duplex

import (
	"bytes"
	"testing"
)

// fakeTransport is a scripted in-memory Transport.
type fakeTransport struct {
	in        []byte
	inClosed  bool  // report ErrClosed once in is drained
	readChunk int   // max bytes per TryRead, 0 = unlimited
	readErr   error // returned by every TryRead when set
	stalls    int   // leading calls of either kind answered with ErrWouldBlock

	out        bytes.Buffer
	writeChunk int   // max bytes per TryWrite, 0 = unlimited
	writeLimit int   // total bytes accepted before ErrClosed, -1 = unlimited
	blocked    bool  // TryWrite reports ErrWouldBlock
	writeErr   error // returned by every TryWrite when set
	writeSizes []int // len(p) of every TryWrite call

	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{writeLimit: -1}
}

func (f *fakeTransport) stall() bool {
	if f.stalls > 0 {
		f.stalls--
		return true
	}
	return false
}

func (f *fakeTransport) TryRead(p []byte) (int, error) {
	if f.stall() {
		return 0, ErrWouldBlock
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.in) == 0 {
		if f.inClosed {
			return 0, ErrClosed
		}
		return 0, ErrWouldBlock
	}
	n := len(p)
	if f.readChunk > 0 && n > f.readChunk {
		n = f.readChunk
	}
	n = copy(p[:n], f.in)
	f.in = f.in[n:]
	return n, nil
}

func (f *fakeTransport) TryWrite(p []byte) (int, error) {
	f.writeSizes = append(f.writeSizes, len(p))
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.blocked || f.stall() {
		return 0, ErrWouldBlock
	}
	if f.writeLimit == 0 {
		return 0, ErrClosed
	}
	n := len(p)
	if f.writeChunk > 0 && n > f.writeChunk {
		n = f.writeChunk
	}
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	if f.writeLimit > 0 {
		f.writeLimit -= n
	}
	f.out.Write(p[:n])
	return n, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type readEvent struct {
	h    *Header
	body []byte
}

type writeEvent struct {
	h *Header
	p Payload
}

// recorder collects callback invocations.
type recorder struct {
	reads  []readEvent
	writes []writeEvent
}

func (r *recorder) options() []Option {
	return []Option{
		OnReadOption(func(h *Header, body []byte) {
			r.reads = append(r.reads, readEvent{h: h, body: body})
		}),
		OnWriteCompleteOption(func(h *Header, p Payload) {
			r.writes = append(r.writes, writeEvent{h: h, p: p})
		}),
		LoggerOption(&mockLogger{}),
	}
}

func newTestConn(t *testing.T, tr Transport, rec *recorder, opts ...Option) *Conn {
	t.Helper()
	c, err := NewConn(tr, append(rec.options(), opts...)...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	return c
}

// drainWrites runs the write engine until it stops making progress.
func drainWrites(t *testing.T, c *Conn) {
	t.Helper()
	for i := 0; c.WantWrite(); i++ {
		if i > 1_000_000 {
			t.Fatal("write engine does not converge")
		}
		err := c.HandleWrite()
		if err != nil && err != ErrWouldBlock {
			t.Fatalf("HandleWrite failed: %v", err)
		}
		if err == ErrWouldBlock {
			return
		}
	}
}

// drainReads runs the read engine until the transport has nothing left.
func drainReads(t *testing.T, c *Conn) error {
	t.Helper()
	for i := 0; ; i++ {
		if i > 1_000_000 {
			t.Fatal("read engine does not converge")
		}
		if err := c.HandleRead(); err != nil {
			return err
		}
	}
}

// countingAllocator tracks Allocator calls.
type countingAllocator struct {
	headers, bodies         int
	freedHeaders, freedBody int
}

func (a *countingAllocator) AllocHeader() *Header {
	a.headers++
	return new(Header)
}

func (a *countingAllocator) FreeHeader(*Header) { a.freedHeaders++ }

func (a *countingAllocator) AllocBody(h *Header) []byte {
	a.bodies++
	return make([]byte, h.Size)
}

func (a *countingAllocator) FreeBody([]byte, *Header) { a.freedBody++ }

func frame(h Header, body []byte) []byte {
	w := h.Wire()
	return append(w[:], body...)
}
