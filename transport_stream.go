package duplex

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Default StreamTransport settings.
const (
	defaultStreamBufferSize = 256 * 1024
	defaultStreamLinger     = 5 * time.Second
	streamReadChunk         = 32 * 1024
)

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

// StreamBufferOption sets the capacity of the read and write buffers.
// A full write buffer makes TryWrite report ErrWouldBlock.
func StreamBufferOption(size int) StreamOption {
	return func(t *StreamTransport) {
		t.bufSize = size
	}
}

// StreamLingerOption bounds how long Close waits to flush pending output.
func StreamLingerOption(d time.Duration) StreamOption {
	return func(t *StreamTransport) {
		t.linger = d
	}
}

// StreamTransport adapts a blocking net.Conn, typically a *tls.Conn, to the
// non-blocking Transport contract. A read pump and a write pump move bytes
// between the conn and bounded in-memory buffers; TryRead and TryWrite only
// touch those buffers.
type StreamTransport struct {
	conn    net.Conn
	bufSize int
	linger  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	inErr   error // sticky, reported once in is drained
	out     []byte
	outErr  error
	closing bool

	ready chan struct{}
	group errgroup.Group
	once  sync.Once
}

// NewStreamTransport starts the pumps for conn.
func NewStreamTransport(conn net.Conn, opts ...StreamOption) *StreamTransport {
	t := &StreamTransport{
		conn:    conn,
		bufSize: defaultStreamBufferSize,
		linger:  defaultStreamLinger,
		ready:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(t)
	}
	if t.bufSize <= 0 {
		t.bufSize = defaultStreamBufferSize
	}
	t.cond = sync.NewCond(&t.mu)

	t.group.Go(t.readPump)
	t.group.Go(t.writePump)
	return t
}

// Handshake runs the TLS handshake when the conn is a *tls.Conn.
// It is a no-op for plain conns.
func (t *StreamTransport) Handshake(ctx context.Context) error {
	tc, ok := t.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	return errors.Wrap(tc.HandshakeContext(ctx), "tls handshake")
}

// Conn returns the wrapped connection.
func (t *StreamTransport) Conn() net.Conn {
	return t.conn
}

func (t *StreamTransport) Ready() <-chan struct{} {
	return t.ready
}

func (t *StreamTransport) TryRead(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.in.Len() == 0 {
		switch {
		case t.inErr == nil:
			return 0, ErrWouldBlock
		case peerGone(t.inErr):
			return 0, ErrClosed
		default:
			return 0, errors.Wrap(t.inErr, "stream read")
		}
	}

	n, _ := t.in.Read(p)
	t.cond.Broadcast()
	return n, nil
}

func (t *StreamTransport) TryWrite(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outErr != nil {
		if peerGone(t.outErr) {
			return 0, ErrClosed
		}
		return 0, t.outErr
	}
	if t.closing {
		return 0, ErrClosed
	}

	space := t.bufSize - len(t.out)
	if space <= 0 {
		return 0, ErrWouldBlock
	}
	if len(p) > space {
		p = p[:space]
	}
	t.out = append(t.out, p...)
	t.cond.Broadcast()
	return len(p), nil
}

// Close flushes pending output for at most the linger duration, then
// closes the conn and waits for both pumps to exit.
func (t *StreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.cond.Broadcast()
		t.mu.Unlock()

		_ = t.conn.SetWriteDeadline(time.Now().Add(t.linger))
		// the write pump closes the conn once it has drained
		_ = t.group.Wait()
		err = t.closeErr()
	})
	return err
}

func (t *StreamTransport) closeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outErr != nil && !peerGone(t.outErr) {
		return t.outErr
	}
	return nil
}

func (t *StreamTransport) notify() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *StreamTransport) readPump() error {
	buf := make([]byte, streamReadChunk)
	for {
		n, err := t.conn.Read(buf)

		t.mu.Lock()
		if n > 0 {
			t.in.Write(buf[:n])
		}
		if err != nil {
			t.inErr = err
		}
		// back off while the reader is behind
		for err == nil && t.in.Len() >= t.bufSize && !t.closing {
			t.cond.Wait()
		}
		closing := t.closing
		t.mu.Unlock()

		t.notify()
		if err != nil || closing {
			return nil
		}
	}
}

func (t *StreamTransport) writePump() error {
	defer t.conn.Close()

	for {
		t.mu.Lock()
		for len(t.out) == 0 && !t.closing {
			t.cond.Wait()
		}
		if len(t.out) == 0 {
			t.mu.Unlock()
			return nil
		}
		chunk := t.out
		t.out = nil
		t.mu.Unlock()

		_, err := t.conn.Write(chunk)

		t.mu.Lock()
		if err != nil {
			t.outErr = errors.Wrap(err, "stream write")
			t.closing = true
			t.cond.Broadcast()
		}
		t.mu.Unlock()

		t.notify()
		if err != nil {
			return nil
		}
	}
}

// peerGone reports whether err means the stream was shut down rather than
// failed.
func peerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
