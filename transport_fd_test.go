//go:build unix

package duplex

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socketPair returns a connected stream socket pair; the caller owns both.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	return fds[0], fds[1]
}

func TestFDResult(t *testing.T) {
	boom := unix.EINVAL
	tests := []struct {
		name  string
		n     int
		err   error
		wantN int
		want  error
	}{
		{"bytes", 7, nil, 7, nil},
		{"eof", 0, nil, 0, ErrClosed},
		{"eagain", -1, unix.EAGAIN, 0, ErrWouldBlock},
		{"eintr", -1, unix.EINTR, 0, ErrWouldBlock},
		{"reset", -1, unix.ECONNRESET, 0, ErrClosed},
		{"pipe", -1, unix.EPIPE, 0, ErrClosed},
		{"fault", -1, unix.EFAULT, 0, ErrFault},
		{"other", -1, boom, 0, boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := fdResult(tt.n, tt.err, "read")
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFDTransport_ReadWrite(t *testing.T) {
	a, b := socketPair(t)
	ta, err := NewFDTransport(a)
	if err != nil {
		t.Fatalf("NewFDTransport failed: %v", err)
	}
	defer ta.Close()
	tb, err := NewFDTransport(b)
	if err != nil {
		t.Fatalf("NewFDTransport failed: %v", err)
	}
	defer tb.Close()

	buf := make([]byte, 16)
	if _, err := tb.TryRead(buf); err != ErrWouldBlock {
		t.Fatalf("TryRead on empty socket = %v, want ErrWouldBlock", err)
	}

	n, err := ta.TryWrite([]byte("ping"))
	if err != nil || n != 4 {
		t.Fatalf("TryWrite = %d, %v", n, err)
	}
	n, err = tb.TryRead(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("TryRead = %q, %v", buf[:n], err)
	}
	if ta.Fd() != a {
		t.Errorf("Fd = %d, want %d", ta.Fd(), a)
	}
}

func TestFDTransport_WouldBlockWhenFull(t *testing.T) {
	a, b := socketPair(t)
	ta, err := NewFDTransport(a)
	if err != nil {
		t.Fatalf("NewFDTransport failed: %v", err)
	}
	defer ta.Close()
	defer unix.Close(b)

	chunk := make([]byte, 64*1024)
	for i := 0; ; i++ {
		if i > 10000 {
			t.Fatal("socket buffer never filled")
		}
		if _, err := ta.TryWrite(chunk); err != nil {
			if err != ErrWouldBlock {
				t.Fatalf("TryWrite = %v, want ErrWouldBlock", err)
			}
			break
		}
	}
}

func TestFDTransport_PeerClosed(t *testing.T) {
	a, b := socketPair(t)
	ta, err := NewFDTransport(a)
	if err != nil {
		t.Fatalf("NewFDTransport failed: %v", err)
	}
	defer ta.Close()
	unix.Close(b)

	if _, err := ta.TryRead(make([]byte, 4)); err != ErrClosed {
		t.Errorf("TryRead after peer close = %v, want ErrClosed", err)
	}
	if _, err := ta.TryWrite([]byte("x")); err != ErrClosed {
		t.Errorf("TryWrite after peer close = %v, want ErrClosed", err)
	}
}

func TestFDTransport_ConnRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	ta, err := NewFDTransport(a)
	if err != nil {
		t.Fatalf("NewFDTransport failed: %v", err)
	}
	tb, err := NewFDTransport(b)
	if err != nil {
		t.Fatalf("NewFDTransport failed: %v", err)
	}

	wrec, rrec := &recorder{}, &recorder{}
	w := newTestConn(t, ta, wrec, MaxTransferOption(1000))
	r := newTestConn(t, tb, rrec)
	defer w.Disconnect()
	defer r.Disconnect()

	body := pattern(300000, 4)
	if err := w.Enqueue(&Header{Tag: 5, Size: uint32(len(body))}, body); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; len(rrec.reads) == 0; i++ {
		if i > 1_000_000 {
			t.Fatal("transfer did not finish")
		}
		if w.WantWrite() {
			if err := w.HandleWrite(); err != nil && err != ErrWouldBlock {
				t.Fatalf("HandleWrite failed: %v", err)
			}
		}
		if err := r.HandleRead(); err != nil && err != ErrWouldBlock {
			t.Fatalf("HandleRead failed: %v", err)
		}
	}

	if !bytes.Equal(rrec.reads[0].body, body) {
		t.Error("body mismatch")
	}
	if len(wrec.writes) != 1 {
		t.Errorf("got %d completions, want 1", len(wrec.writes))
	}
}

// pipe returns the read and write end of a new pipe; the caller owns both.
func pipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	return fds[0], fds[1]
}

func TestFDPairTransport_ReadWriteClose(t *testing.T) {
	inR, inW := pipe(t)
	outR, outW := pipe(t)
	defer unix.Close(inW)
	defer unix.Close(outR)

	tr, err := NewFDPairTransport(inR, outW)
	if err != nil {
		t.Fatalf("NewFDPairTransport failed: %v", err)
	}
	if in, out := tr.Fds(); in != inR || out != outW {
		t.Errorf("Fds = %d, %d, want %d, %d", in, out, inR, outW)
	}

	if _, err := tr.TryRead(make([]byte, 4)); err != ErrWouldBlock {
		t.Errorf("TryRead on empty pipe = %v, want ErrWouldBlock", err)
	}
	if _, err := unix.Write(inW, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 8)
	n, err := tr.TryRead(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Errorf("TryRead = %q, %v", buf[:n], err)
	}

	if n, err := tr.TryWrite([]byte("pong")); err != nil || n != 4 {
		t.Fatalf("TryWrite = %d, %v", n, err)
	}
	n, err = unix.Read(outR, buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Errorf("read from out pipe = %q, %v", buf[:n], err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n, err := unix.Read(outR, buf); n != 0 || err != nil {
		t.Errorf("out pipe after Close = %d, %v, want EOF", n, err)
	}
	if _, err := unix.Write(inW, []byte("x")); err != unix.EPIPE {
		t.Errorf("write to in pipe after Close = %v, want EPIPE", err)
	}
}

func TestFDPairTransport_SameDescriptor(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(b)

	tr, err := NewFDPairTransport(a, a)
	if err != nil {
		t.Fatalf("NewFDPairTransport failed: %v", err)
	}
	if in, out := tr.Fds(); in != a || out != a {
		t.Errorf("Fds = %d, %d, want %d twice", in, out, a)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
