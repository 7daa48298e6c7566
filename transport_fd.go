//go:build unix

package duplex

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FDTransport moves bytes over raw non-blocking descriptors. Sockets use
// one descriptor for both directions; pipes to a helper process use a pair.
type FDTransport struct {
	in   int
	out  int
	file *os.File // keeps a dup'ed descriptor alive, may be nil
}

// NewFDTransport switches fd to non-blocking mode and wraps it.
// The transport owns fd and closes it on Close.
func NewFDTransport(fd int) (*FDTransport, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrapf(err, "set nonblock on fd %d", fd)
	}
	return &FDTransport{in: fd, out: fd}, nil
}

// NewFDPairTransport reads from in and writes to out, such as the two ends
// of pipes connected to a child process. Both descriptors are switched to
// non-blocking mode and closed on Close.
func NewFDPairTransport(in, out int) (*FDTransport, error) {
	if in == out {
		return NewFDTransport(in)
	}
	for _, fd := range []int{in, out} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, errors.Wrapf(err, "set nonblock on fd %d", fd)
		}
	}
	return &FDTransport{in: in, out: out}, nil
}

// NewFileTransport wraps the descriptor of f, as returned by
// (*net.TCPConn).File or (*net.UnixConn).File.
func NewFileTransport(f *os.File) (*FDTransport, error) {
	// Fd puts the descriptor back into blocking mode
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrapf(err, "set nonblock on %s", f.Name())
	}
	return &FDTransport{in: fd, out: fd, file: f}, nil
}

// Fd returns the descriptor reads come from.
func (t *FDTransport) Fd() int {
	return t.in
}

// Fds returns the read and the write descriptor.
func (t *FDTransport) Fds() (in, out int) {
	return t.in, t.out
}

func (t *FDTransport) TryRead(p []byte) (int, error) {
	n, err := unix.Read(t.in, p)
	return fdResult(n, err, "read")
}

func (t *FDTransport) TryWrite(p []byte) (int, error) {
	n, err := unix.Write(t.out, p)
	return fdResult(n, err, "write")
}

func (t *FDTransport) Close() error {
	if t.file != nil {
		return t.file.Close()
	}
	err := unix.Close(t.in)
	if t.out != t.in {
		if oerr := unix.Close(t.out); err == nil {
			err = oerr
		}
	}
	if err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

// fdResult maps a read(2)/write(2) outcome onto the Transport contract.
func fdResult(n int, err error, op string) (int, error) {
	if err == nil {
		if n == 0 {
			return 0, ErrClosed
		}
		return n, nil
	}

	switch err {
	case unix.EAGAIN, unix.EINTR:
		return 0, ErrWouldBlock
	case unix.ECONNRESET, unix.EPIPE:
		return 0, ErrClosed
	case unix.EFAULT:
		return 0, errors.Wrap(ErrFault, op)
	}
	return 0, errors.Wrap(err, op)
}

// plainTransport moves conn onto a descriptor transport. conn is closed;
// the transport owns a duplicate of its descriptor.
func plainTransport(conn *net.TCPConn) (Transport, error) {
	f, err := conn.File()
	_ = conn.Close()
	if err != nil {
		return nil, errors.Wrap(err, "detach descriptor")
	}
	t, err := NewFileTransport(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}
