package duplex

import "github.com/pkg/errors"

// Transport results other than a byte count.
var (
	// ErrWouldBlock reports that the operation cannot make progress now.
	// It is control flow, never a failure: retry on the next readiness event.
	ErrWouldBlock = errors.New("operation would block")
	// ErrClosed reports a zero-byte transfer when bytes were expected,
	// i.e. the peer shut the connection down.
	ErrClosed = errors.New("peer closed connection")
	// ErrFault reports that the transport was handed an invalid buffer.
	// It indicates memory corruption and is never retried.
	ErrFault = errors.New("bad buffer address")
)

// Transport is a non-blocking byte stream.
//
// TryRead and TryWrite move at most len(p) bytes and return the count,
// or one of ErrWouldBlock, ErrClosed, ErrFault, or another (terminal) error.
// They never block and are never called with an empty buffer.
type Transport interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	Close() error
}

// Notifier is implemented by transports that signal readiness changes
// themselves instead of relying on a descriptor reactor.
type Notifier interface {
	// Ready receives a value whenever buffered input arrived, output space
	// was freed or the stream failed.
	Ready() <-chan struct{}
}

// Watcher is the readiness-interest hook of an external reactor.
// The engine arms write interest when output is pending and disarms it
// when the queue drains or writes are blocked.
type Watcher interface {
	WatchWrite(on bool)
	// Close drops all interest for the connection.
	Close()
}

// isTransient reports whether err only means "try again later".
func isTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
