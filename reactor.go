package duplex

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotNotifier is returned by Run when the transport cannot signal
// readiness by itself. Register such connections with a Poller instead.
var ErrNotNotifier = errors.New("transport does not signal readiness")

// mailbox queues functions for the goroutine that owns a set of Conns.
type mailbox struct {
	mu   sync.Mutex
	fns  []func()
	wake chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Run drives c until the context is canceled, the peer goes away or a
// terminal transport error occurs. The transport must implement Notifier.
// Functions handed to Post run on the calling goroutine.
// The connection is disconnected when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	ready, ok := c.t.(Notifier)
	if !ok {
		return ErrNotNotifier
	}

	mb := newMailbox()
	c.post = mb.post
	c.logger.Info("connection established")

	err := c.runLoop(ctx, ready, mb)
	if derr := c.Disconnect(); derr != nil && err == nil {
		err = derr
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "error", err)
	}
	return err
}

func (c *Conn) runLoop(ctx context.Context, ready Notifier, mb *mailbox) error {
	for {
		mb.run()
		if c.closed {
			return nil
		}

		if err := c.service(); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready.Ready():
		case <-mb.wake:
		}
	}
}

// service runs the read engine until it stalls, then the write engine while
// it wants to write and can make progress.
func (c *Conn) service() error {
	for {
		err := c.HandleRead()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		return err
	}

	for c.WantWrite() {
		err := c.HandleWrite()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		return err
	}
	return nil
}
