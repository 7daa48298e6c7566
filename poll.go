package duplex

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// WritePoll writes all of buf synchronously, sleeping briefly whenever the
// transport would block. It is meant for handshake traffic exchanged before
// the connection is handed to an event loop, and must not be mixed with
// queued writes in flight.
//
// It returns the number of bytes written, which is short only together with
// ErrClosed, the context error or a terminal transport error.
func (c *Conn) WritePoll(ctx context.Context, buf []byte) (int, error) {
	return c.poll(ctx, buf, c.t.TryWrite, c.countWrite)
}

// ReadPoll fills buf synchronously. See WritePoll.
func (c *Conn) ReadPoll(ctx context.Context, buf []byte) (int, error) {
	return c.poll(ctx, buf, c.t.TryRead, c.countRead)
}

func (c *Conn) poll(ctx context.Context, buf []byte, op func([]byte) (int, error), count func(int)) (int, error) {
	if c.closed {
		return 0, ErrConnectionClosed
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	off := 0
	for off < len(buf) {
		n, err := op(buf[off:])
		switch {
		case err == nil:
			count(n)
			off += n
			continue
		case isTransient(err):
		case errors.Is(err, ErrFault):
			panic(errors.Wrapf(err, "poll on %s", c.opts.name))
		default:
			return off, err
		}

		if timer == nil {
			timer = time.NewTimer(c.opts.pollInterval)
		} else {
			timer.Reset(c.opts.pollInterval)
		}
		select {
		case <-ctx.Done():
			return off, ctx.Err()
		case <-timer.C:
		}
	}
	return off, nil
}
