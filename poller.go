//go:build unix

package duplex

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoDescriptor is returned by Poller.Register for transports without
	// a file descriptor.
	ErrNoDescriptor = errors.New("transport has no descriptor")

	// ErrPollerClosed is returned by Poller.Register and Poller.Run once Run
	// has returned. The caller keeps ownership of the Conn.
	ErrPollerClosed = errors.New("poller closed")
)

const defaultPollTimeout = 100 * time.Millisecond

// fder is implemented by descriptor-backed transports such as FDTransport.
// in and out are equal for sockets.
type fder interface {
	Fds() (in, out int)
}

// pollEntry is a registered Conn and its descriptors.
type pollEntry struct {
	c       *Conn
	in, out int
}

// pollSlot maps one pollfd back to its entry.
type pollSlot struct {
	e           *pollEntry
	read, write bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// PollerLoggerOption sets the logger for the poller.
func PollerLoggerOption(logger Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// PollerTimeoutOption bounds how long a single poll(2) call may sleep.
func PollerTimeoutOption(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.timeout = d
	}
}

// Poller is a poll(2) based reactor for descriptor-backed connections.
// One goroutine calling Run owns every registered Conn; use Post to reach
// them from elsewhere.
type Poller struct {
	conns   *xsync.MapOf[int, *pollEntry]
	logger  Logger
	timeout time.Duration
	mb      *mailbox
	wakeR   int
	wakeW   int

	mu     sync.Mutex
	closed bool
}

// NewPoller creates a poller and its wakeup pipe.
func NewPoller(opts ...PollerOption) (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, errors.Wrap(err, "create wakeup pipe")
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, errors.Wrap(err, "set nonblock on wakeup pipe")
		}
	}

	p := &Poller{
		conns:   xsync.NewMapOf[int, *pollEntry](),
		logger:  defaultLogger(),
		timeout: defaultPollTimeout,
		mb:      newMailbox(),
		wakeR:   fds[0],
		wakeW:   fds[1],
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Register hands c to the poller. It takes effect on the poller goroutine.
// After Run has returned it fails with ErrPollerClosed and c is left
// untouched.
func (p *Poller) Register(c *Conn) error {
	t, ok := c.Transport().(fder)
	if !ok {
		return ErrNoDescriptor
	}
	e := &pollEntry{c: c}
	e.in, e.out = t.Fds()
	ok = p.post(func() {
		c.post = p.Post
		p.conns.Store(e.in, e)
		p.logger.Debug("connection registered", "conn", c.Name(), "in", e.in, "out", e.out)
	})
	if !ok {
		return ErrPollerClosed
	}
	return nil
}

// Len returns the number of registered connections.
func (p *Poller) Len() int {
	return p.conns.Size()
}

// Post runs fn on the poller goroutine. Once Run has returned the poller
// owns no connection any more and fn runs on the calling goroutine.
func (p *Poller) Post(fn func()) {
	if !p.post(fn) {
		fn()
	}
}

func (p *Poller) post(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.mb.post(fn)
	_, _ = unix.Write(p.wakeW, []byte{0})
	return true
}

// Run polls until ctx is canceled. Connections whose peer went away or whose
// transport failed are disconnected and dropped; the rest are disconnected
// when Run returns.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPollerClosed
	}
	defer p.shutdown()

	var (
		fds   []unix.PollFd
		slots []pollSlot
		drain [64]byte
	)
	for {
		p.mb.run()
		if err := ctx.Err(); err != nil {
			return err
		}

		fds = append(fds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
		slots = slots[:0]
		p.conns.Range(func(_ int, e *pollEntry) bool {
			wantWrite := e.c.WantWrite()
			if e.in == e.out {
				events := int16(unix.POLLIN)
				if wantWrite {
					events |= unix.POLLOUT
				}
				fds = append(fds, unix.PollFd{Fd: int32(e.in), Events: events})
				slots = append(slots, pollSlot{e: e, read: true, write: true})
				return true
			}

			fds = append(fds, unix.PollFd{Fd: int32(e.in), Events: unix.POLLIN})
			slots = append(slots, pollSlot{e: e, read: true})
			if wantWrite {
				fds = append(fds, unix.PollFd{Fd: int32(e.out), Events: unix.POLLOUT})
				slots = append(slots, pollSlot{e: e, write: true})
			}
			return true
		})

		n, err := unix.Poll(fds, int(p.timeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents != 0 {
			for {
				if n, _ := unix.Read(p.wakeR, drain[:]); n <= 0 {
					break
				}
			}
		}
		for i, s := range slots {
			if ev := fds[i+1].Revents; ev != 0 {
				p.dispatch(s, ev)
			}
		}
	}
}

func (p *Poller) dispatch(s pollSlot, ev int16) {
	e, c := s.e, s.e.c
	// the other descriptor of a pair may have dropped it this round
	if cur, ok := p.conns.Load(e.in); !ok || cur != e {
		return
	}

	if ev&unix.POLLNVAL != 0 {
		p.drop(e, errors.New("invalid descriptor"))
		return
	}

	if s.read && ev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		if err := c.HandleRead(); err != nil && !errors.Is(err, ErrWouldBlock) {
			p.drop(e, err)
			return
		}
	}
	if s.write && ev&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 && c.WantWrite() {
		if err := c.HandleWrite(); err != nil && !errors.Is(err, ErrWouldBlock) {
			p.drop(e, err)
		}
	}
}

func (p *Poller) drop(e *pollEntry, cause error) {
	c := e.c
	p.conns.Delete(e.in)
	if errors.Is(cause, ErrClosed) || errors.Is(cause, ErrConnectionClosed) {
		p.logger.Debug("connection dropped", "conn", c.Name(), "fd", e.in)
	} else {
		p.logger.Warn("connection failed", "conn", c.Name(), "fd", e.in, "error", cause)
	}
	if err := c.Disconnect(); err != nil {
		p.logger.Warn("disconnect failed", "conn", c.Name(), "error", err)
	}
}

// shutdown stops accepting posts before the wakeup pipe is closed, so no
// write can reach a recycled descriptor.
func (p *Poller) shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.mb.run()
	p.conns.Range(func(_ int, e *pollEntry) bool {
		p.drop(e, ErrConnectionClosed)
		return true
	})
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
}
