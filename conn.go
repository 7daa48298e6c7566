// Package duplex provides a non-blocking, length-prefixed message transport.
// Each message is a fixed-size header followed by a body of the size the
// header announces. A Conn drives one read and one write transfer at a time
// over a Transport, resuming across any number of short reads and writes,
// and reports completed messages through callbacks.
package duplex

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnRead is returned when no read handler is provided.
	ErrInvalidOnRead = errors.New("invalid on read callback")
	// ErrInvalidOnWriteComplete is returned when no write completion handler is provided.
	ErrInvalidOnWriteComplete = errors.New("invalid on write complete callback")
	// ErrInvalidLength is returned when a body does not match its header size.
	ErrInvalidLength = errors.New("invalid message length")
	// ErrTooManySegments is returned when a scatter list exceeds MaxSegments.
	ErrTooManySegments = errors.New("too many segments")
	// ErrMessageTooLarge is returned when the peer announces a body above the limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a disconnected Conn.
	ErrConnectionClosed = errors.New("connection closed")
)

// Default configuration values.
const (
	defaultMaxMessageSize = 64 << 20
	defaultPollInterval   = 100 * time.Microsecond
)

// Read states.
const (
	readIdle = iota
	readHeader
	readBody
)

// Write states. Any state >= writeBody is body transfer of segment
// state-writeBody.
const (
	writeIdle = iota
	writeHeader
	writeBody
)

var connSeq atomic.Uint64

// Stats are the running transfer counters of a Conn.
type Stats struct {
	ReadCalls       uint64
	BytesRead       uint64
	MessagesRead    uint64
	WriteCalls      uint64
	BytesWritten    uint64
	MessagesWritten uint64
}

// Conn is the I/O context of one connection.
//
// A Conn is not safe for concurrent use. All methods must be called from the
// goroutine that drives it (see Run, Poller and Post).
type Conn struct {
	t       Transport
	opts    options
	logger  Logger
	metrics *connMetrics

	q            queue
	writeEnabled bool
	writeArmed   bool
	closed       bool
	readErr      error // sticky terminal read condition
	writeErr     error // sticky terminal write condition

	rstate int
	rhdr   *Header
	rbody  []byte
	roff   int
	rwire  [HeaderSize]byte

	wstate   int
	wentry   *Entry
	woff     int
	wwritten int
	wwire    [HeaderSize]byte // encoded header, live only in writeHeader

	stats Stats
	post  func(func())
}

// NewConn binds a Conn to t.
// Returns an error if required options (OnRead, OnWriteComplete) are missing.
func NewConn(t Transport, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	c := &Conn{
		t:            t,
		opts:         opts,
		logger:       withTags(opts.logger, "conn", opts.name),
		metrics:      newConnMetrics(opts.metrics),
		writeEnabled: true,
	}
	c.logger.Debug("connection initialized",
		"max_transfer", opts.maxTransfer,
		"max_message_size", opts.maxMessageSize)
	return c, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onRead == nil {
		return ErrInvalidOnRead
	}

	if opts.onWriteComplete == nil {
		return ErrInvalidOnWriteComplete
	}

	if opts.name == "" {
		opts.name = fmt.Sprintf("conn-%d", connSeq.Add(1))
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.alloc == nil {
		opts.alloc = heapAllocator{}
	}

	if opts.entries == nil {
		opts.entries = newPoolEntries()
	}

	if opts.maxMessageSize == 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}

	if opts.maxTransfer < 0 {
		opts.maxTransfer = 0
	}

	return nil
}

// Name returns the connection identifier used in logs.
func (c *Conn) Name() string {
	return c.opts.name
}

// Transport returns the underlying transport.
func (c *Conn) Transport() Transport {
	return c.t
}

// Stats returns a snapshot of the transfer counters.
func (c *Conn) Stats() Stats {
	return c.stats
}

// Pending returns the number of queued outbound messages, including the
// one in flight.
func (c *Conn) Pending() int {
	return c.q.len()
}

// WantWrite reports whether the engine is interested in write readiness.
func (c *Conn) WantWrite() bool {
	return c.writeArmed && !c.closed
}

// IsClosed returns true once Disconnect has run.
func (c *Conn) IsClosed() bool {
	return c.closed
}

// Post runs fn on the goroutine driving c. Without a driver fn runs inline.
func (c *Conn) Post(fn func()) {
	if c.post != nil {
		c.post(fn)
		return
	}
	fn()
}

// Enqueue appends a single-buffer message to the output queue.
// body must hold exactly h.Size bytes. Ownership of h and body passes to the
// engine until the write completion callback returns them.
func (c *Conn) Enqueue(h *Header, body []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if len(body) != int(h.Size) {
		return errors.Wrapf(ErrInvalidLength, "header size %d, body %d", h.Size, len(body))
	}
	c.push(h, Payload{Body: body})
	return nil
}

// EnqueueSegments appends a message whose body is the concatenation of segs.
// The segment lengths must sum to h.Size; nothing is queued otherwise.
func (c *Conn) EnqueueSegments(h *Header, segs [][]byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if len(segs) == 0 {
		return errors.Wrap(ErrInvalidLength, "empty segment list")
	}
	if len(segs) > MaxSegments {
		return errors.Wrapf(ErrTooManySegments, "%d > %d", len(segs), MaxSegments)
	}

	var total uint64
	for _, s := range segs {
		total += uint64(len(s))
	}
	if total != uint64(h.Size) {
		return errors.Wrapf(ErrInvalidLength, "header size %d, sum of segments %d", h.Size, total)
	}

	c.push(h, Payload{Segments: segs})
	return nil
}

func (c *Conn) push(h *Header, p Payload) {
	start := c.q.len() == 0 && c.writeEnabled

	e := c.opts.entries.AllocEntry()
	e.Header = h
	e.Payload = p
	c.q.push(e)

	if start {
		c.armWrite(true)
	}
}

// HandleRead advances the read state machine by one step. Call it when the
// transport is readable.
//
// It returns nil when progress was made, ErrWouldBlock when the transport had
// nothing to offer, ErrClosed once the peer has gone (the read callback has
// then been invoked with a nil header), ErrConnectionClosed after Disconnect,
// or a terminal transport error.
func (c *Conn) HandleRead() error {
	if c.closed {
		return ErrConnectionClosed
	}
	if c.readErr != nil {
		return c.readErr
	}

	switch c.rstate {
	case readIdle:
		c.rhdr = c.opts.alloc.AllocHeader()
		c.roff = 0
		c.rstate = readHeader
		fallthrough

	case readHeader:
		n, err := c.t.TryRead(c.rwire[c.roff:])
		if err != nil {
			return c.readFailed(err)
		}
		c.countRead(n)
		c.roff += n
		if c.roff < HeaderSize {
			return nil
		}

		h := parseHeader(&c.rwire)
		*c.rhdr = h
		c.roff = 0
		c.rstate = readBody
		c.rbody = nil

		if h.Size > c.opts.maxMessageSize {
			c.logger.Warn("inbound message too large",
				"opcode", h.Opcode, "size", h.Size, "limit", c.opts.maxMessageSize)
			c.readErr = errors.Wrapf(ErrMessageTooLarge, "size %d", h.Size)
			c.opts.onRead(nil, nil)
			return c.readErr
		}
		if h.Size != 0 {
			body := c.opts.alloc.AllocBody(c.rhdr)
			if len(body) < int(h.Size) {
				panic(errors.Errorf("body allocator returned %d bytes for size %d", len(body), h.Size))
			}
			c.rbody = body[:h.Size]
		}
		fallthrough

	case readBody:
		if c.roff < len(c.rbody) {
			n, err := c.t.TryRead(c.rbody[c.roff:])
			if err != nil {
				return c.readFailed(err)
			}
			c.countRead(n)
			c.roff += n
			if c.roff < len(c.rbody) {
				return nil
			}
		}

		h, body := c.rhdr, c.rbody
		c.rstate = readIdle
		c.rhdr = nil
		c.rbody = nil
		c.roff = 0

		c.stats.MessagesRead++
		c.metrics.messageRead()
		c.opts.onRead(h, body)
		return nil

	default:
		panic(errors.Errorf("invalid read state %d on %s", c.rstate, c.opts.name))
	}
}

func (c *Conn) readFailed(err error) error {
	switch {
	case errors.Is(err, ErrWouldBlock):
		return ErrWouldBlock
	case errors.Is(err, ErrClosed):
		c.logger.Debug("peer closed while reading", "state", c.rstate, "offset", c.roff)
		c.readErr = ErrClosed
		c.opts.onRead(nil, nil)
		return ErrClosed
	case errors.Is(err, ErrFault):
		panic(errors.Wrapf(err, "read on %s state %d offset %d", c.opts.name, c.rstate, c.roff))
	default:
		c.logger.Warn("read failed", "state", c.rstate, "error", err)
		return err
	}
}

// HandleWrite advances the write state machine. Call it when the transport
// is writable and WantWrite reports true.
//
// Within one call the header and as many body segments as the transport
// accepts are written back to back. Return values mirror HandleRead; the
// write completion callback receives a nil header when the peer goes away.
func (c *Conn) HandleWrite() error {
	if c.closed {
		return ErrConnectionClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}

	if c.wstate == writeIdle {
		e := c.q.front()
		if e == nil || !c.writeEnabled {
			c.armWrite(false)
			c.checkBandwidth()
			return ErrWouldBlock
		}
		c.wentry = e
		c.woff = 0
		c.wwritten = 0
		c.wwire = e.Header.Wire()
		c.wstate = writeHeader
	}

	err := c.writeStep()
	if err == nil || errors.Is(err, ErrWouldBlock) {
		c.checkBandwidth()
	}
	return err
}

// checkBandwidth runs the bandwidth hook. Terminal write results skip it.
func (c *Conn) checkBandwidth() {
	if c.opts.bandwidthCheck != nil {
		c.opts.bandwidthCheck(c)
	}
}

func (c *Conn) writeStep() error {
	if c.wstate == writeHeader {
		n, err := c.t.TryWrite(c.clamp(c.wwire[c.woff:]))
		if err != nil {
			return c.writeFailed(err)
		}
		c.countWrite(n)
		c.woff += n
		if c.woff < HeaderSize {
			return nil
		}
		c.wwire = [HeaderSize]byte{}
		c.woff = 0
		c.wstate = writeBody
	}

	if c.wstate < writeBody {
		panic(errors.Errorf("invalid write state %d on %s", c.wstate, c.opts.name))
	}

	p := c.wentry.Payload
	for {
		seg := p.segment(c.wstate - writeBody)
		if c.woff < len(seg) {
			n, err := c.t.TryWrite(c.clamp(seg[c.woff:]))
			if err != nil {
				return c.writeFailed(err)
			}
			c.countWrite(n)
			c.woff += n
			if c.woff < len(seg) {
				return nil
			}
		}

		c.wwritten += c.woff
		c.woff = 0
		if c.wstate-writeBody+1 < p.count() {
			c.wstate++
			continue
		}

		c.completeWrite()
		return nil
	}
}

func (c *Conn) completeWrite() {
	e := c.wentry
	if uint64(c.wwritten) != uint64(e.Header.Size) {
		panic(errors.Errorf("amount of data written does not match: header %d, written %d",
			e.Header.Size, c.wwritten))
	}

	c.q.pop()
	c.wentry = nil
	c.wstate = writeIdle

	c.stats.MessagesWritten++
	c.metrics.messageWritten()
	c.opts.onWriteComplete(e.Header, e.Payload)
	c.opts.entries.FreeEntry(e)

	if c.q.len() == 0 || !c.writeEnabled {
		c.armWrite(false)
	}
}

func (c *Conn) writeFailed(err error) error {
	switch {
	case errors.Is(err, ErrWouldBlock):
		return ErrWouldBlock
	case errors.Is(err, ErrClosed):
		c.logger.Debug("peer closed while writing",
			"state", c.wstate, "opcode", c.wentry.Header.Opcode, "offset", c.woff)
		c.writeErr = ErrClosed
		c.armWrite(false)
		c.opts.onWriteComplete(nil, Payload{})
		return ErrClosed
	case errors.Is(err, ErrFault):
		c.logger.Error("write fault",
			"opcode", c.wentry.Header.Opcode, "size", c.wentry.Header.Size, "offset", c.woff)
		panic(errors.Wrapf(err, "write on %s state %d", c.opts.name, c.wstate))
	default:
		c.logger.Warn("write failed", "state", c.wstate, "error", err)
		return err
	}
}

// clamp limits b to the max transfer size.
func (c *Conn) clamp(b []byte) []byte {
	if c.opts.maxTransfer > 0 && len(b) > c.opts.maxTransfer {
		return b[:c.opts.maxTransfer]
	}
	return b
}

func (c *Conn) armWrite(on bool) {
	if c.writeArmed == on {
		return
	}
	c.writeArmed = on
	if c.opts.watcher != nil {
		c.opts.watcher.WatchWrite(on)
	}
}

func (c *Conn) countRead(n int) {
	c.stats.ReadCalls++
	c.stats.BytesRead += uint64(n)
	c.metrics.read(n)
}

func (c *Conn) countWrite(n int) {
	c.stats.WriteCalls++
	c.stats.BytesWritten += uint64(n)
	c.metrics.written(n)
}

// Disconnect tears the connection down: read interest and write interest are
// dropped, a partially read message is released through the Allocator, every
// undelivered queue entry is handed back through the write completion
// callback, and the transport is closed. Safe to call multiple times.
func (c *Conn) Disconnect() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.writeArmed = false
	if c.opts.watcher != nil {
		c.opts.watcher.Close()
	}

	if c.rbody != nil {
		c.opts.alloc.FreeBody(c.rbody, c.rhdr)
	}
	if c.rhdr != nil {
		c.opts.alloc.FreeHeader(c.rhdr)
	}
	c.rhdr, c.rbody = nil, nil
	c.rstate = readIdle

	dropped := 0
	for e := c.q.pop(); e != nil; e = c.q.pop() {
		c.opts.onWriteComplete(e.Header, e.Payload)
		c.opts.entries.FreeEntry(e)
		dropped++
	}
	c.wentry = nil
	c.wstate = writeIdle

	err := c.t.Close()
	c.metrics.disconnected()
	c.logger.Info("connection closed",
		"dropped", dropped,
		"bytes_read", c.stats.BytesRead,
		"bytes_written", c.stats.BytesWritten,
		"messages_read", c.stats.MessagesRead,
		"messages_written", c.stats.MessagesWritten)

	return errors.Wrap(err, "close transport")
}
