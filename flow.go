package duplex

import (
	"sync"
	"time"
)

// BlockWrites pauses the write engine. A message already in flight is
// finished; no further message is started until ResumeWrites.
func (c *Conn) BlockWrites() {
	c.writeEnabled = false
	if c.wstate == writeIdle {
		c.armWrite(false)
	}
}

// ResumeWrites re-enables the write engine and re-arms write interest when
// output is pending.
func (c *Conn) ResumeWrites() {
	c.writeEnabled = true
	if c.q.len() > 0 && !c.closed {
		c.armWrite(true)
	}
}

// WritesBlocked reports whether BlockWrites is in effect.
func (c *Conn) WritesBlocked() bool {
	return !c.writeEnabled
}

// SetMaxTransfer caps the size of every single transport write to n bytes.
// Zero removes the cap. Reads are not limited.
func (c *Conn) SetMaxTransfer(n int) {
	if n < 0 {
		n = 0
	}
	c.logger.Debug("setting max transfer", "max", n)
	c.opts.maxTransfer = n
}

// SetBandwidthCheck installs fn to run after every write step, successful
// or not, so the caller can measure throughput and block writes.
func (c *Conn) SetBandwidthCheck(fn func(c *Conn)) {
	c.opts.bandwidthCheck = fn
}

// RateLimiter is a bandwidth check that keeps the write rate of a Conn
// under a byte budget per second. When the budget is exceeded it blocks
// writes and resumes them through Conn.Post once the window allows it.
//
//	rl := duplex.NewRateLimiter(1 << 20)
//	c.SetBandwidthCheck(rl.Check)
type RateLimiter struct {
	bytesPerSec uint64
	window      time.Duration
	now         func() time.Time
	after       func(d time.Duration, fn func())

	mu         sync.Mutex
	start      time.Time
	startBytes uint64
	paused     bool
}

// NewRateLimiter returns a limiter allowing bytesPerSec written bytes per
// second, measured over one second windows.
func NewRateLimiter(bytesPerSec uint64) *RateLimiter {
	return &RateLimiter{
		bytesPerSec: bytesPerSec,
		window:      time.Second,
		now:         time.Now,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Check is the bandwidth check hook.
func (r *RateLimiter) Check(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused || r.bytesPerSec == 0 {
		return
	}

	now := r.now()
	written := c.Stats().BytesWritten
	if r.start.IsZero() || now.Sub(r.start) >= r.window {
		r.start = now
		r.startBytes = written
		return
	}

	budget := r.bytesPerSec * uint64(r.window) / uint64(time.Second)
	sent := written - r.startBytes
	if sent <= budget {
		return
	}

	// time the window would need for sent bytes at the allowed rate
	need := time.Duration(sent * uint64(time.Second) / r.bytesPerSec)
	delay := need - now.Sub(r.start)
	if delay <= 0 {
		return
	}

	r.paused = true
	c.BlockWrites()
	c.logger.Debug("bandwidth exceeded, pausing writes", "delay", delay, "sent", sent)
	r.after(delay, func() {
		c.Post(func() {
			r.mu.Lock()
			r.paused = false
			r.start = time.Time{}
			r.mu.Unlock()
			c.ResumeWrites()
		})
	})
}
