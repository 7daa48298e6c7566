package duplex

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// options holds the configuration for a connection.
type options struct {
	name    string
	logger  Logger
	metrics *metrics.Set

	alloc   Allocator
	entries EntryAllocator
	watcher Watcher

	// onRead receives every inbound message; a nil header means the peer
	// closed the connection.
	onRead func(h *Header, body []byte)
	// onWriteComplete receives every outbound message once it has been
	// handed to the transport, or when it is dropped by Disconnect; a nil
	// header means the connection was lost while sending.
	onWriteComplete func(h *Header, p Payload)
	bandwidthCheck  func(c *Conn)

	maxTransfer    int           // cap of a single transport write, 0 = unlimited
	maxMessageSize uint32        // largest accepted inbound body
	pollInterval   time.Duration // sleep between polled retries
}

// Option is a function that configures connection options.
type Option func(*options)

// NameOption sets the identifier attached to every log line and metric of
// the connection.
func NameOption(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption publishes the connection counters into set.
func MetricsOption(set *metrics.Set) Option {
	return func(o *options) {
		o.metrics = set
	}
}

// AllocatorOption sets the storage provider for inbound headers and bodies.
func AllocatorOption(a Allocator) Option {
	return func(o *options) {
		o.alloc = a
	}
}

// EntryAllocatorOption sets the provider of output queue entries.
func EntryAllocatorOption(a EntryAllocator) Option {
	return func(o *options) {
		o.entries = a
	}
}

// WatcherOption connects the engine to an external reactor.
func WatcherOption(w Watcher) Option {
	return func(o *options) {
		o.watcher = w
	}
}

// OnReadOption sets the inbound message handler. Required.
func OnReadOption(cb func(h *Header, body []byte)) Option {
	return func(o *options) {
		o.onRead = cb
	}
}

// OnWriteCompleteOption sets the outbound completion handler. Required.
// The handler owns h and the payload once called.
func OnWriteCompleteOption(cb func(h *Header, p Payload)) Option {
	return func(o *options) {
		o.onWriteComplete = cb
	}
}

// BandwidthCheckOption sets a hook run after every write step.
func BandwidthCheckOption(cb func(c *Conn)) Option {
	return func(o *options) {
		o.bandwidthCheck = cb
	}
}

// MaxTransferOption caps the size of a single transport write.
// Zero means unlimited.
func MaxTransferOption(n int) Option {
	return func(o *options) {
		o.maxTransfer = n
	}
}

// MaxMessageSizeOption sets the largest inbound body accepted.
func MaxMessageSizeOption(size uint32) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// PollIntervalOption sets the sleep between retries of ReadPoll and WritePoll.
func PollIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}
