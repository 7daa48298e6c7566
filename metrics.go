package duplex

import "github.com/VictoriaMetrics/metrics"

// connMetrics mirrors Stats into a metrics.Set shared by many connections.
// A nil *connMetrics records nothing.
type connMetrics struct {
	bytesRead       *metrics.Counter
	bytesWritten    *metrics.Counter
	messagesRead    *metrics.Counter
	messagesWritten *metrics.Counter
	disconnects     *metrics.Counter
}

func newConnMetrics(set *metrics.Set) *connMetrics {
	if set == nil {
		return nil
	}
	return &connMetrics{
		bytesRead:       set.GetOrCreateCounter("duplex_read_bytes_total"),
		bytesWritten:    set.GetOrCreateCounter("duplex_written_bytes_total"),
		messagesRead:    set.GetOrCreateCounter("duplex_read_messages_total"),
		messagesWritten: set.GetOrCreateCounter("duplex_written_messages_total"),
		disconnects:     set.GetOrCreateCounter("duplex_disconnects_total"),
	}
}

func (m *connMetrics) read(n int) {
	if m != nil {
		m.bytesRead.Add(n)
	}
}

func (m *connMetrics) written(n int) {
	if m != nil {
		m.bytesWritten.Add(n)
	}
}

func (m *connMetrics) messageRead() {
	if m != nil {
		m.messagesRead.Inc()
	}
}

func (m *connMetrics) messageWritten() {
	if m != nil {
		m.messagesWritten.Inc()
	}
}

func (m *connMetrics) disconnected() {
	if m != nil {
		m.disconnects.Inc()
	}
}
