package duplex

import "sync"

// MaxSegments is the largest scatter list accepted by EnqueueSegments.
const MaxSegments = 1024

// Payload is the body of an outbound message: either a single buffer
// or an ordered list of segments. Exactly one of the two is set.
type Payload struct {
	Body     []byte
	Segments [][]byte
}

// Len returns the total number of body bytes.
func (p Payload) Len() int {
	if p.Segments == nil {
		return len(p.Body)
	}
	n := 0
	for _, s := range p.Segments {
		n += len(s)
	}
	return n
}

// segment returns the i-th buffer to transmit. A single-buffer payload
// has exactly one segment.
func (p Payload) segment(i int) []byte {
	if p.Segments == nil {
		return p.Body
	}
	return p.Segments[i]
}

func (p Payload) count() int {
	if p.Segments == nil {
		return 1
	}
	return len(p.Segments)
}

// Entry is one pending outbound message.
type Entry struct {
	Header  *Header
	Payload Payload
}

func (e *Entry) reset() {
	e.Header = nil
	e.Payload = Payload{}
}

// EntryAllocator supplies and recycles queue entries.
type EntryAllocator interface {
	AllocEntry() *Entry
	FreeEntry(*Entry)
}

// poolEntries is the default EntryAllocator.
type poolEntries struct {
	pool sync.Pool
}

func newPoolEntries() *poolEntries {
	return &poolEntries{pool: sync.Pool{New: func() any { return new(Entry) }}}
}

func (p *poolEntries) AllocEntry() *Entry {
	return p.pool.Get().(*Entry)
}

func (p *poolEntries) FreeEntry(e *Entry) {
	e.reset()
	p.pool.Put(e)
}

// Allocator supplies storage for inbound headers and bodies.
// AllocBody must return a buffer of at least h.Size bytes; it is never
// called for empty bodies.
type Allocator interface {
	AllocHeader() *Header
	FreeHeader(*Header)
	AllocBody(h *Header) []byte
	FreeBody(body []byte, h *Header)
}

// heapAllocator is the default Allocator; freed memory is left to the GC.
type heapAllocator struct{}

func (heapAllocator) AllocHeader() *Header { return new(Header) }

func (heapAllocator) FreeHeader(*Header) {}

func (heapAllocator) AllocBody(h *Header) []byte { return make([]byte, h.Size) }

func (heapAllocator) FreeBody([]byte, *Header) {}

// queue is the FIFO of pending outbound entries.
type queue struct {
	items []*Entry
	head  int
}

func (q *queue) len() int {
	return len(q.items) - q.head
}

func (q *queue) push(e *Entry) {
	q.items = append(q.items, e)
}

func (q *queue) front() *Entry {
	if q.len() == 0 {
		return nil
	}
	return q.items[q.head]
}

func (q *queue) pop() *Entry {
	if q.len() == 0 {
		return nil
	}
	e := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// compact once the consumed prefix dominates
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return e
}
