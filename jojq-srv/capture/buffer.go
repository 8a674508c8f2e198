package capture

import (
	"sync"

	"github.com/jojq/jojq/jojq-srv/logger"
)

// Buffer is a bounded FIFO of capture records. Appending beyond the maximum
// evicts the oldest record. All methods are safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	next    int
	count   int
	seq     int64
}

// NewBuffer creates a buffer retaining at most max records. max must be
// positive.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 1
	}
	return &Buffer{
		records: make([]Record, max),
	}
}

// Append stores rec at the tail, assigning the next ordinal. When the
// buffer is full the head record is dropped. The stored copy is returned.
func (b *Buffer) Append(rec Record) Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	rec.Ordinal = b.seq

	if b.count == len(b.records) {
		evicted := b.records[b.next]
		logger.Debug("Capture buffer full, evicting record #%d (%s %s)",
			evicted.Ordinal, evicted.Request.Method, evicted.Request.URL)
	}

	idx := b.next
	b.records[idx] = rec
	b.next = (b.next + 1) % len(b.records)
	if b.count < len(b.records) {
		b.count++
	}
	return b.records[idx]
}

// Get returns the record at 1-based position pos within the current
// contents (1 = oldest surviving record). The second return is false when
// pos is out of range.
func (b *Buffer) Get(pos int) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos < 1 || pos > b.count {
		return Record{}, false
	}
	start := (b.next - b.count + len(b.records)) % len(b.records)
	return b.records[(start+pos-1)%len(b.records)], true
}

// List returns the current records in insertion order.
func (b *Buffer) List() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Record, 0, b.count)
	start := (b.next - b.count + len(b.records)) % len(b.records)
	for i := 0; i < b.count; i++ {
		out = append(out, b.records[(start+i)%len(b.records)])
	}
	return out
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Max returns the configured capacity.
func (b *Buffer) Max() int {
	return len(b.records)
}

// Clear empties the buffer. Ordinals keep increasing across a clear.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.records {
		b.records[i] = Record{}
	}
	b.count = 0
	b.next = 0
}
