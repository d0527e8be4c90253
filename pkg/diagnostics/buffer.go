package diagnostics

import (
	"strings"
	"sync"
)

// DefaultBufferSize matches the log panel's retained line count.
const DefaultBufferSize = 1500

// Buffer keeps the most recent records in memory.
type Buffer struct {
	mu      sync.RWMutex
	max     int
	records []Record
}

// NewBuffer creates a ring buffer holding up to max records.
// A non-positive max selects DefaultBufferSize.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Buffer{max: max, records: make([]Record, 0, 64)}
}

// Record appends r, evicting the oldest records beyond capacity.
func (b *Buffer) Record(r Record) {
	b.mu.Lock()
	b.records = append(b.records, r)
	if over := len(b.records) - b.max; over > 0 {
		b.records = append(b.records[:0], b.records[over:]...)
	}
	b.mu.Unlock()
}

// Records returns a copy of the retained records, oldest first.
func (b *Buffer) Records() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Record(nil), b.records...)
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Text renders all retained records, one line each.
func (b *Buffer) Text() string {
	records := b.Records()
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = r.Line()
	}
	return strings.Join(lines, "\n")
}

// Clear drops every retained record.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.records = b.records[:0]
	b.mu.Unlock()
}
