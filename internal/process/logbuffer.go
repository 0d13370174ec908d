package process

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/contracts"
)

// LogBuffer is a fixed-size ring of log entries. Adapters use it to cap how
// many lines a single GetLogs call can return. Reads on a nil buffer return
// nothing.
type LogBuffer struct {
	mu    sync.RWMutex
	ring  []contracts.LogEntry
	next  int
	count int
}

// NewLogBuffer creates a buffer that retains the newest max entries.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{ring: make([]contracts.LogEntry, max)}
}

// Write appends a line stamped now.
func (lb *LogBuffer) Write(stream, line string) {
	lb.Append(contracts.LogEntry{Timestamp: time.Now().UTC(), Stream: stream, Line: line})
}

// Append adds an entry, overwriting the oldest once full.
func (lb *LogBuffer) Append(entry contracts.LogEntry) {
	lb.mu.Lock()
	lb.ring[lb.next] = entry
	lb.next = (lb.next + 1) % len(lb.ring)
	if lb.count < len(lb.ring) {
		lb.count++
	}
	lb.mu.Unlock()
}

// Recent returns the last n entries oldest first (all when n <= 0).
func (lb *LogBuffer) Recent(n int) []contracts.LogEntry {
	if lb == nil {
		return []contracts.LogEntry{}
	}
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if n <= 0 || n > lb.count {
		n = lb.count
	}
	out := make([]contracts.LogEntry, n)
	start := lb.next - n
	if start < 0 {
		start += len(lb.ring)
	}
	for i := range out {
		out[i] = lb.ring[(start+i)%len(lb.ring)]
	}
	return out
}

// Since returns buffered entries stamped at or after t. A zero t returns
// everything.
func (lb *LogBuffer) Since(t time.Time) []contracts.LogEntry {
	all := lb.Recent(0)
	if t.IsZero() {
		return all
	}
	out := all[:0]
	for _, e := range all {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (lb *LogBuffer) Len() int {
	if lb == nil {
		return 0
	}
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.count
}
