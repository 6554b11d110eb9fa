// Package history keeps the bounded ring of recent broadcast lines.
package history

import "sync"

// Ring is a fixed-capacity buffer of formatted wire lines. Once full,
// each append evicts the oldest entry.
type Ring struct {
	mu      sync.RWMutex
	entries []string
	head    int
	size    int
}

// NewRing creates a ring holding at most capacity lines. Capacities
// below one are clamped to one so Append is always safe.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{entries: make([]string, capacity)}
}

// Append stores a line, evicting the oldest if the ring is full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[(r.head+r.size)%len(r.entries)] = line
	if r.size < len(r.entries) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.entries)
	}
}

// Len returns the number of stored lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Last returns up to n of the most recent lines, oldest first.
func (r *Ring) Last(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}
