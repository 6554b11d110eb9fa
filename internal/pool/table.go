// Package pool implements the fixed-capacity connection table. Slots are
// allocated once at startup and only ever reset, never created or destroyed.
package pool

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Acquire when every slot is occupied and
// none has gone stale. Callers must close the new socket without serving it.
var ErrPoolExhausted = errors.New("pool: all connection slots in use")

// Slot is one reusable entry in the table, bound to at most one live
// connection at a time. Fields are guarded by the table lock; code outside
// this package reads them only inside ForEachOccupied callbacks or through
// Table methods.
type Slot struct {
	conn          net.Conn
	username      string
	authenticated bool
	occupied      bool
	lastActivity  time.Time
}

// Conn returns the peer socket bound to the slot, nil if none yet.
func (s *Slot) Conn() net.Conn { return s.conn }

// Username returns the display name, empty until login or registration.
func (s *Slot) Username() string { return s.username }

// Authenticated reports whether the owner has logged in or registered.
func (s *Slot) Authenticated() bool { return s.authenticated }

// Touch refreshes the activity timestamp after a successful send. Only
// valid while the table lock is held, i.e. inside a ForEachOccupied
// callback.
func (s *Slot) Touch() { s.lastActivity = time.Now() }

// Info is a point-in-time copy of a slot's identity.
type Info struct {
	Username      string
	Authenticated bool
}

// Table is the fixed-size pool of connection slots.
type Table struct {
	mu         sync.Mutex
	slots      []Slot
	staleAfter time.Duration
}

// NewTable creates a table with the given capacity. Occupied slots whose
// connection has been inactive longer than staleAfter become eligible for
// forced reclamation.
func NewTable(capacity int, staleAfter time.Duration) *Table {
	return &Table{
		slots:      make([]Slot, capacity),
		staleAfter: staleAfter,
	}
}

// Capacity returns the fixed number of slots.
func (t *Table) Capacity() int { return len(t.slots) }

// Acquire returns a slot for a new connection. The scan is two-pass and
// deterministic: a free slot always wins, otherwise the first stale slot
// is forcibly reclaimed (its socket closed, its fields reset). Acquire
// never blocks; ErrPoolExhausted means the pool is full of fresh
// connections.
func (t *Table) Acquire() (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.occupied {
			s.reset()
			s.occupied = true
			s.lastActivity = now
			return s, nil
		}
	}
	for i := range t.slots {
		s := &t.slots[i]
		if now.Sub(s.lastActivity) > t.staleAfter {
			if s.conn != nil {
				s.conn.Close()
				slog.Warn("reclaimed stale connection slot", "username", s.username)
			}
			s.reset()
			s.occupied = true
			s.lastActivity = now
			return s, nil
		}
	}
	return nil, ErrPoolExhausted
}

// reset clears the slot fields. Caller holds the lock.
func (s *Slot) reset() {
	s.conn = nil
	s.username = ""
	s.authenticated = false
	s.occupied = false
}

// Bind attaches the accepted socket to an acquired slot.
func (t *Table) Bind(s *Slot, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.conn = conn
	s.lastActivity = time.Now()
}

// Release closes the slot's socket if still open, clears its identity and
// frees it. Releasing an already-free slot is a no-op.
func (t *Table) Release(s *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.occupied {
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.reset()
}

// ReleaseIf releases the slot only while it is still bound to conn. At
// most one slot ever holds a given handle, so the conn doubles as an
// ownership token: a slot that was evicted and re-acquired by a newer
// connection is left alone.
func (t *Table) ReleaseIf(s *Slot, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.occupied || s.conn != conn {
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.reset()
}

// ForEachOccupied runs fn for every occupied slot while holding the table
// lock for the whole iteration. fn must not block unboundedly; send
// operations inside it have to be deadline-capped.
func (t *Table) ForEachOccupied(fn func(*Slot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].occupied {
			fn(&t.slots[i])
		}
	}
}

// InfoByConn reports the identity bound to conn, if any.
func (t *Table) InfoByConn(conn net.Conn) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied && s.conn == conn {
			return Info{Username: s.username, Authenticated: s.authenticated}, true
		}
	}
	return Info{}, false
}

// ConnByUsername finds the live socket for an exact, case-sensitive
// username match.
func (t *Table) ConnByUsername(name string) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied && s.username == name && s.conn != nil {
			return s.conn, true
		}
	}
	return nil, false
}

// SetIdentity records a successful login or registration for conn. The
// transition is one way; callers never clear authentication on a live
// connection.
func (t *Table) SetIdentity(conn net.Conn, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied && s.conn == conn {
			s.username = username
			s.authenticated = true
			s.lastActivity = time.Now()
			return true
		}
	}
	return false
}

// TouchConn refreshes the activity timestamp for conn after a successful
// read.
func (t *Table) TouchConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied && s.conn == conn {
			s.lastActivity = time.Now()
			return
		}
	}
}

// OccupiedCount returns the number of occupied slots.
func (t *Table) OccupiedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].occupied {
			n++
		}
	}
	return n
}

// Usernames returns the display names of occupied, identified slots in
// slot order.
func (t *Table) Usernames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.slots))
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied && s.username != "" {
			names = append(names, s.username)
		}
	}
	return names
}
