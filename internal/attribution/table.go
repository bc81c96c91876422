// Package attribution maps OS process ids to the statement currently
// executing in that process, so block-level I/O events observed in the
// storage layer can be attributed to the statement that caused them.
//
// The table is a fixed-capacity slot array behind a single mutex: the
// discipline is lock, linear scan, mutate, unlock, with no I/O or
// blocking call while the lock is held. Attribution is best-effort: a
// full table silently drops the registration.
package attribution

import "sync"

// DefaultCapacity matches the expected number of concurrently traced
// sessions; the table is deliberately small.
const DefaultCapacity = 64

type slot struct {
	pid         int
	statementID int64
	active      bool
}

// Table is the shared pid → statement registry.
type Table struct {
	mu    sync.Mutex
	slots []slot
}

// NewTable creates a table with the given slot capacity. Capacity below
// one falls back to DefaultCapacity.
func NewTable(capacity int) *Table {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Table{slots: make([]slot, capacity)}
}

// Register records pid as executing statementID. If the pid already owns
// a slot it is updated in place. Returns false when the table is full;
// callers must treat that as a lost attribution, not an error.
func (t *Table) Register(pid int, statementID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	free := -1
	for i := range t.slots {
		if t.slots[i].active && t.slots[i].pid == pid {
			t.slots[i].statementID = statementID
			return true
		}
		if !t.slots[i].active && free == -1 {
			free = i
		}
	}
	if free == -1 {
		return false
	}
	t.slots[free] = slot{pid: pid, statementID: statementID, active: true}
	return true
}

// Unregister releases the slot owned by pid, if any.
func (t *Table) Unregister(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].active && t.slots[i].pid == pid {
			t.slots[i] = slot{}
			return
		}
	}
}

// Lookup returns the statement id registered for pid. ok is false on an
// attribution miss (never registered, expired, or dropped on a full
// table).
func (t *Table) Lookup(pid int) (statementID int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].active && t.slots[i].pid == pid {
			return t.slots[i].statementID, true
		}
	}
	return 0, false
}

// ActiveCount returns the number of occupied slots.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].active {
			n++
		}
	}
	return n
}

// Capacity returns the fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }
