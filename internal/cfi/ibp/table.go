package ibp

// Entry is the global record of one indirect branch path.
type Entry struct {
	Key Key

	// PathSeen is set once the path was recorded as a regular indirect edge.
	PathSeen bool

	// UnexpectedSeen is set once the path was recorded as an unexpected return.
	UnexpectedSeen bool

	// Hits counts observations through the global table (fast path hits on
	// the owning thread are not counted).
	Hits uint64
}

// seen reports whether the (path, unexpected) pair was already recorded.
func (e *Entry) seen(unexpected bool) bool {
	if unexpected {
		return e.UnexpectedSeen
	}
	return e.PathSeen
}

// Table is the process-wide path table.
//
// Thread Safety: NOT safe for concurrent use; callers hold the observer lock.
type Table struct {
	entries map[Key]*Entry
	bySrc   map[uint64]int
}

// NewTable creates an empty path table.
func NewTable() *Table {
	return &Table{
		entries: make(map[Key]*Entry),
		bySrc:   make(map[uint64]int),
	}
}

// LookupOrCreate returns the entry for key, creating it on first sight.
func (t *Table) LookupOrCreate(key Key) *Entry {
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Key: key}
		t.entries[key] = e
		t.bySrc[key.From]++
	}
	return e
}

// Lookup returns the entry for key or nil.
func (t *Table) Lookup(key Key) *Entry {
	return t.entries[key]
}

// Observe records one traversal of key and reports whether the traversal is
// new: the first time From resolved to To (or, for unexpected returns, the
// first time this path was an unexpected return).
func (t *Table) Observe(key Key, unexpected bool) bool {
	e := t.LookupOrCreate(key)
	e.Hits++
	if e.seen(unexpected) {
		return false
	}
	if unexpected {
		e.UnexpectedSeen = true
	} else {
		e.PathSeen = true
	}
	return true
}

// Targets returns how many distinct targets were observed from a source.
func (t *Table) Targets(from uint64) int {
	return t.bySrc[from]
}

// Len returns the number of distinct paths.
func (t *Table) Len() int {
	return len(t.entries)
}

// Reset drops every entry.
func (t *Table) Reset() {
	t.entries = make(map[Key]*Entry)
	t.bySrc = make(map[uint64]int)
}
