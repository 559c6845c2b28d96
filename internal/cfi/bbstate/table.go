package bbstate

import (
	"github.com/twmb/murmur3"
)

// State is the observer's record of one basic block.
//
// A State is created the first time the engine reports the block as compiled
// and is never removed: invalidation only clears Live, so pending edges that
// name the address keep a stable target until the block is rebuilt.
type State struct {
	// Addr is the application address of the block's first instruction.
	Addr uint64

	// Hash is the content hash reported with the most recent SetLive.
	Hash uint64

	// Live is true while the engine holds a compiled copy of the block.
	Live bool

	// Generation counts how many times the block went live.
	Generation uint32
}

// Table maps block addresses to their State.
//
// The table maps each block address to a State cell tracking liveness and
// content hash. Every component that records edges queries it.
//
// Thread Safety: NOT safe for concurrent use. The observer mutates the table
// only while holding its hash-table lock, together with the pending-edge
// queues, so that a liveness transition and the drain of edges waiting on it
// happen as one unit.
type Table struct {
	cells map[uint64]*State
}

// NewTable creates an empty block table.
func NewTable() *Table {
	return &Table{cells: make(map[uint64]*State)}
}

// Get returns the State for addr, or nil if the block was never seen.
//
// A nil result is not an error: the edge recorder treats it as "target not
// live" and queues a pending edge.
func (t *Table) Get(addr uint64) *State {
	return t.cells[addr]
}

// IsLive reports whether addr names a live block.
func (t *Table) IsLive(addr uint64) bool {
	s := t.cells[addr]
	return s != nil && s.Live
}

// SetLive marks the block at addr live with the given content hash.
//
// Returns:
//   - true if the block transitioned from absent or inactive to live; the
//     caller must drain pending edges queued under addr
//   - false if the block was already live (the hash is still updated)
func (t *Table) SetLive(addr, hash uint64) bool {
	s, ok := t.cells[addr]
	if !ok {
		s = &State{Addr: addr}
		t.cells[addr] = s
	}
	s.Hash = hash
	if s.Live {
		return false
	}
	s.Live = true
	s.Generation++
	return true
}

// Invalidate clears liveness for addr. It reports whether the block was live.
func (t *Table) Invalidate(addr uint64) bool {
	s, ok := t.cells[addr]
	if !ok || !s.Live {
		return false
	}
	s.Live = false
	return true
}

// Len returns the number of blocks ever seen.
func (t *Table) Len() int {
	return len(t.cells)
}

// LiveCount returns the number of currently live blocks.
func (t *Table) LiveCount() int {
	n := 0
	for _, s := range t.cells {
		if s.Live {
			n++
		}
	}
	return n
}

// Reset forgets every block. Used between test runs and at process teardown.
func (t *Table) Reset() {
	t.cells = make(map[uint64]*State)
}

// HashCode computes the content hash of a block's code bytes.
//
// Engines that do not compute their own block hash can use this so that the
// hash stream stays stable across runs of the same binary.
func HashCode(code []byte) uint64 {
	return murmur3.Sum64(code)
}
