// Package trampoline collapses PLT-style indirection into direct call edges.
//
// A trampoline is a stub that only jumps through a pointer slot to the real
// function (a PLT entry jumping through its GOT slot). Recording
// caller -> stub -> function would make every library call look like an
// indirect branch out of one shared stub. Instead, each stub address has a
// Tracker:
//
//	Unresolved --Resolve(entry)--> Resolved
//
// While unresolved, callers are buffered. Resolve sets the function entry
// exactly once and hands back the buffered callers, in arrival order, so the
// edge recorder can write them as caller -> function edges. A resolved
// tracker is a plain redirect and never buffers again.
package trampoline

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrUnknown is returned for an address that was never registered.
	ErrUnknown = errors.New("unknown trampoline")

	// ErrAlreadyResolved is returned when a resolved tracker is resolved
	// again to a different entry.
	ErrAlreadyResolved = errors.New("trampoline already resolved")

	// ErrInvariant reports a tracker that is both resolved and holding
	// buffered callers.
	ErrInvariant = errors.New("trampoline tracker invariant violated")
)

// Caller is one buffered edge into an unresolved trampoline.
type Caller struct {
	From        uint64
	ExitOrdinal uint8

	// Direct is set when the caller reached the stub by a direct call.
	Direct bool
}

// Tracker is the resolution state of one trampoline address.
type Tracker struct {
	Addr uint64

	// Slot is the pointer slot the stub jumps through, if known (0 otherwise).
	Slot uint64

	// Entry is the function the stub resolves to; 0 while unresolved.
	Entry uint64

	callers []Caller
}

// Resolved reports whether the function entry is known.
func (t *Tracker) Resolved() bool {
	return t.Entry != 0
}

// Callers returns the buffered callers.
func (t *Tracker) Callers() []Caller {
	return t.callers
}

func (t *Tracker) String() string {
	if t.Resolved() {
		return fmt.Sprintf("trampoline %#x -> %#x", t.Addr, t.Entry)
	}
	return fmt.Sprintf("trampoline %#x (unresolved, %d callers)", t.Addr, len(t.callers))
}

// Table holds every registered trampoline.
//
// Thread Safety: NOT safe for concurrent use; the observer calls it under
// its hash-table lock.
type Table struct {
	trackers map[uint64]*Tracker
}

// NewTable creates an empty trampoline table.
func NewTable() *Table {
	return &Table{trackers: make(map[uint64]*Tracker)}
}

// Register adds an unresolved tracker for addr. Registering an address twice
// returns the existing tracker.
func (tb *Table) Register(addr, slot uint64) *Tracker {
	if t, ok := tb.trackers[addr]; ok {
		if t.Slot == 0 {
			t.Slot = slot
		}
		return t
	}
	t := &Tracker{Addr: addr, Slot: slot}
	tb.trackers[addr] = t
	return t
}

// Lookup returns the tracker for addr or nil.
func (tb *Table) Lookup(addr uint64) *Tracker {
	return tb.trackers[addr]
}

// Enqueue buffers a caller of the unresolved trampoline at addr.
func (tb *Table) Enqueue(addr uint64, c Caller) error {
	t, ok := tb.trackers[addr]
	if !ok {
		return errors.Wrapf(ErrUnknown, "%#x", addr)
	}
	if t.Resolved() {
		return errors.Wrapf(ErrAlreadyResolved, "enqueue caller %#x into %s", c.From, t)
	}
	t.callers = append(t.callers, c)
	return nil
}

// Resolve sets the function entry of the trampoline at addr and returns the
// buffered callers in enqueue order. The tracker keeps no reference to them,
// so no caller can be returned twice.
//
// Resolving to the entry already set is a no-op returning no callers;
// resolving to a different entry fails with ErrAlreadyResolved.
func (tb *Table) Resolve(addr, entry uint64) ([]Caller, error) {
	if entry == 0 {
		return nil, errors.Errorf("trampoline %#x: cannot resolve to a null entry", addr)
	}
	t, ok := tb.trackers[addr]
	if !ok {
		return nil, errors.Wrapf(ErrUnknown, "%#x", addr)
	}
	if t.Resolved() {
		if t.Entry != entry {
			return nil, errors.Wrapf(ErrAlreadyResolved, "%s, new entry %#x", t, entry)
		}
		return nil, nil
	}
	t.Entry = entry
	callers := t.callers
	t.callers = nil
	return callers, nil
}

// Check verifies that no resolved tracker still buffers callers.
func (tb *Table) Check() error {
	for _, t := range tb.trackers {
		if t.Resolved() && len(t.callers) > 0 {
			return errors.Wrapf(ErrInvariant, "%s holds %d callers", t, len(t.callers))
		}
	}
	return nil
}

// Unresolved returns the unresolved trackers in address order.
func (tb *Table) Unresolved() []*Tracker {
	var out []*Tracker
	for _, t := range tb.trackers {
		if !t.Resolved() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Discard drops the callers buffered on unresolved trackers and returns how
// many trackers and callers were dropped. Used at process exit, when the
// process never reached the functions behind those stubs.
func (tb *Table) Discard() (trackers, callers int) {
	for _, t := range tb.trackers {
		if !t.Resolved() && len(t.callers) > 0 {
			trackers++
			callers += len(t.callers)
			t.callers = nil
		}
	}
	return trackers, callers
}

// Len returns the number of registered trampolines.
func (tb *Table) Len() int {
	return len(tb.trackers)
}
