// Package module resolves code addresses to the module that owns them.
//
// Module bookkeeping (load/unload notifications, image parsing) belongs to the
// instrumentation engine. The observer only consumes the result: given an
// address, which module is it in and how is that module classified. A
// Location is a weak reference by address range; the observer never owns one.
package module

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Type classifies a module for trust-boundary decisions.
type Type uint8

const (
	// TypeNormal is a regular image mapped from disk.
	TypeNormal Type = iota
	// TypeAnonymous is dynamically generated code (JIT, trampolines in heap pages).
	TypeAnonymous
	// TypeBlackBox is a module outside the monitored trust boundary.
	TypeBlackBox
	// TypeSystem is the synthetic module that owns syscall nodes.
	TypeSystem
)

// String returns the configuration name of the type.
func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeAnonymous:
		return "anonymous"
	case TypeBlackBox:
		return "black-box"
	case TypeSystem:
		return "system"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType parses a type name as written in trace and config files.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return TypeNormal, nil
	case "anonymous", "anon", "jit":
		return TypeAnonymous, nil
	case "black-box", "blackbox", "black_box":
		return TypeBlackBox, nil
	case "system":
		return TypeSystem, nil
	}
	return 0, errors.Errorf("unknown module type %q", s)
}

// Reserved module identities.
const (
	UnknownID uint32 = 0
	SystemID  uint32 = 1
	firstID   uint32 = 2
)

// SyscallNodeBase is the start of the reserved address space that represents
// syscall nodes. Syscall n is the node at SyscallNodeBase+n.
const SyscallNodeBase uint64 = 0xffff_ffff_0000_0000

// Location describes one module's code range.
type Location struct {
	ID    uint32
	Name  string
	Start uint64 // inclusive
	End   uint64 // exclusive
	Type  Type
}

// Contains reports whether addr falls inside the module.
func (l *Location) Contains(addr uint64) bool {
	return addr >= l.Start && addr < l.End
}

// IsBlackBox reports whether the module is outside the monitored boundary.
func (l *Location) IsBlackBox() bool {
	return l != nil && l.Type == TypeBlackBox
}

// Offset returns addr relative to the module start, which is how addresses
// are printed in diagnostics.
func (l *Location) Offset(addr uint64) uint64 {
	if l == nil || l.Type == TypeAnonymous || addr < l.Start {
		return addr
	}
	return addr - l.Start
}

func (l *Location) String() string {
	if l == nil {
		return "<nil>"
	}
	return l.Name
}

var (
	// Unknown is returned for addresses no registered module covers.
	Unknown = &Location{ID: UnknownID, Name: "<unknown>", Type: TypeAnonymous}
	// System owns the syscall node space.
	System = &Location{ID: SystemID, Name: "<system>", Start: SyscallNodeBase, End: ^uint64(0), Type: TypeSystem}
)

// Resolver maps an address to its owning module. Lookup never returns nil.
type Resolver interface {
	Lookup(addr uint64) *Location
}

// ErrOverlap is returned when a module range intersects a registered one.
var ErrOverlap = errors.New("module range overlaps a registered module")

// RangeResolver is a Resolver over a sorted set of non-overlapping ranges.
// Safe for concurrent use.
type RangeResolver struct {
	mu     sync.RWMutex
	mods   []*Location // sorted by Start
	nextID uint32
}

// NewRangeResolver returns an empty resolver.
func NewRangeResolver() *RangeResolver {
	return &RangeResolver{nextID: firstID}
}

// Add registers a module and returns the stored location with its ID assigned.
func (r *RangeResolver) Add(name string, start, end uint64, typ Type) (*Location, error) {
	if end <= start {
		return nil, errors.Errorf("module %s: empty range [%#x, %#x)", name, start, end)
	}
	if end > SyscallNodeBase {
		return nil, errors.Errorf("module %s: range reaches into the syscall node space", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.mods), func(i int) bool { return r.mods[i].Start >= start })
	if i > 0 && r.mods[i-1].End > start {
		return nil, errors.Wrapf(ErrOverlap, "%s [%#x, %#x) and %s", name, start, end, r.mods[i-1].Name)
	}
	if i < len(r.mods) && r.mods[i].Start < end {
		return nil, errors.Wrapf(ErrOverlap, "%s [%#x, %#x) and %s", name, start, end, r.mods[i].Name)
	}

	loc := &Location{ID: r.nextID, Name: name, Start: start, End: end, Type: typ}
	r.nextID++

	r.mods = append(r.mods, nil)
	copy(r.mods[i+1:], r.mods[i:])
	r.mods[i] = loc
	return loc, nil
}

// Remove unregisters the module starting at start. It reports whether one was removed.
func (r *RangeResolver) Remove(start uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.mods), func(i int) bool { return r.mods[i].Start >= start })
	if i == len(r.mods) || r.mods[i].Start != start {
		return false
	}
	r.mods = append(r.mods[:i], r.mods[i+1:]...)
	return true
}

// Lookup implements Resolver.
func (r *RangeResolver) Lookup(addr uint64) *Location {
	if addr >= SyscallNodeBase {
		return System
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// first module starting after addr; the candidate is the one before it
	i := sort.Search(len(r.mods), func(i int) bool { return r.mods[i].Start > addr })
	if i > 0 && r.mods[i-1].Contains(addr) {
		return r.mods[i-1]
	}
	return Unknown
}

// Modules returns a snapshot of the registered modules in address order.
func (r *RangeResolver) Modules() []*Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Location, len(r.mods))
	copy(out, r.mods)
	return out
}
