// Package edge records control-flow graph edges.
//
// An edge is written to the output stream only once both of its endpoint
// blocks are live. An edge whose target is not yet live is parked in a
// pending queue keyed by the target address and written, in arrival order,
// when the target goes live. Edges into PLT-style trampolines are redirected
// to the function behind the stub (see package trampoline).
package edge

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Type is the kind of a graph edge.
type Type uint8

const (
	// Direct is a direct jump, call or fall-through.
	Direct Type = iota
	// Indirect is an indirect jump or call, or an expected return path.
	Indirect
	// UnexpectedReturn is a return that no shadow frame explains.
	UnexpectedReturn
	// Syscall links a block to a syscall node.
	Syscall
)

func (t Type) String() string {
	switch t {
	case Direct:
		return "direct"
	case Indirect:
		return "indirect"
	case UnexpectedReturn:
		return "unexpected-return"
	case Syscall:
		return "syscall"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType parses the name printed by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "direct":
		return Direct, nil
	case "indirect":
		return Indirect, nil
	case "unexpected-return", "ur":
		return UnexpectedReturn, nil
	case "syscall":
		return Syscall, nil
	}
	return 0, errors.Errorf("unknown edge type %q", s)
}

// GraphEdge is one record of the edge stream.
type GraphEdge struct {
	From        uint64
	To          uint64
	ExitOrdinal uint8
	Type        Type
	FromModule  uint32
	ToModule    uint32
}

func (e GraphEdge) String() string {
	return fmt.Sprintf("%#x -%s/%d-> %#x", e.From, e.Type, e.ExitOrdinal, e.To)
}

// key identifies an edge observation; module identities do not take part.
type key struct {
	from, to uint64
	exit     uint8
	typ      Type
}

func (e GraphEdge) key() key {
	return key{from: e.From, to: e.To, exit: e.ExitOrdinal, typ: e.Type}
}

// PendingEdge is an edge waiting for its target block to go live.
type PendingEdge struct {
	Edge GraphEdge

	// Seq is the global enqueue sequence number.
	Seq uint64
}

// Writer receives the edges that are ready for the output stream.
type Writer interface {
	WriteEdge(GraphEdge) error
}

// Outcome is what Record did with an edge.
type Outcome uint8

const (
	// Written: the edge went to the output stream.
	Written Outcome = iota
	// Pending: the target is not live; the edge is queued.
	Pending
	// Dropped: both endpoints are black-box and one is not live.
	Dropped
	// Duplicate: the same observation was already recorded.
	Duplicate
	// Buffered: the target is an unresolved trampoline; the caller is queued
	// on its tracker.
	Buffered
	// Acknowledged: a resolved trampoline jumped to its known function; the
	// collapsed edge already exists, nothing is written.
	Acknowledged
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Pending:
		return "pending"
	case Dropped:
		return "dropped"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	case Acknowledged:
		return "acknowledged"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Handled reports whether the edge needs no further action by the caller.
func (o Outcome) Handled() bool {
	return o != Pending
}

// Stats counts recorder activity.
type Stats struct {
	Written      uint64
	Queued       uint64
	Flushed      uint64
	Dropped      uint64
	Duplicates   uint64
	Buffered     uint64
	Acknowledged uint64
	Redirected   uint64
	Discarded    uint64
}
