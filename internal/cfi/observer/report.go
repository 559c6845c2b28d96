package observer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/shadowstack"
)

// ViolationKind classifies a report.
type ViolationKind uint8

const (
	// ViolationUnexpectedReturn: a return no shadow frame explains.
	ViolationUnexpectedReturn ViolationKind = iota
	// ViolationNullTarget: a branch to address 0.
	ViolationNullTarget
	// ViolationStackOverflow: the shadow stack is full under the fatal policy.
	ViolationStackOverflow
	// ViolationUnderConstruction: an edge into the block being compiled.
	ViolationUnderConstruction
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationUnexpectedReturn:
		return "unexpected return"
	case ViolationNullTarget:
		return "branch to null target"
	case ViolationStackOverflow:
		return "shadow stack overflow"
	case ViolationUnderConstruction:
		return "edge into block under construction"
	default:
		return "unknown violation"
	}
}

// Report describes one control-flow violation.
type Report struct {
	Kind   ViolationKind
	Thread uint32

	Transfer   Transfer
	FromModule *module.Location
	ToModule   *module.Location

	// Shadow stack state for return violations.
	Top     shadowstack.Frame
	Depth   int
	Unwound int

	// DeduplicationKey identifies the violation site: kind, source and
	// target. The same site reached by another thread is the same key.
	DeduplicationKey string
}

func newReport(kind ViolationKind, thread uint32, t Transfer, res module.Resolver) *Report {
	return &Report{
		Kind:             kind,
		Thread:           thread,
		Transfer:         t,
		FromModule:       res.Lookup(t.From),
		ToModule:         res.Lookup(t.To),
		DeduplicationKey: fmt.Sprintf("%d:%#x:%#x", kind, t.From, t.To),
	}
}

// Format writes the report in the block format used for every violation:
//
//	==================
//	WARNING: CONTROL-FLOW VIOLATION
//	Unexpected return from app(0x1a2b) to app(0x1c00) on thread 3
//	  sp 0x7ffd1000, shadow top 0x401005@0x7ffd0f00, depth 2, unwound 0
//	==================
//
//nolint:errcheck // report output
func (r *Report) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: CONTROL-FLOW VIOLATION\n")

	kind := r.Kind.String()
	fmt.Fprintf(w, "%s%s from %s to %s on thread %d\n",
		strings.ToUpper(kind[:1]), kind[1:],
		site(r.FromModule, r.Transfer.From), site(r.ToModule, r.Transfer.To), r.Thread)

	switch r.Kind {
	case ViolationUnexpectedReturn:
		fmt.Fprintf(w, "  sp %#x, shadow top %s, depth %d, unwound %d\n",
			r.Transfer.StackPointer, r.Top, r.Depth, r.Unwound)
	case ViolationStackOverflow:
		fmt.Fprintf(w, "  depth %d at call returning to %#x\n", r.Depth, r.Transfer.ReturnAddress)
	default:
		fmt.Fprintf(w, "  %s, exit %d\n", r.Transfer.Kind, r.Transfer.ExitOrdinal)
	}
	fmt.Fprintf(w, "==================\n")
}

func (r *Report) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}

func site(loc *module.Location, addr uint64) string {
	if loc == nil {
		return fmt.Sprintf("%#x", addr)
	}
	return fmt.Sprintf("%s(%#x)", loc.Name, loc.Offset(addr))
}

// reporter prints reports and counts them.
type reporter struct {
	w     io.Writer
	dedup bool

	mu       sync.Mutex
	reported map[string]struct{}

	total  atomic.Uint64
	unique atomic.Uint64
}

func newReporter(w io.Writer, dedup bool) *reporter {
	return &reporter{w: w, dedup: dedup, reported: make(map[string]struct{})}
}

// report counts r and prints it unless its site was already printed.
// It reports whether r was printed.
func (rp *reporter) report(r *Report) bool {
	rp.total.Add(1)

	rp.mu.Lock()
	defer rp.mu.Unlock()

	if _, seen := rp.reported[r.DeduplicationKey]; seen && rp.dedup {
		return false
	}
	if _, seen := rp.reported[r.DeduplicationKey]; !seen {
		rp.reported[r.DeduplicationKey] = struct{}{}
		rp.unique.Add(1)
	}
	if rp.w != nil {
		r.Format(rp.w)
	}
	return true
}
