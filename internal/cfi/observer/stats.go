package observer

import (
	"sync/atomic"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

// Stats is a snapshot of observer activity.
type Stats struct {
	Dispatches        uint64
	NewPaths          uint64
	UnexpectedReturns uint64
	MultiFrame        uint64
	ContextSwitches   uint64
	StackBottoms      uint64
	NullTargets       uint64
	Halts             uint64
	Reports           uint64
	UniqueReports     uint64

	Threads      int64
	Blocks       int
	LiveBlocks   int
	Paths        int
	Trampolines  int
	SyscallPairs int
	PendingEdges int

	Edges edge.Stats
}

type counters struct {
	dispatches        atomic.Uint64
	newPaths          atomic.Uint64
	unexpectedReturns atomic.Uint64
	multiFrame        atomic.Uint64
	contextSwitches   atomic.Uint64
	stackBottoms      atomic.Uint64
	nullTargets       atomic.Uint64
	halts             atomic.Uint64
}

func (c *counters) load() Stats {
	return Stats{
		Dispatches:        c.dispatches.Load(),
		NewPaths:          c.newPaths.Load(),
		UnexpectedReturns: c.unexpectedReturns.Load(),
		MultiFrame:        c.multiFrame.Load(),
		ContextSwitches:   c.contextSwitches.Load(),
		StackBottoms:      c.stackBottoms.Load(),
		NullTargets:       c.nullTargets.Load(),
		Halts:             c.halts.Load(),
	}
}
