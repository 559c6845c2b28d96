package shadowstack

// Outcome classifies a verified return.
type Outcome uint8

const (
	// Matched: the return landed on the top frame's return address.
	Matched Outcome = iota
	// MultiFrame: the return skipped frames (longjmp-style) and landed on an
	// older frame's return address.
	MultiFrame
	// ContextSwitch: the stack pointer is too far from the top frame to
	// belong to the same stack; not a violation.
	ContextSwitch
	// StackBottom: the top slot is a sentinel, there is no frame to return to.
	StackBottom
	// Unexpected: no frame explains the return.
	Unexpected
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case MultiFrame:
		return "multi-frame"
	case ContextSwitch:
		return "context-switch"
	case StackBottom:
		return "stack-bottom"
	case Unexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Result describes one verified return.
type Result struct {
	Outcome Outcome

	// UnwindCount is the number of frames popped, including the matched one.
	UnwindCount int

	// Top is the top frame before verification (zero at stack bottom).
	Top Frame

	// Depth is the stack depth after verification.
	Depth int
}

// Matched reports whether the return was explained by a frame.
func (r Result) Matched() bool {
	return r.Outcome == Matched || r.Outcome == MultiFrame
}

// Unexpected reports whether the return is a control-flow violation.
func (r Result) Unexpected() bool {
	return r.Outcome == Unexpected
}

// Verify checks a return to `to` observed with stack pointer sp.
//
// Algorithm:
//  1. Top slot is a sentinel: StackBottom, nothing popped
//  2. to equals the top frame's return address: pop it, Matched
//  3. |sp - top.BasePointer| exceeds the threshold: ContextSwitch, nothing popped
//  4. Otherwise unwind: pop frames whose base pointer is below sp, stopping at
//     a sentinel; a frame whose return address equals to is popped and ends
//     the search as MultiFrame
//  5. No frame matched: Unexpected. Frames unwound in step 4 stay popped.
//
// The loop runs at most Depth() times and never pops a sentinel.
func (s *Stack) Verify(to, sp uint64) Result {
	top, ok := s.Top()
	if !ok {
		return Result{Outcome: StackBottom, Depth: s.Depth()}
	}
	if top.ReturnAddress == to {
		s.pop()
		return Result{Outcome: Matched, UnwindCount: 1, Top: top, Depth: s.Depth()}
	}

	delta := sp - top.BasePointer
	if sp < top.BasePointer {
		delta = top.BasePointer - sp
	}
	if delta > s.threshold {
		return Result{Outcome: ContextSwitch, Top: top, Depth: s.Depth()}
	}

	unwound := 0
	for {
		f, ok := s.Top()
		if !ok {
			break
		}
		if f.ReturnAddress == to {
			s.pop()
			unwound++
			return Result{Outcome: MultiFrame, UnwindCount: unwound, Top: top, Depth: s.Depth()}
		}
		if f.BasePointer >= sp {
			break
		}
		s.pop()
		unwound++
	}
	return Result{Outcome: Unexpected, UnwindCount: unwound, Top: top, Depth: s.Depth()}
}

// PopSentinel removes the topmost intermediate sentinel together with the
// frames pushed above it, e.g. when a signal handler returns after a
// siglongjmp left its frames behind. The bottom-most sentinel is never
// removed. It reports whether a sentinel was popped.
func (s *Stack) PopSentinel() bool {
	for i := len(s.slots) - 1; i > 0; i-- {
		if !s.slots[i].ok {
			s.slots = s.slots[:i]
			return true
		}
	}
	return false
}
