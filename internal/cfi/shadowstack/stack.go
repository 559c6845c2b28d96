// Package shadowstack implements the per-thread shadow call stack.
//
// Every observed call pushes the stack pointer at the call site together with
// the return address the call will come back to. Every observed return is
// verified against the top of the shadow stack. A return that lands anywhere
// other than a recorded return address, and cannot be explained by unwinding
// or a stack switch, is an unexpected return: the primary control-flow
// integrity signal.
//
// A Stack is owned by exactly one thread and is never locked. Verify does not
// allocate.
package shadowstack

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// DefaultCapacity is the initial number of frame slots per thread.
	DefaultCapacity = 1024

	// DefaultContextSwitchThreshold is the stack pointer distance, in bytes,
	// beyond which a mismatched return is attributed to a stack switch
	// (fiber, signal stack, thread hand-off) rather than a violation.
	DefaultContextSwitchThreshold = 0x1000
)

// ErrOverflow is returned by Push when the stack is full under PolicyFatal.
var ErrOverflow = errors.New("shadow stack overflow")

// OverflowPolicy selects what Push does when capacity is exhausted.
type OverflowPolicy uint8

const (
	// PolicyFatal rejects the push with ErrOverflow.
	PolicyFatal OverflowPolicy = iota
	// PolicyGrow doubles the capacity.
	PolicyGrow
)

// Frame is one shadow call frame.
type Frame struct {
	// BasePointer is the application stack pointer right after the call
	// pushed its return address; a matching return observes the same value.
	BasePointer uint64

	// ReturnAddress is where the call is expected to return.
	ReturnAddress uint64
}

func (f Frame) String() string {
	return fmt.Sprintf("%#x@%#x", f.ReturnAddress, f.BasePointer)
}

// slot is either a frame or the stack-bottom sentinel (ok == false).
type slot struct {
	frame Frame
	ok    bool
}

// Options configures a Stack.
type Options struct {
	Capacity               int
	Policy                 OverflowPolicy
	ContextSwitchThreshold uint64
}

// Stack is a bounded, ordered sequence of frames over a bottom sentinel.
type Stack struct {
	slots     []slot
	capacity  int
	policy    OverflowPolicy
	threshold uint64
}

// New creates a stack holding only the bottom sentinel.
func New(opts Options) *Stack {
	if opts.Capacity <= 1 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ContextSwitchThreshold == 0 {
		opts.ContextSwitchThreshold = DefaultContextSwitchThreshold
	}
	s := &Stack{
		slots:     make([]slot, 1, opts.Capacity),
		capacity:  opts.Capacity,
		policy:    opts.Policy,
		threshold: opts.ContextSwitchThreshold,
	}
	return s
}

// Depth returns the number of frames above the bottom-most sentinel,
// counting intermediate sentinels.
func (s *Stack) Depth() int {
	return len(s.slots) - 1
}

// Top returns the top frame. ok is false when the top slot is a sentinel.
func (s *Stack) Top() (f Frame, ok bool) {
	top := s.slots[len(s.slots)-1]
	return top.frame, top.ok
}

// Frames returns a copy of the frames from bottom to top, sentinels omitted.
func (s *Stack) Frames() []Frame {
	out := make([]Frame, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.ok {
			out = append(out, sl.frame)
		}
	}
	return out
}

// Push records a call.
//
// Frames must be strictly above their caller in the growth direction (the
// stack grows down, so a callee's base pointer is lower). A push that breaks
// this order is resolved before the frame is stored:
//   - if the new base pointer is within the context-switch threshold of the
//     top frame, the frames at or below it are stale (abandoned by longjmp or
//     an exception) and are dropped; the count is returned
//   - otherwise the thread moved to another stack region and a sentinel is
//     pushed first, marking the new region's bottom
func (s *Stack) Push(basePointer, returnAddress uint64) (dropped int, err error) {
	if top, ok := s.Top(); ok && basePointer >= top.BasePointer {
		if basePointer-top.BasePointer > s.threshold {
			if err := s.push(slot{}); err != nil {
				return 0, err
			}
		} else {
			for {
				f, ok := s.Top()
				if !ok || f.BasePointer > basePointer {
					break
				}
				s.pop()
				dropped++
			}
		}
	}
	return dropped, s.push(slot{frame: Frame{BasePointer: basePointer, ReturnAddress: returnAddress}, ok: true})
}

// PushSentinel marks a new stack bottom, e.g. on signal delivery.
func (s *Stack) PushSentinel() error {
	return s.push(slot{})
}

func (s *Stack) push(sl slot) error {
	if len(s.slots) == s.capacity {
		if s.policy != PolicyGrow {
			return errors.Wrapf(ErrOverflow, "capacity %d", s.capacity)
		}
		grown := make([]slot, len(s.slots), s.capacity*2)
		copy(grown, s.slots)
		s.slots = grown
		s.capacity *= 2
	}
	s.slots = append(s.slots, sl)
	return nil
}

// pop removes the top slot unless it is the bottom-most sentinel.
func (s *Stack) pop() {
	if len(s.slots) > 1 {
		s.slots = s.slots[:len(s.slots)-1]
	}
}

// Reset drops every frame, leaving only the bottom sentinel.
func (s *Stack) Reset() {
	s.slots = s.slots[:1]
}
