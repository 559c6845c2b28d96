// Package ibp implements the indirect branch path cache.
//
// An indirect branch path is one observed (from, to) pair of an indirect
// jump, call or return. The first traversal of a path records a graph edge;
// repeats only need shadow stack verification when they are returns. Three
// structures cooperate:
//   - Transition: the per-thread record of the branch currently being
//     dispatched, an explicit state machine replacing shared meta bits
//   - FastPath: a bounded per-thread cache of paths the thread already saw
//   - Table: the global path table, guarded by the observer lock
package ibp

import "fmt"

// Key identifies one indirect branch path.
type Key struct {
	From uint64
	To   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%#x->%#x", k.From, k.To)
}

// State is the dispatch state of a Transition.
type State uint8

const (
	// Resolved: nothing left to do; the path is known and not a return.
	Resolved State = iota
	// New: first traversal, the edge must be recorded before execution
	// resumes at the target.
	New
	// ReturnPending: the transition is a return awaiting shadow stack
	// verification.
	ReturnPending
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case New:
		return "new"
	case ReturnPending:
		return "return-pending"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Transition is the pending indirect branch of one thread.
//
// Transitions are values: every state change returns a new Transition and
// the caller stores it back into its thread context.
type Transition struct {
	Key   Key
	State State

	// Return is set for return instructions.
	Return bool

	// UnexpectedReturn is set by shadow stack verification when no frame
	// explains the return.
	UnexpectedReturn bool
}

// Begin starts dispatching an indirect branch. known reports whether the
// path was already seen by this thread or the global table. Returns always
// start as ReturnPending, because verification does not depend on the path
// being new.
func Begin(key Key, isReturn, known bool) Transition {
	t := Transition{Key: key, Return: isReturn}
	switch {
	case isReturn:
		t.State = ReturnPending
	case !known:
		t.State = New
	default:
		t.State = Resolved
	}
	return t
}

// Verified applies the shadow stack verdict to a ReturnPending transition.
// An unexpected return whose (path, unexpected) pair is not yet known becomes
// New so that the violation edge gets recorded; everything else resolves.
func (t Transition) Verified(unexpected, known bool) Transition {
	if t.State != ReturnPending {
		return t
	}
	t.UnexpectedReturn = unexpected
	if unexpected && !known {
		t.State = New
	} else {
		t.State = Resolved
	}
	return t
}

// Acknowledged clears a New transition once its edge has been recorded.
func (t Transition) Acknowledged() Transition {
	if t.State == New {
		t.State = Resolved
	}
	return t
}

// Pending reports whether the dispatcher still has work to do.
func (t Transition) Pending() bool {
	return t.State != Resolved
}

// PathKey is the unit of deduplication: a path plus whether it was traversed
// as an unexpected return. An expected and an unexpected traversal of the
// same (from, to) pair are recorded separately.
type PathKey struct {
	Key
	Unexpected bool
}

// PathKey returns the deduplication key of the transition.
func (t Transition) PathKey() PathKey {
	return PathKey{Key: t.Key, Unexpected: t.UnexpectedReturn}
}
