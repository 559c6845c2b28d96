package observer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the kind of a control transfer.
type Kind uint8

const (
	// DirectJump is a jump with a fixed target.
	DirectJump Kind = iota
	// DirectCall is a call with a fixed target.
	DirectCall
	// Fallthrough continues into the next block.
	Fallthrough
	// IndirectJump jumps through a register or memory operand.
	IndirectJump
	// IndirectCall calls through a register or memory operand.
	IndirectCall
	// Return is a return instruction.
	Return
)

func (k Kind) String() string {
	switch k {
	case DirectJump:
		return "jump"
	case DirectCall:
		return "call"
	case Fallthrough:
		return "fallthrough"
	case IndirectJump:
		return "ijump"
	case IndirectCall:
		return "icall"
	case Return:
		return "ret"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind parses the names printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "jump", "jmp":
		return DirectJump, nil
	case "call":
		return DirectCall, nil
	case "fallthrough", "ft":
		return Fallthrough, nil
	case "ijump", "ijmp":
		return IndirectJump, nil
	case "icall":
		return IndirectCall, nil
	case "ret", "return":
		return Return, nil
	}
	return 0, errors.Errorf("unknown transfer kind %q", s)
}

// Indirect reports whether the target was computed at run time.
func (k Kind) Indirect() bool {
	return k == IndirectJump || k == IndirectCall || k == Return
}

// IsCall reports whether the transfer pushes a return address.
func (k Kind) IsCall() bool {
	return k == DirectCall || k == IndirectCall
}

// Transfer is one control transfer reported by the engine.
type Transfer struct {
	// From is the address of the block the transfer leaves.
	From uint64

	// To is the target address.
	To uint64

	// ExitOrdinal is the index of the exit taken out of From.
	ExitOrdinal uint8

	Kind Kind

	// StackPointer is the application stack pointer as a return to this
	// frame will observe it. For calls it is the value the matching return
	// will report; for returns it is the current value after the return.
	StackPointer uint64

	// ReturnAddress is the address a call returns to. Calls only.
	ReturnAddress uint64
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %#x -> %#x", t.Kind, t.From, t.To)
}

// Action tells the engine how to continue after a dispatch.
type Action uint8

const (
	// ActionContinue: the transfer is handled, resume normally.
	ActionContinue Action = iota
	// ActionRedirect: a new path was recorded; re-enter execution at the target.
	ActionRedirect
	// ActionHalt: a fatal condition; stop the monitored thread.
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRedirect:
		return "redirect"
	case ActionHalt:
		return "halt"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}
