// Package cfi provides the public runtime API of the CFI observer.
//
// See doc.go for detailed documentation and examples.
package cfi

import (
	"io"

	"github.com/apex/log"

	internal "github.com/kolkov/cfiwatch/internal/cfi/api"
	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/observer"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
)

// Transfer describes one control transfer; see [ControlTransfer].
type Transfer = observer.Transfer

// Kind is the kind of a control transfer.
type Kind = observer.Kind

// Transfer kinds.
const (
	DirectJump   = observer.DirectJump
	DirectCall   = observer.DirectCall
	Fallthrough  = observer.Fallthrough
	IndirectJump = observer.IndirectJump
	IndirectCall = observer.IndirectCall
	Return       = observer.Return
)

// Action tells the engine how to continue after a transfer.
type Action = observer.Action

// Actions.
const (
	ActionContinue = observer.ActionContinue
	ActionRedirect = observer.ActionRedirect
	ActionHalt     = observer.ActionHalt
)

// Summary is returned by [Fini].
type Summary = observer.Summary

// Stats is a snapshot of observer counters.
type Stats = observer.Stats

// Config holds the observer tunables. See [DefaultConfig].
type Config = config.Config

// Sink receives the edge and hash streams.
type Sink = stream.Sink

// ModuleType classifies a module registered with [Modules.Add].
type ModuleType = module.Type

// Module types.
const (
	ModuleNormal    = module.TypeNormal
	ModuleAnonymous = module.TypeAnonymous
	ModuleBlackBox  = module.TypeBlackBox
)

// Modules maps addresses to the modules loaded in the monitored process.
type Modules = module.RangeResolver

// Errors returned with ActionHalt and by the lifecycle functions.
var (
	ErrNullTarget              = observer.ErrNullTarget
	ErrStackOverflow           = observer.ErrStackOverflow
	ErrTargetUnderConstruction = observer.ErrTargetUnderConstruction
	ErrUnexpectedReturn        = observer.ErrUnexpectedReturn
	ErrNotInitialized          = internal.ErrNotInitialized
	ErrAlreadyInitialized      = internal.ErrAlreadyInitialized
)

// DefaultConfig returns the built-in tunables.
func DefaultConfig() *Config {
	return config.Default()
}

// NewModules returns an empty module map.
func NewModules() *Modules {
	return module.NewRangeResolver()
}

// NewMemorySink returns a sink that keeps the streams in memory, for
// embedding tests.
func NewMemorySink() *stream.MemorySink {
	return stream.NewMemorySink()
}

// Options configures [Init].
type Options struct {
	// Config holds the tunables; nil means DefaultConfig().
	Config *Config

	// Modules maps addresses to modules; nil means none are known.
	Modules *Modules

	// Sink receives the streams. When nil, EdgePath and the optional
	// HashPath name files that Init creates and Fini closes.
	Sink     Sink
	EdgePath string
	HashPath string

	// Log receives diagnostics; nil means the apex/log default logger.
	Log log.Interface

	// Reports receives violation reports and the exit summary; nil means stderr.
	Reports io.Writer
}

// Init starts the observer for this process.
//
// Init must be called before any other function. It fails with
// ErrAlreadyInitialized while an observer is running; call [Fini] first.
func Init(opts Options) error {
	o := internal.Options{
		Config:   opts.Config,
		Sink:     opts.Sink,
		EdgePath: opts.EdgePath,
		HashPath: opts.HashPath,
		Log:      opts.Log,
		Reports:  opts.Reports,
	}
	if opts.Modules != nil {
		o.Resolver = opts.Modules
	}
	return internal.Init(o)
}

// Fini discards pending edges and unresolved trampolines, flushes the
// output and prints the summary report.
//
// When the process is crashing pass isCrash: the crashing thread may hold
// the observer's lock, so Fini does not take it.
func Fini(isCrash bool) (Summary, error) {
	return internal.Fini(isCrash)
}

// Enabled reports whether an observer is running.
func Enabled() bool {
	return internal.Enabled()
}

// ThreadStart allocates the state of a monitored thread. Callbacks from a
// thread that was never started allocate its state on first use.
func ThreadStart(id uint32) error {
	return internal.ThreadStart(id)
}

// ThreadExit releases the state of a monitored thread.
func ThreadExit(id uint32) {
	internal.ThreadExit(id)
}

// ControlTransfer reports a control transfer dispatched on thread id.
//
// Calls must carry the stack pointer a matching return will observe and
// the return address. Returns carry the stack pointer after the return.
func ControlTransfer(id uint32, t Transfer) (Action, error) {
	return internal.ControlTransfer(id, t)
}

// BlockStart reports that the engine began translating the block at addr
// on thread id. Until [BlockLive] for the same address, edges into the
// block from other blocks are rejected with ErrTargetUnderConstruction.
func BlockStart(id uint32, addr uint64) error {
	return internal.BlockStart(id, addr)
}

// BlockLive reports that the block at addr is in the code cache. Edges
// waiting for it are written; their count is returned.
func BlockLive(id uint32, addr, hash uint64) (int, error) {
	return internal.BlockLive(id, addr, hash)
}

// BlockInvalidate reports that the block at addr left the code cache.
func BlockInvalidate(addr uint64) (bool, error) {
	return internal.BlockInvalidate(addr)
}

// Syscall reports syscall number issued from block. It returns true the
// first time the pair is seen.
func Syscall(id uint32, block, number uint64) (bool, error) {
	return internal.Syscall(id, block, number)
}

// SignalDelivered reports that thread id entered a signal handler.
func SignalDelivered(id uint32) error {
	return internal.SignalDelivered(id)
}

// SignalReturn reports that thread id returned from a signal handler.
func SignalReturn(id uint32) (bool, error) {
	return internal.SignalReturn(id)
}

// RegisterTrampoline registers a PLT-style stub at addr jumping through slot.
func RegisterTrampoline(addr, slot uint64) error {
	return internal.RegisterTrampoline(addr, slot)
}

// ResolveTrampoline reports that the stub at addr leads to entry. Calls
// into the stub observed so far are written as direct edges to entry.
func ResolveTrampoline(addr, entry uint64) (int, error) {
	return internal.ResolveTrampoline(addr, entry)
}

// GetStats returns the running observer's counters.
func GetStats() (Stats, error) {
	return internal.Stats()
}
