// Package api holds the process-wide observer behind the public cfi package.
//
// An embedding engine runs one observer per monitored process. Engine
// callbacks identify the calling thread by its numeric id; the per-thread
// context is looked up here so the engine never handles observer state.
//
// Lifecycle:
//   - Init creates the observer and its output streams
//   - ThreadStart/ThreadExit bracket each monitored thread; a callback from a
//     thread that was never started allocates its context on first use
//   - Fini replays process exit, closes owned output and prints the summary
package api

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/observer"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
	"github.com/kolkov/cfiwatch/internal/cfi/thread"
)

var (
	// ErrNotInitialized is returned by callbacks issued before Init or after Fini.
	ErrNotInitialized = errors.New("cfi observer is not initialized")

	// ErrAlreadyInitialized is returned by Init while an observer is running.
	ErrAlreadyInitialized = errors.New("cfi observer is already initialized")
)

// Options configures Init.
type Options struct {
	Config   *config.Config
	Resolver module.Resolver

	// Sink receives the streams. When nil, EdgePath (and optionally
	// HashPath) name files that Init creates and Fini closes.
	Sink     stream.Sink
	EdgePath string
	HashPath string

	Log     log.Interface
	Reports io.Writer
}

// Global observer state.
var (
	enabled atomic.Bool

	// obs is swapped only by Init, Fini and Reset.
	obs atomic.Pointer[observer.Observer]

	// contexts maps thread id to *thread.Context. Init installs a fresh map;
	// callbacks still holding the previous one never see the new observer's
	// threads.
	contexts atomic.Pointer[sync.Map]

	// owned is the sink Init created; Fini closes it.
	owned stream.Sink

	reports io.Writer

	// lifecycle serializes Init, Fini and Reset.
	lifecycle sync.Mutex
)

// Init creates the process observer. It fails with ErrAlreadyInitialized
// until the running observer is shut down with Fini.
func Init(opts Options) error {
	lifecycle.Lock()
	defer lifecycle.Unlock()

	if obs.Load() != nil {
		return ErrAlreadyInitialized
	}

	sink := opts.Sink
	var own stream.Sink
	if sink == nil {
		if opts.EdgePath == "" {
			return errors.New("cfi: an output sink or edge file path is required")
		}
		fs, err := stream.CreateFiles(opts.EdgePath, opts.HashPath, uuid.New())
		if err != nil {
			return err
		}
		sink, own = fs, fs
	}
	if opts.Reports == nil {
		opts.Reports = os.Stderr
	}

	o, err := observer.New(observer.Options{
		Config:   opts.Config,
		Resolver: opts.Resolver,
		Sink:     sink,
		Log:      opts.Log,
		Reports:  opts.Reports,
	})
	if err != nil {
		if own != nil {
			own.Close()
		}
		return err
	}

	contexts.Store(new(sync.Map))
	owned = own
	reports = opts.Reports
	obs.Store(o)
	enabled.Store(true)
	return nil
}

// Fini shuts the observer down and prints the summary report. isCrash
// skips the hash-table lock; see observer.ProcessExit.
func Fini(isCrash bool) (observer.Summary, error) {
	lifecycle.Lock()
	defer lifecycle.Unlock()

	enabled.Store(false)
	o := obs.Swap(nil)
	if o == nil {
		return observer.Summary{}, ErrNotInitialized
	}

	sum, err := o.ProcessExit(isCrash)
	if owned != nil {
		if cerr := owned.Close(); cerr != nil && err == nil {
			err = cerr
		}
		owned = nil
	}
	printSummary(reports, sum)
	return sum, err
}

//nolint:errcheck // report output
func printSummary(w io.Writer, sum observer.Summary) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "CFI Observer Report\n")
	fmt.Fprintf(w, "==================\n")
	if sum.UnexpectedReturns == 0 && sum.NullTargets == 0 {
		fmt.Fprintf(w, "No control-flow violations detected.\n")
	} else {
		fmt.Fprintf(w, "WARNING: %d unexpected return(s), %d null-target branch(es)\n",
			sum.UnexpectedReturns, sum.NullTargets)
	}
	fmt.Fprintf(w, "edges written: %d, discarded at exit: %d\n", sum.Edges.Written, sum.DiscardedEdges)
	fmt.Fprintf(w, "==================\n\n")
}

// Enabled reports whether an observer is running.
func Enabled() bool {
	return enabled.Load()
}

func current() (*observer.Observer, error) {
	o := obs.Load()
	if o == nil || !enabled.Load() {
		return nil, ErrNotInitialized
	}
	return o, nil
}

// threadContext returns the context of thread id, allocating it on first use.
func threadContext(o *observer.Observer, id uint32) (*thread.Context, error) {
	m := contexts.Load()
	if v, ok := m.Load(id); ok {
		return v.(*thread.Context), nil
	}
	ctx, err := o.ThreadStart(id)
	if err != nil {
		return nil, err
	}
	if v, loaded := m.LoadOrStore(id, ctx); loaded {
		// lost the race to another callback for the same id
		o.ThreadExit(ctx)
		return v.(*thread.Context), nil
	}
	return ctx, nil
}

// ThreadStart allocates the context of thread id.
func ThreadStart(id uint32) error {
	o, err := current()
	if err != nil {
		return err
	}
	_, err = threadContext(o, id)
	return err
}

// ThreadExit releases the context of thread id.
func ThreadExit(id uint32) {
	m := contexts.Load()
	if m == nil {
		return
	}
	v, ok := m.LoadAndDelete(id)
	if !ok {
		return
	}
	if o := obs.Load(); o != nil {
		o.ThreadExit(v.(*thread.Context))
	}
}

// ControlTransfer dispatches a transfer issued by thread id.
func ControlTransfer(id uint32, t observer.Transfer) (observer.Action, error) {
	o, err := current()
	if err != nil {
		return observer.ActionContinue, err
	}
	ctx, err := threadContext(o, id)
	if err != nil {
		return observer.ActionContinue, err
	}
	return o.ControlTransfer(ctx, t)
}

// BlockStart marks the block thread id is compiling.
func BlockStart(id uint32, addr uint64) error {
	o, err := current()
	if err != nil {
		return err
	}
	ctx, err := threadContext(o, id)
	if err != nil {
		return err
	}
	o.BeginBlock(ctx, addr)
	return nil
}

// BlockLive reports a compiled block.
func BlockLive(id uint32, addr, hash uint64) (int, error) {
	o, err := current()
	if err != nil {
		return 0, err
	}
	ctx, err := threadContext(o, id)
	if err != nil {
		return 0, err
	}
	return o.BlockLive(ctx, addr, hash)
}

// BlockInvalidate reports a flushed block.
func BlockInvalidate(addr uint64) (bool, error) {
	o, err := current()
	if err != nil {
		return false, err
	}
	return o.InvalidateBlock(addr), nil
}

// Syscall reports a syscall issued from block by thread id.
func Syscall(id uint32, block, number uint64) (bool, error) {
	o, err := current()
	if err != nil {
		return false, err
	}
	ctx, err := threadContext(o, id)
	if err != nil {
		return false, err
	}
	return o.Syscall(ctx, block, number)
}

// RegisterTrampoline registers a trampoline stub.
func RegisterTrampoline(addr, slot uint64) error {
	o, err := current()
	if err != nil {
		return err
	}
	o.RegisterTrampoline(addr, slot)
	return nil
}

// ResolveTrampoline binds a trampoline to its function entry.
func ResolveTrampoline(addr, entry uint64) (int, error) {
	o, err := current()
	if err != nil {
		return 0, err
	}
	return o.ResolveTrampoline(addr, entry)
}

// SignalDelivered starts a signal frame on thread id.
func SignalDelivered(id uint32) error {
	o, err := current()
	if err != nil {
		return err
	}
	ctx, err := threadContext(o, id)
	if err != nil {
		return err
	}
	return o.SignalDelivered(ctx)
}

// SignalReturn ends the signal frame on thread id.
func SignalReturn(id uint32) (bool, error) {
	o, err := current()
	if err != nil {
		return false, err
	}
	ctx, err := threadContext(o, id)
	if err != nil {
		return false, err
	}
	return o.SignalReturn(ctx), nil
}

// Stats returns the running observer's counters.
func Stats() (observer.Stats, error) {
	o, err := current()
	if err != nil {
		return observer.Stats{}, err
	}
	return o.Stats(), nil
}

// Reset drops all state without a process exit. For tests.
//
// Thread Safety: NOT safe while callbacks are in flight.
func Reset() {
	lifecycle.Lock()
	defer lifecycle.Unlock()
	enabled.Store(false)
	obs.Store(nil)
	contexts.Store(new(sync.Map))
	if owned != nil {
		owned.Close()
		owned = nil
	}
	reports = nil
}
