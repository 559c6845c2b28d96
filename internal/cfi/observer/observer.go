package observer

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/bbstate"
	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/edge"
	"github.com/kolkov/cfiwatch/internal/cfi/ibp"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/shadowstack"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
	"github.com/kolkov/cfiwatch/internal/cfi/sysobs"
	"github.com/kolkov/cfiwatch/internal/cfi/thread"
	"github.com/kolkov/cfiwatch/internal/cfi/trampoline"
)

var (
	// ErrNullTarget is returned with ActionHalt for a branch to address 0.
	ErrNullTarget = errors.New("branch to null target")

	// ErrTargetUnderConstruction is returned when an edge targets the block
	// the thread is still compiling.
	ErrTargetUnderConstruction = errors.New("edge target is under construction")

	// ErrUnexpectedReturn is returned with ActionHalt when the configuration
	// halts on unexpected returns.
	ErrUnexpectedReturn = errors.New("unexpected return")

	// ErrStackOverflow is the shadow stack overflow under the fatal policy.
	ErrStackOverflow = shadowstack.ErrOverflow

	// ErrClosed is returned after ProcessExit.
	ErrClosed = errors.New("observer is shut down")
)

// EdgeStore is the shared edge state: block liveness, pending edges and
// trampoline collapsing. *edge.Recorder implements it. The observer
// serializes every call with its hash-table lock, so implementations need
// no locking of their own.
type EdgeStore interface {
	Record(edge.GraphEdge) (edge.Outcome, error)
	SetLive(addr, hash uint64) (int, error)
	Invalidate(addr uint64) bool
	ResolveTrampoline(addr, entry uint64) (int, error)
	PendingCount() int
	Discard() (edges, trackers, callers int)
	Stats() edge.Stats
}

// Options configures an Observer.
type Options struct {
	// Config holds the tunables; nil means config.Default().
	Config *config.Config

	// Resolver maps addresses to modules; nil means no modules are known.
	Resolver module.Resolver

	// Sink receives the edge and hash streams. Required.
	Sink stream.Sink

	// Log receives diagnostics; nil means log.Log.
	Log log.Interface

	// Reports receives formatted violation reports; nil means os.Stderr.
	Reports io.Writer
}

// Observer is the process-wide control-flow observer.
type Observer struct {
	cfg      *config.Config
	log      log.Interface
	resolver module.Resolver
	sink     stream.Sink

	// mu is the hash-table lock. It guards everything below it.
	mu       sync.Mutex
	blocks   *bbstate.Table
	paths    *ibp.Table
	tramps   *trampoline.Table
	edges    EdgeStore
	syscalls *sysobs.Observer

	reports *reporter
	threads atomic.Int64
	closed  atomic.Bool
	stats   counters
}

// New creates an Observer.
func New(opts Options) (*Observer, error) {
	if opts.Sink == nil {
		return nil, errors.New("observer: an output sink is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		opts.Resolver = module.NewRangeResolver()
	}
	if opts.Log == nil {
		opts.Log = log.Log
	}
	if opts.Reports == nil {
		opts.Reports = os.Stderr
	}

	o := &Observer{
		cfg:      opts.Config,
		log:      opts.Log,
		resolver: opts.Resolver,
		sink:     opts.Sink,
		blocks:   bbstate.NewTable(),
		paths:    ibp.NewTable(),
		tramps:   trampoline.NewTable(),
		syscalls: sysobs.New(),
		reports:  newReporter(opts.Reports, opts.Config.ReportDedup),
	}
	o.edges = edge.NewRecorder(edge.Config{
		Resolver:    o.resolver,
		Blocks:      o.blocks,
		Trampolines: o.tramps,
		Out:         o.sink,
		Log:         o.log,
	})
	return o, nil
}

// Config returns the active configuration.
func (o *Observer) Config() *config.Config {
	return o.cfg
}

// ThreadStart allocates the state of a new monitored thread.
func (o *Observer) ThreadStart(id uint32) (*thread.Context, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	ctx, err := thread.Alloc(id, o.cfg)
	if err != nil {
		return nil, err
	}
	n := o.threads.Add(1)
	o.log.WithFields(log.Fields{"thread": id, "live": n}).Debug("thread start")
	return ctx, nil
}

// ThreadExit releases the state of an exiting thread.
func (o *Observer) ThreadExit(ctx *thread.Context) {
	if o.closed.Load() {
		o.log.WithField("thread", ctx.ID).Warn("thread exit after observer shutdown")
	} else {
		o.log.WithFields(log.Fields{"thread": ctx.ID, "live": o.threads.Load()}).Debug("thread exit")
	}
	ctx.Release()
	o.threads.Add(-1)
}

// BeginBlock records that the engine started compiling the block at addr
// for this thread. Until BlockLive, edges into addr from other blocks are
// rejected.
func (o *Observer) BeginBlock(ctx *thread.Context, addr uint64) {
	ctx.BeginBuild(addr)
}

// BlockLive reports that the engine holds a compiled copy of the block at
// addr. Edges pending on the block are flushed; the count is returned.
func (o *Observer) BlockLive(ctx *thread.Context, addr, hash uint64) (int, error) {
	if ctx != nil {
		ctx.EndBuild(addr)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.edges.SetLive(addr, hash)
}

// InvalidateBlock reports that the engine flushed the block at addr.
func (o *Observer) InvalidateBlock(addr uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.edges.Invalidate(addr)
}

// SignalDelivered starts a new shadow stack region for a thread entering a
// signal handler. Returns inside the handler never unwind past it.
func (o *Observer) SignalDelivered(ctx *thread.Context) error {
	if err := ctx.Stack.PushSentinel(); err != nil {
		o.log.WithField("thread", ctx.ID).WithError(err).Error("no room for signal frame")
		return err
	}
	return nil
}

// SignalReturn drops the region pushed by SignalDelivered along with any
// frames the handler left behind. It reports whether a region was dropped.
func (o *Observer) SignalReturn(ctx *thread.Context) bool {
	return ctx.Stack.PopSentinel()
}

// RegisterTrampoline marks addr as a trampoline jumping through slot.
func (o *Observer) RegisterTrampoline(addr, slot uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tramps.Register(addr, slot)
}

// RegisterStubs scans code mapped at base for PLT stubs and registers each
// one. It returns the stubs found.
func (o *Observer) RegisterStubs(code []byte, base uint64) []trampoline.Stub {
	stubs := trampoline.ScanStubs(code, base)
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range stubs {
		o.tramps.Register(s.Addr, s.Slot)
	}
	return stubs
}

// ResolveTrampoline reports the function a trampoline leads to. Callers
// buffered on it are written as direct edges to entry.
func (o *Observer) ResolveTrampoline(addr, entry uint64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, err := o.edges.ResolveTrampoline(addr, entry)
	if errors.Is(err, trampoline.ErrInvariant) {
		o.log.WithError(err).Error("trampoline state corrupted")
	}
	return n, err
}

// Syscall records that block issued syscall number. It reports whether the
// (block, number) pair is new. Output is flushed before syscalls that
// replace the process image.
func (o *Observer) Syscall(ctx *thread.Context, block, number uint64) (bool, error) {
	first, err := o.syscall(block, number)
	if err != nil {
		return first, err
	}
	if o.cfg.IsFlushSyscall(number) {
		if err := o.Flush(); err != nil {
			return first, err
		}
	}
	return first, nil
}

func (o *Observer) syscall(block, number uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.syscalls.Observe(block, number) {
		return false, nil
	}
	o.log.WithFields(log.Fields{
		"syscall": number,
		"block":   site(o.resolver.Lookup(block), block),
	}).Debug("dynamic syscall")

	_, err := o.edges.Record(edge.GraphEdge{
		From: block,
		To:   sysobs.NodeAddress(number),
		Type: edge.Syscall,
	})
	if err != nil {
		return true, err
	}

	var hash uint64
	if s := o.blocks.Get(block); s != nil {
		hash = s.Hash
	}
	if err := o.sink.WriteHash(sysobs.Fold(hash, number)); err != nil {
		return true, errors.Wrap(err, "failed to write syscall hash")
	}
	return true, nil
}

// Flush checks the trampoline invariant and flushes the output streams.
func (o *Observer) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.tramps.Check(); err != nil {
		o.log.WithError(err).Error("trampoline state corrupted")
		return err
	}
	return o.sink.Flush()
}

// Summary is the state at process exit.
type Summary struct {
	Stats

	DiscardedEdges       int
	DiscardedTrampolines int
	DiscardedCallers     int
}

// ProcessExit tears the observer down: pending edges and unresolved
// trampolines are discarded and the output is flushed. When isCrash is set
// the hash-table lock is not taken, since the crashing thread may hold it.
func (o *Observer) ProcessExit(isCrash bool) (Summary, error) {
	if !isCrash {
		o.mu.Lock()
		defer o.mu.Unlock()
	}
	if o.closed.Swap(true) {
		return Summary{Stats: o.snapshot()}, nil
	}

	for _, t := range o.tramps.Unresolved() {
		o.log.WithFields(log.Fields{
			"trampoline": t.String(),
			"callers":    len(t.Callers()),
		}).Debug("discarding unresolved trampoline")
	}

	var sum Summary
	sum.DiscardedEdges, sum.DiscardedTrampolines, sum.DiscardedCallers = o.edges.Discard()
	o.log.WithFields(log.Fields{
		"crash":             isCrash,
		"pending_edges":     sum.DiscardedEdges,
		"trampolines":       sum.DiscardedTrampolines,
		"trampoline_caller": sum.DiscardedCallers,
		"threads":           o.threads.Load(),
	}).Info("process exit")

	err := o.sink.Flush()
	sum.Stats = o.snapshot()
	return sum, err
}

// Stats returns the current counters.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot()
}

// snapshot reads the counters; the caller holds mu or is crashing.
func (o *Observer) snapshot() Stats {
	s := o.stats.load()
	s.Threads = o.threads.Load()
	s.Blocks = o.blocks.Len()
	s.LiveBlocks = o.blocks.LiveCount()
	s.Paths = o.paths.Len()
	s.Trampolines = o.tramps.Len()
	s.SyscallPairs = o.syscalls.Pairs()
	s.PendingEdges = o.edges.PendingCount()
	s.Edges = o.edges.Stats()
	s.Reports = o.reports.total.Load()
	s.UniqueReports = o.reports.unique.Load()
	return s
}
