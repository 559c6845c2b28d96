// Package observer implements the control-flow observation and verification
// engine.
//
// The instrumentation engine calls the Observer inline on the monitored
// thread at every control transfer it reports, when a block goes live or is
// flushed, and at every system call. The Observer keeps the per-thread
// shadow call stack, deduplicates indirect branch paths, records graph edges
// and raises the unexpected-return signal.
//
// # Architecture
//
//  1. ControlTransfer: the dispatch entry point, one call per transfer
//  2. Per-thread state (package thread): shadow stack, IBP fast path and the
//     pending Transition; never locked
//  3. Shared tables: block states, global IBP table, pending edges,
//     trampoline trackers, syscall pairs and the output stream; all behind
//     one mutex, the hash-table lock
//
// # Dispatch
//
// Direct transfers (jumps, calls, fall-throughs) are recorded as direct
// edges. Indirect transfers start an ibp.Transition:
//
//   - New: first traversal of the path; the edge is recorded and the engine
//     is told to redirect execution to the target
//   - ReturnPending: the shadow stack verifies the return; an unexpected
//     return is reported and recorded once per path
//   - Resolved: cache hit, nothing to do
//
// A branch to address 0 halts the monitored thread.
//
// # Thread Safety
//
// All methods are safe for concurrent use by different threads. A
// thread.Context must only be passed by the thread that owns it.
//
// # Example Usage
//
//	obs, _ := observer.New(observer.Options{Sink: stream.NewMemorySink()})
//	ctx, _ := obs.ThreadStart(1)
//	obs.BlockLive(ctx, 0x401000, hash)
//	action, err := obs.ControlTransfer(ctx, observer.Transfer{
//	    From: 0x401000, To: 0x402000, Kind: observer.IndirectCall,
//	    StackPointer: sp, ReturnAddress: 0x401005,
//	})
package observer
