// Package cfi is the runtime API of a control-flow integrity observer for
// dynamic binary translation engines.
//
// An engine that translates a program block by block calls into this
// package on every control transfer it dispatches. The observer keeps a
// shadow call stack per thread, records each new control-flow edge once
// both of its blocks exist in the engine's code cache, and flags returns
// that no call explains. The recorded edges form the program's observed
// control-flow graph; the cfiwatch tool reads them back.
//
// # Quick Start
//
//	func main() {
//		if err := cfi.Init(cfi.Options{EdgePath: "edges.cfi", HashPath: "hashes.cfi"}); err != nil {
//			log.Fatal(err)
//		}
//		defer cfi.Fini(false)
//
//		// engine callbacks
//		cfi.BlockLive(tid, 0x401000, hash)
//		action, err := cfi.ControlTransfer(tid, cfi.Transfer{
//			From: 0x401000, To: 0x402000, Kind: cfi.IndirectCall,
//			StackPointer: sp, ReturnAddress: 0x401005,
//		})
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [Fini]
//   - Thread lifecycle: [ThreadStart], [ThreadExit], [SignalDelivered], [SignalReturn]
//   - Code cache events: [BlockStart], [BlockLive], [BlockInvalidate]
//   - Control transfers: [ControlTransfer], [Syscall]
//   - Dynamic linking: [RegisterTrampoline], [ResolveTrampoline]
//   - Version information: [GetInfo], [Version]
//
// # Actions
//
// [ControlTransfer] answers with an [Action]:
//
//	ActionContinue   the transfer is handled; resume at the target
//	ActionRedirect   a new indirect path was recorded; re-enter dispatch
//	ActionHalt       a fatal condition (null target, shadow stack overflow);
//	                 the returned error says which
//
// # Output
//
// The edge stream holds fixed 26-byte little-endian records behind a
// header carrying a run UUID. The hash stream holds one 64-bit fingerprint
// per (block, syscall) pair. Violations are printed as they happen and a
// summary is printed by [Fini].
//
// # Thread Safety
//
// Every function is safe for concurrent use, but each thread id must be
// driven by one OS thread at a time. [Init] and [Fini] must not race with
// callbacks.
package cfi
