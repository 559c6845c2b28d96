// Package bbstate implements the basic block state table.
//
// Each block the instrumentation engine compiles gets a State recording its
// content hash and whether a compiled copy is currently live. Liveness is the
// gate for edge recording: an edge is written to the graph stream only when
// both endpoints are live, otherwise it waits in the pending queue keyed by
// the target address.
//
// Lifecycle of a State:
//   - absent: Get returns nil
//   - live: after SetLive (returns true on the transition)
//   - inactive: after Invalidate (engine flushed the block)
//   - live again: after the next SetLive, Generation is incremented
//
// The table is deliberately unsynchronized; see Table.
package bbstate
