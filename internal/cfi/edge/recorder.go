package edge

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/bbstate"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/trampoline"
)

// TrampolineTable is the trampoline state the recorder consults.
// *trampoline.Table implements it.
type TrampolineTable interface {
	Lookup(addr uint64) *trampoline.Tracker
	Enqueue(addr uint64, c trampoline.Caller) error
	Resolve(addr, entry uint64) ([]trampoline.Caller, error)
	Check() error
	Discard() (trackers, callers int)
}

// Config wires a Recorder to its collaborators.
type Config struct {
	Resolver    module.Resolver
	Blocks      *bbstate.Table
	Trampolines TrampolineTable
	Out         Writer
	Log         log.Interface
}

// Recorder writes graph edges and resolves pending ones.
//
// Thread Safety: NOT safe for concurrent use. The observer holds its
// hash-table lock across every call, so the liveness check, the pending
// enqueue and the stream append of one edge are a single unit, and a drain
// triggered by SetLive cannot interleave with an enqueue for the same
// target.
type Recorder struct {
	resolver    module.Resolver
	blocks      *bbstate.Table
	trampolines TrampolineTable
	out         Writer
	log         log.Interface

	pending map[uint64][]PendingEdge
	queued  int
	seq     uint64

	observed map[key]struct{}
	written  map[key]struct{}

	stats Stats
}

// NewRecorder creates a recorder. Blocks and Out are required.
func NewRecorder(cfg Config) *Recorder {
	if cfg.Resolver == nil {
		cfg.Resolver = module.NewRangeResolver()
	}
	if cfg.Trampolines == nil {
		cfg.Trampolines = trampoline.NewTable()
	}
	if cfg.Log == nil {
		cfg.Log = log.Log
	}
	return &Recorder{
		resolver:    cfg.Resolver,
		blocks:      cfg.Blocks,
		trampolines: cfg.Trampolines,
		out:         cfg.Out,
		log:         cfg.Log,
		pending:     make(map[uint64][]PendingEdge),
		observed:    make(map[key]struct{}),
		written:     make(map[key]struct{}),
	}
}

// Record processes one observed edge. Module identities are filled in from
// the resolver; the caller sets From, To, ExitOrdinal and Type.
//
// Algorithm:
//  1. Resolve the modules of both endpoints
//  2. Repeats of a recorded observation return Duplicate
//  3. An inactive source is logged and recording continues
//  4. Either endpoint inactive and both modules black-box: Dropped, and
//     not remembered as observed
//  5. Target absent or inactive: queued under the target, Pending
//  6. Otherwise the edge goes through trampoline collapsing and is written
func (r *Recorder) Record(e GraphEdge) (Outcome, error) {
	fromLoc := r.resolver.Lookup(e.From)
	toLoc := r.resolver.Lookup(e.To)
	e.FromModule, e.ToModule = fromLoc.ID, toLoc.ID

	k := e.key()
	if _, ok := r.observed[k]; ok {
		r.stats.Duplicates++
		return Duplicate, nil
	}

	fromLive := r.blocks.IsLive(e.From)
	toLive := r.blocks.IsLive(e.To) || toLoc.Type == module.TypeSystem

	ctx := r.log.WithFields(log.Fields{
		"edge": e.Type.String(),
		"from": edgeEnd(fromLoc, e.From),
		"to":   edgeEnd(toLoc, e.To),
		"exit": e.ExitOrdinal,
	})

	if !fromLive {
		ctx.Warn("creating edge from inactive block")
	}
	if (!fromLive || !toLive) && fromLoc.IsBlackBox() && toLoc.IsBlackBox() {
		r.stats.Dropped++
		ctx.Debug("dropping black-box edge")
		return Dropped, nil
	}
	r.observed[k] = struct{}{}
	if !toLive {
		r.enqueue(e)
		ctx.Debug("target not live, edge pending")
		return Pending, nil
	}

	return r.recordLive(e)
}

// enqueue queues e under its target until the target goes live.
func (r *Recorder) enqueue(e GraphEdge) {
	r.seq++
	r.pending[e.To] = append(r.pending[e.To], PendingEdge{Edge: e, Seq: r.seq})
	r.queued++
	r.stats.Queued++
}

// recordLive handles an edge whose endpoints are live.
func (r *Recorder) recordLive(e GraphEdge) (Outcome, error) {
	if t := r.trampolines.Lookup(e.To); t != nil {
		if !t.Resolved() {
			err := r.trampolines.Enqueue(e.To, trampoline.Caller{
				From:        e.From,
				ExitOrdinal: e.ExitOrdinal,
				Direct:      e.Type == Direct,
			})
			if err != nil {
				return Buffered, err
			}
			r.stats.Buffered++
			return Buffered, nil
		}
		r.stats.Redirected++
		return r.write(r.collapsed(e.From, e.ExitOrdinal, t.Entry))
	}

	if e.Type == Indirect {
		if t := r.trampolines.Lookup(e.From); t != nil && t.Resolved() {
			if t.Entry == e.To {
				r.stats.Acknowledged++
				return Acknowledged, nil
			}
			r.log.WithFields(log.Fields{
				"trampoline": hex(t.Addr),
				"entry":      hex(t.Entry),
				"to":         hex(e.To),
			}).Warn("trampoline jumped away from its resolved entry")
		}
	}

	return r.write(e)
}

// collapsed builds the direct edge that replaces caller -> stub -> entry.
func (r *Recorder) collapsed(from uint64, exit uint8, entry uint64) GraphEdge {
	return GraphEdge{
		From:        from,
		To:          entry,
		ExitOrdinal: exit,
		Type:        Direct,
		FromModule:  r.resolver.Lookup(from).ID,
		ToModule:    r.resolver.Lookup(entry).ID,
	}
}

func (r *Recorder) write(e GraphEdge) (Outcome, error) {
	k := e.key()
	if _, ok := r.written[k]; ok {
		r.stats.Duplicates++
		return Duplicate, nil
	}
	if err := r.out.WriteEdge(e); err != nil {
		return Written, errors.Wrapf(err, "failed to write edge %s", e)
	}
	r.written[k] = struct{}{}
	r.stats.Written++
	return Written, nil
}

// SetLive marks a block live and, on the transition to live, drains the
// edges pending on it in enqueue order. It returns how many were drained.
//
// The queue is detached before the drain, so each pending edge is processed
// exactly once even if the drain fails part-way; the edges after a failed
// write are lost along with the error.
func (r *Recorder) SetLive(addr, hash uint64) (int, error) {
	if !r.blocks.SetLive(addr, hash) {
		return 0, nil
	}
	queue, ok := r.pending[addr]
	if !ok {
		return 0, nil
	}
	delete(r.pending, addr)
	r.queued -= len(queue)

	for i, pe := range queue {
		if _, err := r.recordLive(pe.Edge); err != nil {
			r.stats.Flushed += uint64(i)
			return i, errors.Wrapf(err, "draining pending edges of %#x", addr)
		}
	}
	r.stats.Flushed += uint64(len(queue))
	r.log.WithFields(log.Fields{
		"block": hex(addr),
		"count": len(queue),
	}).Debug("flushed pending edges")
	return len(queue), nil
}

// Invalidate clears liveness of a block. Edges pending on it stay queued.
func (r *Recorder) Invalidate(addr uint64) bool {
	return r.blocks.Invalidate(addr)
}

// Pending returns a copy of the edges queued under target.
func (r *Recorder) Pending(target uint64) []PendingEdge {
	q := r.pending[target]
	if len(q) == 0 {
		return nil
	}
	out := make([]PendingEdge, len(q))
	copy(out, q)
	return out
}

// PendingCount returns the total number of queued edges.
func (r *Recorder) PendingCount() int {
	return r.queued
}

// ResolveTrampoline resolves the trampoline at addr to entry and flushes each
// buffered caller as a direct edge to entry, in buffering order. While entry
// is not live the collapsed edges are queued under it instead of written.
// It returns the number of callers flushed.
func (r *Recorder) ResolveTrampoline(addr, entry uint64) (int, error) {
	callers, err := r.trampolines.Resolve(addr, entry)
	if err != nil {
		return 0, err
	}
	entryLive := r.blocks.IsLive(entry) || r.resolver.Lookup(entry).Type == module.TypeSystem
	for _, c := range callers {
		e := r.collapsed(c.From, c.ExitOrdinal, entry)
		if !entryLive {
			r.enqueue(e)
			continue
		}
		if _, err := r.write(e); err != nil {
			return 0, err
		}
	}
	if err := r.trampolines.Check(); err != nil {
		return len(callers), err
	}
	r.log.WithFields(log.Fields{
		"trampoline": hex(addr),
		"entry":      hex(entry),
		"callers":    len(callers),
	}).Debug("resolved trampoline")
	return len(callers), nil
}

// Discard drops every pending edge and every caller buffered on an
// unresolved trampoline. Used at process exit.
func (r *Recorder) Discard() (edges, trackers, callers int) {
	edges = r.queued
	r.pending = make(map[uint64][]PendingEdge)
	r.queued = 0
	r.stats.Discarded += uint64(edges)
	trackers, callers = r.trampolines.Discard()
	return edges, trackers, callers
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() Stats {
	return r.stats
}
