package observer

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
	"github.com/kolkov/cfiwatch/internal/cfi/ibp"
	"github.com/kolkov/cfiwatch/internal/cfi/shadowstack"
	"github.com/kolkov/cfiwatch/internal/cfi/thread"
)

// ControlTransfer is the per-transfer entry point. It must be called on the
// thread that owns ctx.
//
// Calls push a shadow frame first. Direct transfers are recorded as direct
// edges. Indirect transfers go through the pending Transition:
//
//  1. New: validate the target, record the edge once per path, ActionRedirect
//  2. ReturnPending: verify against the shadow stack; an unexpected return is
//     reported and continues as New when its path is new
//  3. Resolved: ActionContinue
func (o *Observer) ControlTransfer(ctx *thread.Context, t Transfer) (Action, error) {
	if o.closed.Load() {
		return ActionContinue, ErrClosed
	}
	o.stats.dispatches.Add(1)
	ctx.Dispatches++
	if r, ok := ctx.Rate.Tick(); ok {
		o.log.WithFields(log.Fields{
			"thread":  ctx.ID,
			"entries": r.Entries,
			"per_sec": r.PerSecond(ctx.Rate.Interval()),
		}).Debug("dispatch entry rate")
	}

	if t.Kind.IsCall() {
		if _, err := ctx.Stack.Push(t.StackPointer, t.ReturnAddress); err != nil {
			rep := newReport(ViolationStackOverflow, ctx.ID, t, o.resolver)
			rep.Depth = ctx.Stack.Depth()
			o.reports.report(rep)
			return o.halt(ctx, t, err)
		}
	}

	if !t.Kind.Indirect() {
		if t.To == 0 {
			return o.nullTarget(ctx, t)
		}
		if err := o.record(ctx, t, edge.Direct); err != nil {
			return o.halt(ctx, t, err)
		}
		return ActionContinue, nil
	}

	key := ibp.Key{From: t.From, To: t.To}
	known := ctx.FastPath.Contains(ibp.PathKey{Key: key})
	ctx.Transition = ibp.Begin(key, t.Kind == Return, known)
	return o.dispatch(ctx, t)
}

// dispatch advances the pending transition of ctx.
func (o *Observer) dispatch(ctx *thread.Context, t Transfer) (Action, error) {
	tr := ctx.Transition

	if tr.State == ibp.ReturnPending {
		res := ctx.Stack.Verify(t.To, t.StackPointer)
		o.noteReturn(ctx, t, res)

		unexpected := res.Unexpected()
		known := unexpected && ctx.FastPath.Contains(ibp.PathKey{Key: tr.Key, Unexpected: true})
		tr = tr.Verified(unexpected, known)
		ctx.Transition = tr

		if unexpected {
			o.stats.unexpectedReturns.Add(1)
			rep := newReport(ViolationUnexpectedReturn, ctx.ID, t, o.resolver)
			rep.Top, rep.Depth, rep.Unwound = res.Top, res.Depth, res.UnwindCount
			o.reports.report(rep)
		}
	}

	switch tr.State {
	case ibp.Resolved:
		if tr.UnexpectedReturn && o.cfg.HaltOnUnexpectedReturn {
			return o.halt(ctx, t, errors.Wrapf(ErrUnexpectedReturn, "%#x -> %#x", t.From, t.To))
		}
		return ActionContinue, nil
	case ibp.New:
	default:
		return ActionContinue, nil
	}

	ctx.Transition = tr.Acknowledged()
	if t.To == 0 {
		return o.nullTarget(ctx, t)
	}

	typ := edge.Indirect
	if tr.UnexpectedReturn {
		typ = edge.UnexpectedReturn
	}
	if err := o.recordPath(ctx, t, tr.UnexpectedReturn, typ); err != nil {
		return o.halt(ctx, t, err)
	}
	ctx.FastPath.Add(tr.PathKey())

	if tr.UnexpectedReturn && o.cfg.HaltOnUnexpectedReturn {
		return o.halt(ctx, t, errors.Wrapf(ErrUnexpectedReturn, "%#x -> %#x", t.From, t.To))
	}
	return ActionRedirect, nil
}

// recordPath records an indirect path the first time the global table sees it.
func (o *Observer) recordPath(ctx *thread.Context, t Transfer, unexpected bool, typ edge.Type) error {
	if err := o.guard(ctx, t); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paths.Observe(ibp.Key{From: t.From, To: t.To}, unexpected) {
		return nil
	}
	o.stats.newPaths.Add(1)
	o.log.WithFields(log.Fields{
		"thread":     ctx.ID,
		"from":       site(o.resolver.Lookup(t.From), t.From),
		"to":         site(o.resolver.Lookup(t.To), t.To),
		"targets":    o.paths.Targets(t.From),
		"unexpected": unexpected,
	}).Debug("new indirect path")
	_, err := o.edges.Record(edge.GraphEdge{From: t.From, To: t.To, ExitOrdinal: t.ExitOrdinal, Type: typ})
	return err
}

// record records a direct edge.
func (o *Observer) record(ctx *thread.Context, t Transfer, typ edge.Type) error {
	if err := o.guard(ctx, t); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.edges.Record(edge.GraphEdge{From: t.From, To: t.To, ExitOrdinal: t.ExitOrdinal, Type: typ})
	return err
}

// guard rejects edges into the block the thread is compiling. Self-loops
// are allowed.
func (o *Observer) guard(ctx *thread.Context, t Transfer) error {
	if t.From == t.To || !ctx.IsBuilding(t.To) {
		return nil
	}
	o.reports.report(newReport(ViolationUnderConstruction, ctx.ID, t, o.resolver))
	return errors.Wrapf(ErrTargetUnderConstruction, "%#x -> %#x", t.From, t.To)
}

func (o *Observer) nullTarget(ctx *thread.Context, t Transfer) (Action, error) {
	o.stats.nullTargets.Add(1)
	o.reports.report(newReport(ViolationNullTarget, ctx.ID, t, o.resolver))
	return o.halt(ctx, t, errors.Wrapf(ErrNullTarget, "from %#x", t.From))
}

func (o *Observer) halt(ctx *thread.Context, t Transfer, err error) (Action, error) {
	o.stats.halts.Add(1)
	o.log.WithFields(log.Fields{
		"thread":   ctx.ID,
		"transfer": t.String(),
	}).WithError(err).Error("halting monitored thread")
	return ActionHalt, err
}

// noteReturn logs and counts a shadow stack verdict.
func (o *Observer) noteReturn(ctx *thread.Context, t Transfer, res shadowstack.Result) {
	fields := log.Fields{
		"thread": ctx.ID,
		"from":   site(o.resolver.Lookup(t.From), t.From),
		"to":     site(o.resolver.Lookup(t.To), t.To),
		"sp":     t.StackPointer,
		"depth":  res.Depth,
	}
	switch res.Outcome {
	case shadowstack.Matched:
	case shadowstack.MultiFrame:
		o.stats.multiFrame.Add(1)
		fields["unwound"] = res.UnwindCount
		o.log.WithFields(fields).Debug("return unwound to older frame")
	case shadowstack.ContextSwitch:
		o.stats.contextSwitches.Add(1)
		fields["top"] = res.Top.String()
		o.log.WithFields(fields).Warn("return across stack switch")
	case shadowstack.StackBottom:
		o.stats.stackBottoms.Add(1)
		o.log.WithFields(fields).Warn("return with empty shadow stack")
	case shadowstack.Unexpected:
		fields["top"] = res.Top.String()
		fields["unwound"] = res.UnwindCount
		o.log.WithFields(fields).Error("unexpected return")
	}
}
