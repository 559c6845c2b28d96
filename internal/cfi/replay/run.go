package replay

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/cfiwatch/internal/cfi/bbstate"
	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/observer"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
	"github.com/kolkov/cfiwatch/internal/cfi/thread"
)

// Options configures a replay.
type Options struct {
	Config  *config.Config
	Sink    stream.Sink
	Log     log.Interface
	Reports io.Writer
}

// Halt is a thread stopped by the observer.
type Halt struct {
	Thread uint32
	Event  int
	Err    error
}

// Result is the outcome of a replay.
type Result struct {
	observer.Summary

	Events int
	Stubs  int
	Halts  []Halt
}

// Run replays tr against a fresh observer. Threads run concurrently; once
// all of them finish the process exit is replayed. A thread the observer
// halts stops at the halting event and is listed in Result.Halts.
func Run(ctx context.Context, tr *Trace, opts Options) (*Result, error) {
	if opts.Log == nil {
		opts.Log = log.Log
	}

	res := module.NewRangeResolver()
	for _, m := range tr.Modules {
		typ, err := module.ParseType(m.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "module %s", m.Name)
		}
		if _, err := res.Add(m.Name, uint64(m.Start), uint64(m.End), typ); err != nil {
			return nil, err
		}
	}

	obs, err := observer.New(observer.Options{
		Config:   opts.Config,
		Resolver: res,
		Sink:     opts.Sink,
		Log:      opts.Log,
		Reports:  opts.Reports,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Events: tr.Events()}
	for i, tp := range tr.Trampolines {
		if tp.Code == "" {
			obs.RegisterTrampoline(uint64(tp.Addr), uint64(tp.Slot))
			result.Stubs++
			continue
		}
		code, err := tp.Bytes()
		if err != nil {
			return nil, errors.Wrapf(err, "trampoline %d", i)
		}
		stubs := obs.RegisterStubs(code, uint64(tp.Base))
		opts.Log.WithFields(log.Fields{
			"base":  uint64(tp.Base),
			"bytes": len(code),
			"stubs": len(stubs),
		}).Debug("scanned trampoline code")
		result.Stubs += len(stubs)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, th := range tr.Threads {
		th := th
		g.Go(func() error {
			h, err := runThread(gctx, obs, th)
			if h != nil {
				mu.Lock()
				result.Halts = append(result.Halts, *h)
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		obs.ProcessExit(true)
		return nil, err
	}

	sum, err := obs.ProcessExit(false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to flush output at exit")
	}
	result.Summary = sum
	return result, nil
}

func runThread(ctx context.Context, obs *observer.Observer, th Thread) (*Halt, error) {
	tctx, err := obs.ThreadStart(th.ID)
	if err != nil {
		return nil, err
	}
	defer obs.ThreadExit(tctx)

	for i, ev := range th.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		halted, err := apply(obs, tctx, ev)
		if halted {
			return &Halt{Thread: th.ID, Event: i, Err: err}, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "thread %d event %d (%s)", th.ID, i, ev.Op)
		}
	}
	return nil, nil
}

// apply issues one event. It reports whether the observer halted the thread.
func apply(obs *observer.Observer, ctx *thread.Context, ev Event) (bool, error) {
	switch ev.Op {
	case OpBlock:
		_, err := obs.BlockLive(ctx, uint64(ev.Addr), blockHash(ev))
		return false, err
	case OpBegin:
		obs.BeginBlock(ctx, uint64(ev.Addr))
		return false, nil
	case OpInvalidate:
		obs.InvalidateBlock(uint64(ev.Addr))
		return false, nil
	case OpSyscall:
		_, err := obs.Syscall(ctx, uint64(ev.Addr), ev.Number)
		return false, err
	case OpResolve:
		_, err := obs.ResolveTrampoline(uint64(ev.Addr), uint64(ev.Entry))
		return false, err
	case OpSentinel:
		return false, obs.SignalDelivered(ctx)
	case OpSigreturn:
		obs.SignalReturn(ctx)
		return false, nil
	}

	kind, err := observer.ParseKind(ev.Op)
	if err != nil {
		return false, err
	}
	action, err := obs.ControlTransfer(ctx, observer.Transfer{
		From:          uint64(ev.From),
		To:            uint64(ev.To),
		ExitOrdinal:   ev.Exit,
		Kind:          kind,
		StackPointer:  uint64(ev.SP),
		ReturnAddress: uint64(ev.Ret),
	})
	if action == observer.ActionHalt {
		return true, err
	}
	return false, err
}

// blockHash is the recorded hash, or one derived from the address when the
// trace omits it.
func blockHash(ev Event) uint64 {
	if ev.Hash != 0 {
		return uint64(ev.Hash)
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ev.Addr))
	return bbstate.HashCode(b[:])
}
