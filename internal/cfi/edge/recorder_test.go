package edge

import (
	"reflect"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/bbstate"
	"github.com/kolkov/cfiwatch/internal/cfi/module"
	"github.com/kolkov/cfiwatch/internal/cfi/trampoline"
)

type sliceWriter struct {
	edges []GraphEdge
	err   error
}

func (w *sliceWriter) WriteEdge(e GraphEdge) error {
	if w.err != nil {
		return w.err
	}
	w.edges = append(w.edges, e)
	return nil
}

type fixture struct {
	rec    *Recorder
	out    *sliceWriter
	blocks *bbstate.Table
	tramps *trampoline.Table
	logs   *memory.Handler
	app    *module.Location
	lib    *module.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	res := module.NewRangeResolver()
	app, err := res.Add("app", 0x400000, 0x500000, module.TypeNormal)
	if err != nil {
		t.Fatal(err)
	}
	lib, err := res.Add("libc.so.6", 0x7f0000000000, 0x7f0000100000, module.TypeBlackBox)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := res.Add("libm.so.6", 0x7f1000000000, 0x7f1000100000, module.TypeBlackBox); err != nil {
		t.Fatal(err)
	}

	h := memory.New()
	f := &fixture{
		out:    &sliceWriter{},
		blocks: bbstate.NewTable(),
		tramps: trampoline.NewTable(),
		logs:   h,
		app:    app,
		lib:    lib,
	}
	f.rec = NewRecorder(Config{
		Resolver:    res,
		Blocks:      f.blocks,
		Trampolines: f.tramps,
		Out:         f.out,
		Log:         &log.Logger{Handler: h, Level: log.DebugLevel},
	})
	return f
}

func (f *fixture) live(t *testing.T, addrs ...uint64) {
	t.Helper()
	for _, a := range addrs {
		if _, err := f.rec.SetLive(a, a); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) record(t *testing.T, from, to uint64, exit uint8, typ Type) Outcome {
	t.Helper()
	o, err := f.rec.Record(GraphEdge{From: from, To: to, ExitOrdinal: exit, Type: typ})
	if err != nil {
		t.Fatalf("Record(%#x, %#x) error = %v", from, to, err)
	}
	return o
}

func TestRecordWritesLiveEdge(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x401000, 0x402000)

	if o := f.record(t, 0x401000, 0x402000, 1, Direct); o != Written {
		t.Fatalf("Outcome = %v, want written", o)
	}
	want := GraphEdge{From: 0x401000, To: 0x402000, ExitOrdinal: 1, Type: Direct,
		FromModule: f.app.ID, ToModule: f.app.ID}
	if len(f.out.edges) != 1 || f.out.edges[0] != want {
		t.Errorf("edges = %v, want [%v]", f.out.edges, want)
	}
}

// TestPendingEdgeFlushedOnLive: an edge to a block that is not live is
// queued, and written exactly once when the block goes live.
func TestPendingEdgeFlushedOnLive(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x401000)

	if o := f.record(t, 0x401000, 0x402000, 0, Indirect); o != Pending {
		t.Fatalf("Outcome = %v, want pending", o)
	}
	if len(f.out.edges) != 0 {
		t.Fatalf("edge written before target was live: %v", f.out.edges)
	}
	if q := f.rec.Pending(0x402000); len(q) != 1 {
		t.Fatalf("Pending = %v, want one edge", q)
	}

	n, err := f.rec.SetLive(0x402000, 0xbeef)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(f.out.edges) != 1 {
		t.Fatalf("flushed %d, wrote %v", n, f.out.edges)
	}
	if f.out.edges[0].From != 0x401000 || f.out.edges[0].Type != Indirect {
		t.Errorf("edge = %v", f.out.edges[0])
	}

	// a second transition to live finds nothing left
	f.rec.Invalidate(0x402000)
	if n, _ := f.rec.SetLive(0x402000, 0xbeef); n != 0 {
		t.Errorf("second drain flushed %d edges", n)
	}
	if len(f.out.edges) != 1 || f.rec.PendingCount() != 0 {
		t.Errorf("edges = %v pending = %d", f.out.edges, f.rec.PendingCount())
	}
}

func TestPendingDrainFIFO(t *testing.T) {
	f := newFixture(t)
	srcs := []uint64{0x401300, 0x401100, 0x401200}
	f.live(t, srcs...)
	for _, s := range srcs {
		f.record(t, s, 0x409000, 0, Indirect)
	}
	f.live(t, 0x409000)

	var got []uint64
	for _, e := range f.out.edges {
		got = append(got, e.From)
	}
	if !reflect.DeepEqual(got, srcs) {
		t.Errorf("drain order = %#x, want %#x", got, srcs)
	}
}

func TestSetLiveAlreadyLiveDoesNotDrain(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x401000, 0x402000)
	if n, _ := f.rec.SetLive(0x402000, 1); n != 0 {
		t.Errorf("SetLive on live block drained %d", n)
	}
}

func TestRecordDropsBlackBoxEdges(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x7f0000001000)

	if o := f.record(t, 0x7f0000001000, 0x7f1000002000, 0, Indirect); o != Dropped {
		t.Errorf("Outcome = %v, want dropped", o)
	}
	if f.rec.PendingCount() != 0 || len(f.out.edges) != 0 {
		t.Error("black-box edge was kept")
	}

	// one monitored endpoint: queued as usual
	f.live(t, 0x401000)
	if o := f.record(t, 0x401000, 0x7f0000003000, 0, Indirect); o != Pending {
		t.Errorf("Outcome = %v, want pending", o)
	}
}

func TestRecordDuplicate(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x401000, 0x402000)
	f.record(t, 0x401000, 0x402000, 0, Direct)
	if o := f.record(t, 0x401000, 0x402000, 0, Direct); o != Duplicate {
		t.Errorf("Outcome = %v, want duplicate", o)
	}
	if o := f.record(t, 0x401000, 0x402000, 1, Direct); o != Written {
		t.Errorf("other exit ordinal: Outcome = %v, want written", o)
	}
	if len(f.out.edges) != 2 {
		t.Errorf("edges = %v", f.out.edges)
	}
}

func TestRecordSelfLoop(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x401000)
	if o := f.record(t, 0x401000, 0x401000, 0, Direct); o != Written {
		t.Errorf("self loop Outcome = %v, want written", o)
	}
}

func TestRecordWarnsOnInactiveSource(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x402000)
	f.record(t, 0x401000, 0x402000, 0, Direct)

	found := false
	for _, e := range f.logs.Entries {
		if e.Level == log.WarnLevel && e.Message == "creating edge from inactive block" {
			found = true
		}
	}
	if !found {
		t.Error("no warning for inactive source")
	}
	if len(f.out.edges) != 1 {
		t.Error("edge from inactive source not written")
	}
}

func TestSyscallNodeAlwaysLive(t *testing.T) {
	f := newFixture(t)
	f.live(t, 0x401000)
	o := f.record(t, 0x401000, module.SyscallNodeBase+60, 0, Syscall)
	if o != Written {
		t.Fatalf("Outcome = %v, want written", o)
	}
	if f.out.edges[0].ToModule != module.SystemID {
		t.Errorf("ToModule = %d, want system", f.out.edges[0].ToModule)
	}
}

// TestTrampolineLifecycle covers buffering, resolution, redirect and the
// acknowledged stub-to-entry jump.
func TestTrampolineLifecycle(t *testing.T) {
	f := newFixture(t)
	const (
		stub  = 0x401030
		entry = 0x7f0000001000
	)
	f.tramps.Register(stub, 0)
	f.live(t, 0x401100, 0x401200, 0x401300, stub, entry)

	if o := f.record(t, 0x401100, stub, 2, Direct); o != Buffered {
		t.Fatalf("Outcome = %v, want buffered", o)
	}
	if o := f.record(t, 0x401200, stub, 0, Direct); o != Buffered {
		t.Fatalf("Outcome = %v, want buffered", o)
	}
	if len(f.out.edges) != 0 {
		t.Fatalf("caller edge written before resolution: %v", f.out.edges)
	}

	n, err := f.rec.ResolveTrampoline(stub, entry)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(f.out.edges) != 2 {
		t.Fatalf("flushed %d callers, edges %v", n, f.out.edges)
	}
	for i, from := range []uint64{0x401100, 0x401200} {
		e := f.out.edges[i]
		if e.From != from || e.To != entry || e.Type != Direct || e.ToModule != f.lib.ID {
			t.Errorf("edge %d = %+v", i, e)
		}
	}
	if f.out.edges[0].ExitOrdinal != 2 {
		t.Errorf("exit ordinal not preserved: %d", f.out.edges[0].ExitOrdinal)
	}

	// resolved: written immediately, redirected to the entry
	if o := f.record(t, 0x401300, stub, 0, Direct); o != Written {
		t.Fatalf("Outcome = %v, want written", o)
	}
	if last := f.out.edges[2]; last.To != entry {
		t.Errorf("edge through resolved stub = %v", last)
	}

	// the stub's own jump to the entry is acknowledged, not written
	if o := f.record(t, stub, entry, 0, Indirect); o != Acknowledged {
		t.Errorf("Outcome = %v, want acknowledged", o)
	}
	if len(f.out.edges) != 3 {
		t.Errorf("edges = %v", f.out.edges)
	}
}

func TestPendingEdgeIntoTrampoline(t *testing.T) {
	f := newFixture(t)
	const stub = 0x401030
	f.tramps.Register(stub, 0)
	f.live(t, 0x401100)

	if o := f.record(t, 0x401100, stub, 0, Direct); o != Pending {
		t.Fatalf("Outcome = %v, want pending", o)
	}
	f.live(t, stub)
	if got := f.tramps.Lookup(stub).Callers(); len(got) != 1 || got[0].From != 0x401100 {
		t.Errorf("drained edge not buffered on trampoline: %v", got)
	}
	if len(f.out.edges) != 0 {
		t.Errorf("edges = %v", f.out.edges)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	f.tramps.Register(0x401030, 0)
	f.live(t, 0x401000, 0x401030)
	f.record(t, 0x401000, 0x402000, 0, Indirect)
	f.record(t, 0x401000, 0x403000, 0, Indirect)
	f.record(t, 0x401000, 0x401030, 0, Direct)

	edges, trackers, callers := f.rec.Discard()
	if edges != 2 || trackers != 1 || callers != 1 {
		t.Errorf("Discard = %d, %d, %d", edges, trackers, callers)
	}
	f.live(t, 0x402000)
	if len(f.out.edges) != 0 {
		t.Errorf("discarded edge written: %v", f.out.edges)
	}
}

func TestWriteError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk full")
	f.out.err = boom
	f.live(t, 0x401000, 0x402000)

	_, err := f.rec.Record(GraphEdge{From: 0x401000, To: 0x402000})
	if errors.Cause(err) != boom {
		t.Errorf("err = %v, want cause %v", err, boom)
	}
}

func TestDroppedEdgeRecordedOnceLive(t *testing.T) {
	f := newFixture(t)
	const libc, libm = 0x7f0000001000, 0x7f1000002000
	f.live(t, libc)

	if o := f.record(t, libc, libm, 0, Indirect); o != Dropped {
		t.Fatalf("Outcome = %v, want dropped", o)
	}
	f.live(t, libm)
	if len(f.out.edges) != 0 {
		t.Fatalf("dropped edge flushed on live: %v", f.out.edges)
	}
	if o := f.record(t, libc, libm, 0, Indirect); o != Written {
		t.Fatalf("Outcome = %v, want written", o)
	}
	if o := f.record(t, libc, libm, 0, Indirect); o != Duplicate {
		t.Errorf("Outcome = %v, want duplicate", o)
	}
	if len(f.out.edges) != 1 || f.out.edges[0].To != libm {
		t.Errorf("edges = %v", f.out.edges)
	}
}

func TestResolveTrampolineWaitsForEntry(t *testing.T) {
	f := newFixture(t)
	const (
		stub  = 0x401030
		entry = 0x7f0000000500
	)
	f.tramps.Register(stub, 0)
	f.live(t, 0x400100, stub)
	if o := f.record(t, 0x400100, stub, 0, Direct); o != Buffered {
		t.Fatalf("Outcome = %v, want buffered", o)
	}

	n, err := f.rec.ResolveTrampoline(stub, entry)
	if err != nil || n != 1 {
		t.Fatalf("ResolveTrampoline = %d, %v", n, err)
	}
	if len(f.out.edges) != 0 {
		t.Fatalf("edge into non-live entry written: %v", f.out.edges)
	}
	if got := f.rec.Pending(entry); len(got) != 1 || got[0].Edge.From != 0x400100 {
		t.Fatalf("Pending(entry) = %v", got)
	}

	f.live(t, entry)
	if len(f.out.edges) != 1 {
		t.Fatalf("edges = %v", f.out.edges)
	}
	if e := f.out.edges[0]; e.From != 0x400100 || e.To != entry || e.Type != Direct {
		t.Errorf("edge = %+v", e)
	}
}
