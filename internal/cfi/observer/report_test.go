package observer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kolkov/cfiwatch/internal/cfi/module"
)

func TestReporterDedup(t *testing.T) {
	res := module.NewRangeResolver()
	if _, err := res.Add("app", 0x400000, 0x500000, module.TypeNormal); err != nil {
		t.Fatal(err)
	}
	tr := Transfer{From: 0x401000, To: 0x401abc, Kind: Return, StackPointer: 0x7ffd0000}

	for _, dedup := range []bool{true, false} {
		var buf bytes.Buffer
		rp := newReporter(&buf, dedup)
		printed := 0
		for thread := uint32(1); thread <= 3; thread++ {
			if rp.report(newReport(ViolationUnexpectedReturn, thread, tr, res)) {
				printed++
			}
		}
		rp.report(newReport(ViolationNullTarget, 1, tr, res))

		want := 4
		if dedup {
			want = 2
		}
		if got := strings.Count(buf.String(), "WARNING: CONTROL-FLOW VIOLATION"); got != want {
			t.Errorf("dedup=%v: printed %d reports, want %d", dedup, got, want)
		}
		if rp.total.Load() != 4 || rp.unique.Load() != 2 {
			t.Errorf("dedup=%v: total %d unique %d", dedup, rp.total.Load(), rp.unique.Load())
		}
	}
}

func TestReportFormat(t *testing.T) {
	res := module.NewRangeResolver()
	if _, err := res.Add("app", 0x400000, 0x500000, module.TypeNormal); err != nil {
		t.Fatal(err)
	}
	r := newReport(ViolationStackOverflow, 7, Transfer{From: 0x401000, To: 0x402000, Kind: DirectCall, ReturnAddress: 0x401005}, res)
	r.Depth = 4096

	out := r.String()
	for _, want := range []string{
		"Shadow stack overflow from app(0x1000) to app(0x2000) on thread 7",
		"depth 4096 at call returning to 0x401005",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if !strings.HasPrefix(out, "==================\n") || !strings.HasSuffix(out, "==================\n") {
		t.Errorf("report not framed:\n%s", out)
	}
}
