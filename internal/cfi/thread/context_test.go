package thread

import (
	"testing"
	"time"

	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/ibp"
)

// TestAlloc tests context allocation against capability settings.
func TestAlloc(t *testing.T) {
	tests := []struct {
		name         string
		fastPath     int
		rate         uint64
		wantFastPath bool
		wantRate     bool
	}{
		{"defaults", ibp.DefaultFastPathSize, 0, true, false},
		{"no fast path", 0, 0, false, false},
		{"rate monitor", 16, 1000, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.FastPathSize = tt.fastPath
			cfg.EntryRateInterval = tt.rate

			ctx, err := Alloc(7, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if ctx.ID != 7 {
				t.Errorf("ID = %d", ctx.ID)
			}
			if (ctx.FastPath != nil) != tt.wantFastPath || ctx.Caps.FastPath != tt.wantFastPath {
				t.Errorf("FastPath = %v, caps %+v", ctx.FastPath, ctx.Caps)
			}
			if (ctx.Rate != nil) != tt.wantRate || ctx.Caps.EntryRate != tt.wantRate {
				t.Errorf("Rate = %v, caps %+v", ctx.Rate, ctx.Caps)
			}
			if ctx.Stack == nil || ctx.Stack.Depth() != 0 {
				t.Error("stack not initialized")
			}
		})
	}
}

func TestBuilding(t *testing.T) {
	ctx, _ := Alloc(1, nil)
	if ctx.IsBuilding(0) {
		t.Error("IsBuilding(0) = true")
	}
	ctx.BeginBuild(0x401000)
	if !ctx.IsBuilding(0x401000) || ctx.IsBuilding(0x402000) {
		t.Error("IsBuilding wrong after BeginBuild")
	}
	ctx.EndBuild(0x402000)
	if !ctx.IsBuilding(0x401000) {
		t.Error("EndBuild of another block cleared the mark")
	}
	ctx.EndBuild(0x401000)
	if ctx.IsBuilding(0x401000) {
		t.Error("mark survived EndBuild")
	}
}

func TestRelease(t *testing.T) {
	ctx, _ := Alloc(1, nil)
	ctx.Stack.Push(0x1000, 0xA)
	ctx.FastPath.Add(ibp.PathKey{})
	ctx.Transition = ibp.Begin(ibp.Key{From: 1, To: 2}, false, false)
	ctx.BeginBuild(0x10)

	ctx.Release()
	if ctx.Stack.Depth() != 0 || ctx.FastPath.Len() != 0 || ctx.Transition.Pending() || ctx.Building != 0 {
		t.Errorf("state survived Release: %+v", ctx)
	}
}

func TestRateMonitor(t *testing.T) {
	m := NewRateMonitor(3)
	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }
	m.last = clock

	for i := 1; i <= 7; i++ {
		clock = clock.Add(time.Millisecond)
		r, ok := m.Tick()
		if ok != (i%3 == 0) {
			t.Fatalf("Tick %d sampled = %v", i, ok)
		}
		if ok && r.Elapsed != 3*time.Millisecond {
			t.Errorf("Tick %d Elapsed = %v", i, r.Elapsed)
		}
		if ok && r.Entries != uint64(i) {
			t.Errorf("Tick %d Entries = %d", i, r.Entries)
		}
	}
	if m.Count() != 7 {
		t.Errorf("Count = %d", m.Count())
	}
	if got := (Rate{Elapsed: time.Second}).PerSecond(1000); got != 1000 {
		t.Errorf("PerSecond = %v", got)
	}

	var disabled *RateMonitor
	if _, ok := disabled.Tick(); ok {
		t.Error("nil monitor sampled")
	}
}
