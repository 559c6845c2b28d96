package bbstate

import "testing"

// TestGetMissing verifies that an unseen address yields nil, not a zero State.
func TestGetMissing(t *testing.T) {
	tbl := NewTable()
	if s := tbl.Get(0x1000); s != nil {
		t.Fatalf("Get(unseen) = %+v, want nil", s)
	}
	if tbl.IsLive(0x1000) {
		t.Error("IsLive(unseen) = true")
	}
}

// TestSetLiveTransitions walks a block through live, inactive and live again.
func TestSetLiveTransitions(t *testing.T) {
	tbl := NewTable()
	addr := uint64(0x401000)

	if !tbl.SetLive(addr, 0xaa) {
		t.Fatal("first SetLive should report a transition")
	}
	if tbl.SetLive(addr, 0xbb) {
		t.Error("SetLive on live block should not report a transition")
	}
	if s := tbl.Get(addr); s.Hash != 0xbb || s.Generation != 1 {
		t.Errorf("state = %+v, want hash 0xbb generation 1", s)
	}

	if !tbl.Invalidate(addr) {
		t.Fatal("Invalidate(live) = false")
	}
	if tbl.Invalidate(addr) {
		t.Error("Invalidate(inactive) = true")
	}
	if tbl.IsLive(addr) {
		t.Error("block still live after Invalidate")
	}
	if tbl.Get(addr) == nil {
		t.Fatal("Invalidate removed the state")
	}

	if !tbl.SetLive(addr, 0xcc) {
		t.Error("SetLive after Invalidate should report a transition")
	}
	if s := tbl.Get(addr); s.Generation != 2 {
		t.Errorf("Generation = %d, want 2", s.Generation)
	}
}

func TestInvalidateUnknown(t *testing.T) {
	tbl := NewTable()
	if tbl.Invalidate(0x1234) {
		t.Error("Invalidate(unseen) = true")
	}
	if tbl.Len() != 0 {
		t.Errorf("Invalidate created a state, Len = %d", tbl.Len())
	}
}

func TestCountsAndReset(t *testing.T) {
	tbl := NewTable()
	tbl.SetLive(1, 0)
	tbl.SetLive(2, 0)
	tbl.SetLive(3, 0)
	tbl.Invalidate(2)

	if tbl.Len() != 3 || tbl.LiveCount() != 2 {
		t.Errorf("Len=%d LiveCount=%d, want 3 and 2", tbl.Len(), tbl.LiveCount())
	}
	tbl.Reset()
	if tbl.Len() != 0 {
		t.Errorf("Len after Reset = %d", tbl.Len())
	}
}

func TestHashCodeStable(t *testing.T) {
	code := []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}
	h1 := HashCode(code)
	h2 := HashCode(append([]byte(nil), code...))
	if h1 != h2 {
		t.Errorf("HashCode not deterministic: %#x != %#x", h1, h2)
	}
	if h1 == HashCode(code[:4]) {
		t.Error("HashCode ignores trailing byte")
	}
}
