package trampoline

import (
	"golang.org/x/arch/x86/x86asm"
)

// Stub is a PLT-style stub found in machine code.
type Stub struct {
	// Addr is the stub entry, including a leading ENDBR64.
	Addr uint64

	// Slot is the address of the pointer the stub jumps through.
	Slot uint64
}

// ScanStubs finds x86-64 trampoline stubs in code mapped at base.
//
// A stub is an unconditional `jmp [rip+disp32]`, optionally preceded by
// ENDBR64 (.plt.sec entries built with -fcf-protection) and optionally
// carrying a BND prefix. Undecodable bytes are skipped one at a time.
func ScanStubs(code []byte, base uint64) []Stub {
	var stubs []Stub

	offset := 0
	addr := base
	endbr := uint64(0)
	haveEndbr := false

	for offset < len(code) {
		// x86asm does not decode ENDBR64/ENDBR32
		if offset+4 <= len(code) &&
			code[offset] == 0xf3 && code[offset+1] == 0x0f &&
			code[offset+2] == 0x1e && (code[offset+3] == 0xfa || code[offset+3] == 0xfb) {
			endbr, haveEndbr = addr, true
			offset += 4
			addr += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			addr++
			haveEndbr = false
			continue
		}

		if inst.Op == x86asm.JMP {
			if mem, ok := inst.Args[0].(x86asm.Mem); ok && mem.Base == x86asm.RIP && mem.Index == 0 {
				start := addr
				if haveEndbr {
					start = endbr
				}
				stubs = append(stubs, Stub{
					Addr: start,
					Slot: addr + uint64(inst.Len) + uint64(mem.Disp),
				})
			}
		}

		haveEndbr = false
		offset += inst.Len
		addr += uint64(inst.Len)
	}

	return stubs
}
