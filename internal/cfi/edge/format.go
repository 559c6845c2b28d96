package edge

import (
	"fmt"

	"github.com/kolkov/cfiwatch/internal/cfi/module"
)

func hex(addr uint64) string {
	return fmt.Sprintf("%#x", addr)
}

// edgeEnd prints an address as module(offset).
func edgeEnd(loc *module.Location, addr uint64) string {
	return fmt.Sprintf("%s(%#x)", loc.Name, loc.Offset(addr))
}
