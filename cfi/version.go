package cfi

import (
	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
)

// Version is the observer runtime version.
const Version = "0.1.0"

// StreamVersion is the edge and hash stream format version the runtime writes.
// Readers accept every version up to it.
const StreamVersion = stream.Version

// Info describes the runtime build and, when an observer is running, its
// current load.
type Info struct {
	Version       string
	StreamVersion uint16

	// EdgeMagic and HashMagic open the two output streams.
	EdgeMagic string
	HashMagic string

	// Built-in tunables; see DefaultConfig.
	ShadowStackCapacity    int
	ContextSwitchThreshold uint64
	FlushSyscalls          []uint64

	// Running is set between Init and Fini. Threads and Paths are zero
	// otherwise.
	Running bool
	Threads int64
	Paths   int
}

// GetInfo returns the runtime description.
func GetInfo() Info {
	d := config.Default()
	info := Info{
		Version:                Version,
		StreamVersion:          StreamVersion,
		EdgeMagic:              string(stream.EdgeMagic[:]),
		HashMagic:              string(stream.HashMagic[:]),
		ShadowStackCapacity:    d.Stack.Capacity,
		ContextSwitchThreshold: d.Stack.ContextSwitchThreshold,
		FlushSyscalls:          d.FlushSyscalls,
	}
	if st, err := GetStats(); err == nil {
		info.Running = true
		info.Threads = st.Threads
		info.Paths = st.Paths
	}
	return info
}
