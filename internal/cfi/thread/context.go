// Package thread holds the observer state owned by one monitored thread.
//
// A Context is created at thread start and released at thread exit. Nothing
// in it is touched by another thread, so none of it is locked:
//   - Stack: the shadow call stack
//   - FastPath: the thread's IBP cache (optional)
//   - Transition: the indirect branch currently being dispatched
//   - Building: the block the engine is currently compiling for this thread
//   - Rate: the dispatch entry-rate monitor (optional)
//
// Optional services are resolved once at Alloc from the configuration into
// Capabilities; a disabled service is a nil field, and every service method
// accepts a nil receiver.
package thread

import (
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/ibp"
	"github.com/kolkov/cfiwatch/internal/cfi/shadowstack"
)

// Capabilities lists the optional per-thread services that are active.
type Capabilities struct {
	FastPath  bool
	EntryRate bool
}

// FromConfig resolves the capabilities a configuration enables.
func FromConfig(cfg *config.Config) Capabilities {
	return Capabilities{
		FastPath:  cfg.FastPathSize > 0,
		EntryRate: cfg.EntryRateInterval > 0,
	}
}

// Context is the observer state of one thread.
type Context struct {
	// ID is the engine's thread identifier.
	ID uint32

	Caps Capabilities

	Stack    *shadowstack.Stack
	FastPath *ibp.FastPath
	Rate     *RateMonitor

	// Transition is the pending indirect branch.
	Transition ibp.Transition

	// Building is the address of the block under construction, 0 if none.
	Building uint64

	// Dispatches counts dispatch entries on this thread.
	Dispatches uint64
}

// Alloc creates the context of a starting thread.
func Alloc(id uint32, cfg *config.Config) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ctx := &Context{
		ID:    id,
		Caps:  FromConfig(cfg),
		Stack: shadowstack.New(cfg.StackOptions()),
	}
	if ctx.Caps.FastPath {
		fp, err := ibp.NewFastPath(cfg.FastPathSize)
		if err != nil {
			return nil, errors.Wrapf(err, "thread %d", id)
		}
		ctx.FastPath = fp
	}
	if ctx.Caps.EntryRate {
		ctx.Rate = NewRateMonitor(cfg.EntryRateInterval)
	}
	return ctx, nil
}

// BeginBuild records that the engine started compiling the block at addr.
func (c *Context) BeginBuild(addr uint64) {
	c.Building = addr
}

// EndBuild clears the block under construction if it is addr.
func (c *Context) EndBuild(addr uint64) {
	if c.Building == addr {
		c.Building = 0
	}
}

// IsBuilding reports whether addr is the block under construction.
func (c *Context) IsBuilding(addr uint64) bool {
	return addr != 0 && c.Building == addr
}

// Release drops the thread-local state at thread exit.
func (c *Context) Release() {
	c.Stack.Reset()
	c.FastPath.Purge()
	c.Transition = ibp.Transition{}
	c.Building = 0
}
