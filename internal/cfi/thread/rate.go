package thread

import (
	"sync/atomic"
	"time"
)

// Rate is one entry-rate sample.
type Rate struct {
	// Entries is the total dispatch count at the sample.
	Entries uint64

	// Elapsed is the time since the previous sample.
	Elapsed time.Duration
}

// PerSecond returns the dispatch rate over the sample window.
func (r Rate) PerSecond(interval uint64) float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(interval) / r.Elapsed.Seconds()
}

// RateMonitor samples how often a thread enters the dispatcher.
//
// Tick is called on every dispatch and reports a sample every interval
// calls, using the same counter-modulo selection as a trace-position
// sampler, so a disabled monitor costs one nil check.
//
// Thread Safety: Tick is called by the owning thread only; Count may be
// read from any thread.
type RateMonitor struct {
	interval uint64
	count    atomic.Uint64
	last     time.Time
	now      func() time.Time
}

// NewRateMonitor creates a monitor sampling every interval dispatches.
func NewRateMonitor(interval uint64) *RateMonitor {
	if interval == 0 {
		interval = 1
	}
	m := &RateMonitor{interval: interval, now: time.Now}
	m.last = m.now()
	return m
}

// Tick counts one dispatch and returns a sample every interval dispatches.
func (m *RateMonitor) Tick() (Rate, bool) {
	if m == nil {
		return Rate{}, false
	}
	n := m.count.Add(1)
	if n%m.interval != 0 {
		return Rate{}, false
	}
	now := m.now()
	r := Rate{Entries: n, Elapsed: now.Sub(m.last)}
	m.last = now
	return r, true
}

// Interval returns the sampling interval.
func (m *RateMonitor) Interval() uint64 {
	if m == nil {
		return 0
	}
	return m.interval
}

// Count returns the number of dispatches seen.
func (m *RateMonitor) Count() uint64 {
	if m == nil {
		return 0
	}
	return m.count.Load()
}
