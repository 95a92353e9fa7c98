// Package metrics holds lightweight process-lifetime counters for the
// protocol engine, logged periodically by its heartbeat loop.
package metrics

import "sync/atomic"

// Counters tracks request/retry volume. All fields are safe for
// concurrent use from the heartbeat and reader goroutines.
type Counters struct {
	Submitted uint64
	Timeouts  uint64
	// Resyncs counts frames dropped because their payload failed to
	// decode; bytes the decoder skips while scanning for the magic
	// marker are not counted.
	Resyncs   uint64
	Heartbeats uint64
}

// Snapshot is an immutable copy of Counters for reporting.
type Snapshot struct {
	Submitted  uint64
	Timeouts   uint64
	Resyncs    uint64
	Heartbeats uint64
}

func (c *Counters) IncSubmitted() { atomic.AddUint64(&c.Submitted, 1) }
func (c *Counters) IncTimeouts()  { atomic.AddUint64(&c.Timeouts, 1) }
func (c *Counters) IncResyncs()   { atomic.AddUint64(&c.Resyncs, 1) }
func (c *Counters) IncHeartbeats() { atomic.AddUint64(&c.Heartbeats, 1) }

// Snapshot reads all counters atomically with respect to each other's
// individual fields (not as a single transaction, matching the teacher's
// DeviceStats/DeviceStatsSnapshot pattern of independent atomic reads).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Submitted:  atomic.LoadUint64(&c.Submitted),
		Timeouts:   atomic.LoadUint64(&c.Timeouts),
		Resyncs:    atomic.LoadUint64(&c.Resyncs),
		Heartbeats: atomic.LoadUint64(&c.Heartbeats),
	}
}
