// Package snowflake allocates monotonic 64-bit ids composed of a millisecond
// timestamp, a machine id, and a per-millisecond sequence.
package snowflake

import (
	"sync"
	"time"
)

// Epoch is the Twitter snowflake epoch (Nov 4, 2010) in Unix milliseconds.
const Epoch int64 = 1288834974657

const (
	timestampShift = 22
	machineShift   = 12
	sequenceMask   = 4095 // 12 bits
	machineMask    = 1023 // 10 bits
)

// Allocator hands out unique ids. The volume-bar builder owns one; tests
// substitute a deterministic stub.
type Allocator interface {
	Next() int64
}

// Generator is a thread-safe snowflake id allocator. Sequence and
// last-timestamp share one mutex: single-writer discipline.
type Generator struct {
	mu            sync.Mutex
	machineID     int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

// New creates a generator for the given machine id (0..1023).
func New(machineID int64) *Generator {
	return &Generator{
		machineID:     machineID & machineMask,
		lastTimestamp: -1,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// Next returns a new id, monotonic within this generator. When the 12-bit
// sequence wraps inside one millisecond it busy-waits for the clock to
// advance.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for ts <= g.lastTimestamp {
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	return ((ts - Epoch) << timestampShift) |
		(g.machineID << machineShift) |
		g.sequence
}
