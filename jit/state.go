// Package jit is the tiered compiler: hot blocks are promoted from the
// interpreter to pre-resolved threaded code, and from there to native
// x86-64 where the platform supports it. Compilation happens on background
// workers; installed code lives in a generation-tagged cache so invalidation
// never races an executing block.
package jit

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
)

// State is the compilation lifecycle of one block.
type State uint32

const (
	StateCold State = iota
	StateWarm
	StateQueued
	StateCompiled
	StateDeoptimized
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StateQueued:
		return "queued"
	case StateCompiled:
		return "compiled"
	case StateDeoptimized:
		return "deoptimized"
	default:
		return "unknown"
	}
}

// Tier identifies a compiled representation.
type Tier uint8

const (
	TierNone Tier = iota
	TierBaseline
	TierNative
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierNative:
		return "native"
	default:
		return "none"
	}
}

// BlockProfile carries the hotness and compilation state of one block. The
// counters are updated by the owning vCPU; state transitions and the entry
// pointer are shared with the compile workers, hence atomics throughout.
type BlockProfile struct {
	PC   core.GuestAddr
	Hash common.Hash

	state       atomic.Uint32
	count       atomic.Uint64
	interpNanos atomic.Int64
	ewmaNanos   atomic.Uint64 // float64 bits
	failures    atomic.Uint32

	entry atomic.Pointer[Entry]
}

func (p *BlockProfile) State() State { return State(p.state.Load()) }

func (p *BlockProfile) setState(s State) { p.state.Store(uint32(s)) }

func (p *BlockProfile) casState(from, to State) bool {
	return p.state.CompareAndSwap(uint32(from), uint32(to))
}

// ExecCount is the number of recorded executions.
func (p *BlockProfile) ExecCount() uint64 { return p.count.Load() }

// AvgInterpNanos is the mean interpreted execution time of the block.
func (p *BlockProfile) AvgInterpNanos() float64 {
	n := p.count.Load()
	if n == 0 {
		return 0
	}
	return float64(p.interpNanos.Load()) / float64(n)
}

// ewmaAlpha weights the per-execution time average toward recent runs.
const ewmaAlpha = 0.25

func (p *BlockProfile) recordTime(d time.Duration) {
	p.interpNanos.Add(int64(d))
	for {
		old := p.ewmaNanos.Load()
		next := float64(d)
		if old != 0 {
			prev := math.Float64frombits(old)
			next = prev + ewmaAlpha*(float64(d)-prev)
		}
		if p.ewmaNanos.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// EwmaNanos is the exponentially weighted per-execution time, tracking
// recent behavior faster than the lifetime mean.
func (p *BlockProfile) EwmaNanos() float64 {
	return math.Float64frombits(p.ewmaNanos.Load())
}

// Failures is how many compile attempts on this block failed.
func (p *BlockProfile) Failures() uint32 { return p.failures.Load() }

// Entry returns the installed code, if any.
func (p *BlockProfile) Entry() *Entry { return p.entry.Load() }
