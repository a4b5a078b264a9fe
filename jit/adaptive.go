package jit

import (
	"math"
	"sync"
	"time"

	"github.com/colorfulnotion/tiervm/log"
)

// AdaptiveThreshold tunes the hotness threshold from observed behavior: when
// compiled code is paying off, the threshold drops so more blocks compile
// sooner; when compile time outweighs the gain, it rises. Adjustments are
// multiplicative by step, at most one per window, and always clamped to
// [min, max].
type AdaptiveThreshold struct {
	mu sync.Mutex

	threshold float64
	min, max  float64
	step      float64
	window    time.Duration
	last      time.Time

	// Window accumulators.
	interpNanos  float64
	interpBlocks float64
	nativeNanos  float64
	nativeBlocks float64
	compileNanos float64
	compileCount float64

	history []ThresholdSample
}

// ThresholdSample records one adjustment for inspection.
type ThresholdSample struct {
	When      time.Time
	Threshold uint64
	Speedup   float64
}

const historyCap = 64

func NewAdaptiveThreshold(start, min, max uint64, step float64, window time.Duration) *AdaptiveThreshold {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	start = clampU64(start, min, max)
	if step <= 0 || step >= 1 {
		step = 0.1
	}
	if window <= 0 {
		window = time.Second
	}
	return &AdaptiveThreshold{
		threshold: float64(start),
		min:       float64(min),
		max:       float64(max),
		step:      step,
		window:    window,
		last:      time.Now(),
	}
}

// Current is the active threshold.
func (a *AdaptiveThreshold) Current() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.threshold)
}

// RecordInterp accounts one interpreted block execution.
func (a *AdaptiveThreshold) RecordInterp(d time.Duration) {
	a.mu.Lock()
	a.interpNanos += float64(d)
	a.interpBlocks++
	a.maybeAdjustLocked(time.Now())
	a.mu.Unlock()
}

// RecordCompiled accounts one compiled block execution.
func (a *AdaptiveThreshold) RecordCompiled(d time.Duration) {
	a.mu.Lock()
	a.nativeNanos += float64(d)
	a.nativeBlocks++
	a.maybeAdjustLocked(time.Now())
	a.mu.Unlock()
}

// RecordCompile accounts one compilation.
func (a *AdaptiveThreshold) RecordCompile(d time.Duration) {
	a.mu.Lock()
	a.compileNanos += float64(d)
	a.compileCount++
	a.mu.Unlock()
}

func (a *AdaptiveThreshold) maybeAdjustLocked(now time.Time) {
	if now.Sub(a.last) < a.window {
		return
	}
	a.last = now

	if a.nativeBlocks == 0 || a.interpBlocks == 0 {
		// Nothing comparable this window; leave the threshold alone.
		a.resetWindowLocked()
		return
	}
	interpPer := a.interpNanos / a.interpBlocks
	nativePer := a.nativeNanos / a.nativeBlocks
	speedup := 1.0
	if nativePer > 0 {
		speedup = interpPer / nativePer
	}
	// Compile overhead relative to the time compiled code actually ran.
	overhead := 0.0
	if a.nativeNanos > 0 {
		overhead = a.compileNanos / a.nativeNanos
	}

	old := a.threshold
	switch {
	case speedup > 1.2 && overhead < 0.5:
		a.threshold *= 1 - a.step
	case speedup < 1.05 || overhead > 2.0:
		a.threshold *= 1 + a.step
	}
	a.threshold = math.Min(math.Max(a.threshold, a.min), a.max)

	if a.threshold != old {
		log.Debug(log.JitModule, "threshold adjusted",
			"from", uint64(old), "to", uint64(a.threshold), "speedup", speedup)
	}
	a.history = append(a.history, ThresholdSample{
		When:      now,
		Threshold: uint64(a.threshold),
		Speedup:   speedup,
	})
	if len(a.history) > historyCap {
		a.history = a.history[len(a.history)-historyCap:]
	}
	a.resetWindowLocked()
}

func (a *AdaptiveThreshold) resetWindowLocked() {
	a.interpNanos, a.interpBlocks = 0, 0
	a.nativeNanos, a.nativeBlocks = 0, 0
	a.compileNanos, a.compileCount = 0, 0
}

// History returns the recorded adjustments, oldest first.
func (a *AdaptiveThreshold) History() []ThresholdSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ThresholdSample, len(a.history))
	copy(out, a.history)
	return out
}

func clampU64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
