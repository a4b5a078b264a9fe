package jit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// expireWindow backdates the adjustment clock so the next record triggers an
// evaluation.
func expireWindow(a *AdaptiveThreshold) {
	a.mu.Lock()
	a.last = time.Now().Add(-2 * a.window)
	a.mu.Unlock()
}

func TestAdaptiveThresholdClamping(t *testing.T) {
	a := NewAdaptiveThreshold(5000, 10, 1000, 0.1, time.Second)
	assert.Equal(t, uint64(1000), a.Current(), "start clamps to max")

	a = NewAdaptiveThreshold(1, 10, 1000, 0.1, time.Second)
	assert.Equal(t, uint64(10), a.Current(), "start clamps to min")
}

func TestAdaptiveThresholdLowersWhenCompiledWins(t *testing.T) {
	a := NewAdaptiveThreshold(100, 10, 1000, 0.1, time.Second)
	for i := 0; i < 10; i++ {
		a.RecordInterp(1000 * time.Nanosecond)
		a.RecordCompiled(10 * time.Nanosecond)
	}
	expireWindow(a)
	a.RecordCompiled(10 * time.Nanosecond)

	assert.Equal(t, uint64(90), a.Current(), "clear speedup lowers the threshold")
	hist := a.History()
	assert.NotEmpty(t, hist)
	assert.Greater(t, hist[len(hist)-1].Speedup, 10.0)
}

func TestAdaptiveThresholdRaisesWhenGainIsMarginal(t *testing.T) {
	a := NewAdaptiveThreshold(100, 10, 1000, 0.1, time.Second)
	for i := 0; i < 10; i++ {
		a.RecordInterp(100 * time.Nanosecond)
		a.RecordCompiled(99 * time.Nanosecond)
	}
	expireWindow(a)
	a.RecordCompiled(99 * time.Nanosecond)

	assert.Equal(t, uint64(110), a.Current(), "marginal speedup raises the threshold")
}

func TestAdaptiveThresholdRaisesUnderCompileOverhead(t *testing.T) {
	a := NewAdaptiveThreshold(100, 10, 1000, 0.1, time.Second)
	for i := 0; i < 10; i++ {
		a.RecordInterp(1000 * time.Nanosecond)
		a.RecordCompiled(10 * time.Nanosecond)
	}
	a.RecordCompile(time.Millisecond)
	expireWindow(a)
	a.RecordCompiled(10 * time.Nanosecond)

	assert.Equal(t, uint64(110), a.Current(), "heavy compile cost raises the threshold")
}

func TestAdaptiveThresholdHoldsWithoutCompiledRuns(t *testing.T) {
	a := NewAdaptiveThreshold(100, 10, 1000, 0.1, time.Second)
	for i := 0; i < 10; i++ {
		a.RecordInterp(1000 * time.Nanosecond)
	}
	expireWindow(a)
	a.RecordInterp(1000 * time.Nanosecond)

	assert.Equal(t, uint64(100), a.Current(), "no comparison data leaves the threshold alone")
	assert.Empty(t, a.History())
}

func TestAdaptiveThresholdNeverLeavesBounds(t *testing.T) {
	a := NewAdaptiveThreshold(12, 10, 1000, 0.1, time.Second)
	for round := 0; round < 20; round++ {
		for i := 0; i < 5; i++ {
			a.RecordInterp(1000 * time.Nanosecond)
			a.RecordCompiled(10 * time.Nanosecond)
		}
		expireWindow(a)
		a.RecordCompiled(10 * time.Nanosecond)
	}
	assert.GreaterOrEqual(t, a.Current(), uint64(10))
	assert.Less(t, a.Current(), uint64(13), "lowering converges onto the floor")
}
