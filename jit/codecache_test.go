package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/tiervm/core"
)

func baselineEntry(pc core.GuestAddr) *Entry {
	return &Entry{PC: pc, Tier: TierBaseline, Threaded: &ThreadedCode{}}
}

func TestCodeCacheInstall(t *testing.T) {
	c := NewCodeCache(4)
	prof := &BlockProfile{PC: 0x1000}
	prof.setState(StateQueued)

	e := baselineEntry(0x1000)
	c.Install(prof, e)

	assert.True(t, c.Valid(e))
	assert.Same(t, e, prof.Entry())
	assert.Equal(t, StateCompiled, prof.State())
	assert.Equal(t, uint64(1), c.Stats().Installs)
}

func TestCodeCacheDrop(t *testing.T) {
	c := NewCodeCache(4)
	prof := &BlockProfile{PC: 0x1000}
	e := baselineEntry(0x1000)
	c.Install(prof, e)

	c.Drop(prof)

	assert.False(t, c.Valid(e))
	assert.Nil(t, prof.Entry())
	assert.Equal(t, StateDeoptimized, prof.State())
}

func TestCodeCacheInvalidateAllBumpsGeneration(t *testing.T) {
	c := NewCodeCache(4)
	prof := &BlockProfile{PC: 0x1000}
	e := baselineEntry(0x1000)
	c.Install(prof, e)
	gen := c.Generation()

	c.InvalidateAll()

	assert.Equal(t, gen+1, c.Generation())
	assert.False(t, c.Valid(e))
	assert.Equal(t, 0, c.Stats().Installed)

	// A fresh install under the new generation is dispatchable again.
	e2 := baselineEntry(0x2000)
	c.Install(&BlockProfile{PC: 0x2000}, e2)
	assert.True(t, c.Valid(e2))
}

func TestCodeCacheEvictsInInstallOrder(t *testing.T) {
	c := NewCodeCache(1)
	e1 := baselineEntry(0x1000)
	e2 := baselineEntry(0x2000)
	c.Install(&BlockProfile{PC: 0x1000}, e1)
	c.Install(&BlockProfile{PC: 0x2000}, e2)

	assert.False(t, c.Valid(e1), "oldest entry evicted")
	assert.True(t, c.Valid(e2))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestEntryAcquireRefusesStale(t *testing.T) {
	e := baselineEntry(0x1000)
	require.True(t, e.acquire())
	e.release()

	e.stale.Store(true)
	assert.False(t, e.acquire())
	assert.Zero(t, e.refs.Load(), "failed acquire leaves no reference behind")
}

func TestCodeCachePendingRetire(t *testing.T) {
	c := NewCodeCache(4)
	prof := &BlockProfile{PC: 0x1000}
	e := baselineEntry(0x1000)
	c.Install(prof, e)

	// An executor holds the entry while it is dropped.
	require.True(t, e.acquire())
	c.Drop(prof)
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 1, pending, "referenced entry parks instead of releasing")

	e.release()
	c.sweepPending()
	c.mu.Lock()
	pending = len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}
