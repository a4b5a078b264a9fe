package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
)

func cachedBlock(pc core.GuestAddr, pages ...core.GuestPhysAddr) *CachedBlock {
	return &CachedBlock{
		IR:    &ir.IRBlock{StartPC: pc, EndPC: pc + 4},
		Pages: pages,
	}
}

func TestBlockCacheGetAdd(t *testing.T) {
	c := NewBlockCache(16)
	cb := cachedBlock(0x1000, 0x1000)
	c.Add(0x1000, cb)

	got, ok := c.Get(0x1000)
	require.True(t, ok)
	assert.Same(t, cb, got)

	_, ok = c.Get(0x2000)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Blocks)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestBlockCacheInvalidatePage(t *testing.T) {
	c := NewBlockCache(16)
	c.Add(0x1000, cachedBlock(0x1000, 0x1000))
	c.Add(0x1100, cachedBlock(0x1100, 0x1000))
	c.Add(0x2000, cachedBlock(0x2000, 0x2000))

	dropped := c.InvalidatePage(0x1000)
	assert.Len(t, dropped, 2)

	_, ok := c.Get(0x1000)
	assert.False(t, ok)
	_, ok = c.Get(0x2000)
	assert.True(t, ok, "blocks on other pages survive")
	assert.Equal(t, uint64(2), c.Stats().Invalidations)
}

func TestBlockCacheInvalidatePageSpanningBlock(t *testing.T) {
	c := NewBlockCache(16)
	// One block straddling two pages; hitting either page kills it.
	c.Add(0x1FFC, cachedBlock(0x1FFC, 0x1000, 0x2000))

	dropped := c.InvalidatePage(0x2000)
	require.Len(t, dropped, 1)

	// The other page's index no longer references it.
	assert.Empty(t, c.InvalidatePage(0x1000))
}

func TestBlockCacheInvalidateAll(t *testing.T) {
	c := NewBlockCache(16)
	c.Add(0x1000, cachedBlock(0x1000, 0x1000))
	c.Add(0x2000, cachedBlock(0x2000, 0x2000))

	assert.Equal(t, 2, c.InvalidateAll())
	assert.Equal(t, 0, c.Len())
}

func TestBlockCacheEvictsLRU(t *testing.T) {
	c := NewBlockCache(2)
	c.Add(0x1000, cachedBlock(0x1000, 0x1000))
	c.Add(0x2000, cachedBlock(0x2000, 0x2000))
	c.Get(0x1000) // refresh
	c.Add(0x3000, cachedBlock(0x3000, 0x3000))

	_, ok := c.Get(0x2000)
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get(0x1000)
	assert.True(t, ok)
}

func TestBlockCacheEvictHookReportsVictim(t *testing.T) {
	c := NewBlockCache(1)
	var (
		gotBlock *CachedBlock
		gotPages []core.GuestPhysAddr
	)
	c.SetEvictHook(func(cb *CachedBlock, orphaned []core.GuestPhysAddr) {
		gotBlock = cb
		gotPages = orphaned
	})

	victim := cachedBlock(0x1000, 0x1000)
	c.Add(0x1000, victim)
	c.Add(0x2000, cachedBlock(0x2000, 0x2000))

	require.Same(t, victim, gotBlock)
	assert.Equal(t, []core.GuestPhysAddr{0x1000}, gotPages)

	// Index entries for the victim's page are gone with it.
	assert.Empty(t, c.InvalidatePage(0x1000))
}

func TestBlockCacheEvictHookKeepsSharedPages(t *testing.T) {
	c := NewBlockCache(1)
	var gotPages []core.GuestPhysAddr
	c.SetEvictHook(func(cb *CachedBlock, orphaned []core.GuestPhysAddr) {
		gotPages = orphaned
	})

	// The victim spans two pages; its replacement reuses the second one.
	c.Add(0x1FFC, cachedBlock(0x1FFC, 0x1000, 0x2000))
	c.Add(0x2000, cachedBlock(0x2000, 0x2000))

	assert.Equal(t, []core.GuestPhysAddr{0x1000}, gotPages,
		"the page the new block lives on stays indexed")
	assert.Len(t, c.InvalidatePage(0x2000), 1)
}
