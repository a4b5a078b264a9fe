package engine

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
)

// CachedBlock is one decoded block plus everything dispatch needs: the
// content hash taken before fusion, the physical code pages the bytes came
// from, and the JIT profile tracking its hotness.
type CachedBlock struct {
	IR    *ir.IRBlock
	Hash  common.Hash
	Pages []core.GuestPhysAddr
	Prof  *jit.BlockProfile
}

// BlockCache maps block start addresses to decoded blocks, LRU-bounded,
// with a physical-page index so a store into guest code can invalidate
// exactly the blocks built from that page.
type BlockCache struct {
	mu     sync.Mutex
	blocks lru.BasicLRU[core.GuestAddr, *CachedBlock]
	byPage map[core.GuestPhysAddr]map[core.GuestAddr]struct{}
	cap    int

	// onEvict fires outside the lock for each capacity-evicted block, with
	// the pages no remaining cached block was built from.
	onEvict func(cb *CachedBlock, orphaned []core.GuestPhysAddr)

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

func NewBlockCache(capacity int) *BlockCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BlockCache{
		blocks: lru.NewBasicLRU[core.GuestAddr, *CachedBlock](capacity),
		byPage: make(map[core.GuestPhysAddr]map[core.GuestAddr]struct{}),
		cap:    capacity,
	}
}

func (c *BlockCache) Get(pc core.GuestAddr) (*CachedBlock, bool) {
	c.mu.Lock()
	cb, ok := c.blocks.Get(pc)
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return cb, ok
}

// SetEvictHook installs the callback invoked when a block falls out of the
// LRU, so its compiled code and page watches can be released with it.
func (c *BlockCache) SetEvictHook(fn func(cb *CachedBlock, orphaned []core.GuestPhysAddr)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

func (c *BlockCache) Add(pc core.GuestAddr, cb *CachedBlock) {
	var (
		evicted  *CachedBlock
		orphaned []core.GuestPhysAddr
	)
	c.mu.Lock()
	if c.blocks.Len() >= c.cap && !c.blocks.Contains(pc) {
		// Evict explicitly instead of letting the LRU do it silently; the
		// victim's compiled code and page watches must go with it.
		if oldPC, old, ok := c.blocks.GetOldest(); ok {
			c.blocks.Remove(oldPC)
			orphaned = c.unindexLocked(oldPC, old)
			evicted = old
		}
	}
	c.blocks.Add(pc, cb)
	for _, page := range cb.Pages {
		set, ok := c.byPage[page]
		if !ok {
			set = make(map[core.GuestAddr]struct{})
			c.byPage[page] = set
		}
		set[pc] = struct{}{}
	}
	// The incoming block may be built from one of the victim's pages; those
	// are indexed again now and must stay watched.
	kept := orphaned[:0]
	for _, page := range orphaned {
		if _, ok := c.byPage[page]; !ok {
			kept = append(kept, page)
		}
	}
	orphaned = kept
	hook := c.onEvict
	c.mu.Unlock()

	if evicted != nil && hook != nil {
		hook(evicted, orphaned)
	}
}

// unindexLocked unhooks cb from the page index and returns the pages left
// with no cached block on them.
func (c *BlockCache) unindexLocked(pc core.GuestAddr, cb *CachedBlock) []core.GuestPhysAddr {
	var orphaned []core.GuestPhysAddr
	for _, page := range cb.Pages {
		set, ok := c.byPage[page]
		if !ok {
			continue
		}
		delete(set, pc)
		if len(set) == 0 {
			delete(c.byPage, page)
			orphaned = append(orphaned, page)
		}
	}
	return orphaned
}

// InvalidatePage removes every block built from the given physical page and
// returns them so the caller can drop their compiled code too.
func (c *BlockCache) InvalidatePage(page core.GuestPhysAddr) []*CachedBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byPage[page]
	if !ok {
		return nil
	}
	delete(c.byPage, page)

	var out []*CachedBlock
	for pc := range set {
		cb, ok := c.blocks.Get(pc)
		if !ok {
			continue
		}
		c.blocks.Remove(pc)
		// A block can span two pages; unhook it from the other one too.
		for _, p := range cb.Pages {
			if p == page {
				continue
			}
			if other, ok := c.byPage[p]; ok {
				delete(other, pc)
			}
		}
		out = append(out, cb)
	}
	c.invalidations.Add(uint64(len(out)))
	return out
}

// InvalidateAll empties the cache.
func (c *BlockCache) InvalidateAll() int {
	c.mu.Lock()
	n := c.blocks.Len()
	c.blocks.Purge()
	c.byPage = make(map[core.GuestPhysAddr]map[core.GuestAddr]struct{})
	c.mu.Unlock()
	c.invalidations.Add(uint64(n))
	return n
}

// HitRate is the fraction of lookups served from the cache.
func (c *BlockCache) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks.Len()
}

// BlockCacheStats is a point-in-time snapshot.
type BlockCacheStats struct {
	Blocks        int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

func (c *BlockCache) Stats() BlockCacheStats {
	return BlockCacheStats{
		Blocks:        c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
