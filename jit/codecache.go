package jit

import (
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/log"
)

// Entry is one installed compiled block. Validity is the conjunction of the
// stale flag and a generation match; executors take a reference before the
// validity check and invalidators flip stale before inspecting references,
// so a native region is never unmapped under a running block.
type Entry struct {
	PC         core.GuestAddr
	Tier       Tier
	Generation uint64

	Threaded *ThreadedCode
	native   *nativeCode

	stale atomic.Bool
	refs  atomic.Int64
}

func (e *Entry) acquire() bool {
	e.refs.Add(1)
	if e.stale.Load() {
		e.refs.Add(-1)
		return false
	}
	return true
}

func (e *Entry) release() { e.refs.Add(-1) }

// CodeCache holds installed entries up to a capacity, evicting in install
// order. Invalidation bumps the generation, which orphans every installed
// entry at once; native regions are unmapped once their reference counts
// drain.
type CodeCache struct {
	generation atomic.Uint64

	mu       sync.Mutex
	capacity int
	order    []*Entry
	pending  []*Entry // stale entries still referenced

	installs    atomic.Uint64
	evictions   atomic.Uint64
	invalidated atomic.Uint64
}

func NewCodeCache(capacity int) *CodeCache {
	if capacity < 1 {
		capacity = 1
	}
	c := &CodeCache{capacity: capacity}
	c.generation.Store(1)
	return c
}

// Generation is the current install generation.
func (c *CodeCache) Generation() uint64 { return c.generation.Load() }

// Valid reports whether e may still be dispatched.
func (c *CodeCache) Valid(e *Entry) bool {
	return e != nil && !e.stale.Load() && e.Generation == c.generation.Load()
}

// Install publishes e as p's compiled code, evicting the oldest entry when
// the cache is full.
func (c *CodeCache) Install(p *BlockProfile, e *Entry) {
	c.mu.Lock()
	e.Generation = c.generation.Load()
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		oldest.stale.Store(true)
		c.retireLocked(oldest)
		c.evictions.Add(1)
	}
	c.order = append(c.order, e)
	c.mu.Unlock()

	c.installs.Add(1)
	p.entry.Store(e)
	p.setState(StateCompiled)
	log.Debug(log.JitModule, "installed", "pc", e.PC, "tier", e.Tier.String(), "gen", e.Generation)
}

// Drop marks p's entry stale without touching the rest of the cache. Used
// when the underlying guest code was overwritten.
func (c *CodeCache) Drop(p *BlockProfile) {
	e := p.entry.Swap(nil)
	if e == nil {
		return
	}
	e.stale.Store(true)
	c.mu.Lock()
	c.retireLocked(e)
	c.mu.Unlock()
	c.invalidated.Add(1)
	p.setState(StateDeoptimized)
}

// InvalidateAll orphans every installed entry by bumping the generation.
func (c *CodeCache) InvalidateAll() {
	c.generation.Add(1)
	c.mu.Lock()
	for _, e := range c.order {
		e.stale.Store(true)
		c.retireLocked(e)
	}
	n := len(c.order)
	c.order = c.order[:0]
	c.mu.Unlock()
	c.invalidated.Add(uint64(n))
}

// retireLocked releases a stale entry's native region once no executor holds
// a reference; otherwise it parks the entry for a later sweep.
func (c *CodeCache) retireLocked(e *Entry) {
	if e.refs.Load() == 0 {
		if e.native != nil {
			e.native.releaseRegion()
			e.native = nil
		}
		return
	}
	c.pending = append(c.pending, e)
}

// sweepPending retries release of parked entries.
func (c *CodeCache) sweepPending() {
	c.mu.Lock()
	kept := c.pending[:0]
	for _, e := range c.pending {
		if e.refs.Load() == 0 {
			if e.native != nil {
				e.native.releaseRegion()
				e.native = nil
			}
			continue
		}
		kept = append(kept, e)
	}
	c.pending = kept
	c.mu.Unlock()
}

// CodeCacheStats is a point-in-time snapshot.
type CodeCacheStats struct {
	Installed   int
	Generation  uint64
	Installs    uint64
	Evictions   uint64
	Invalidated uint64
}

func (c *CodeCache) Stats() CodeCacheStats {
	c.mu.Lock()
	n := len(c.order)
	c.mu.Unlock()
	return CodeCacheStats{
		Installed:   n,
		Generation:  c.generation.Load(),
		Installs:    c.installs.Load(),
		Evictions:   c.evictions.Load(),
		Invalidated: c.invalidated.Load(),
	}
}
