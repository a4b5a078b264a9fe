// Package engine ties the pieces together: decoded blocks flow from the
// block cache through the interpreter and, once hot, through the tiered
// compiler, with the MMU invalidating anything built from bytes the guest
// rewrites.
package engine

import (
	"context"

	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/mmu"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// Engine owns the shared machinery behind every vCPU: MMU, decoder, block
// cache, compiler, and the optional AOT store.
type Engine struct {
	cfg    core.Config
	mmu    *mmu.MMU
	dec    ir.Decoder
	blocks *BlockCache
	comp   *jit.Compiler
	aot    *aot.Store
}

func New(cfg core.Config) (*Engine, error) {
	dec, err := ir.NewDecoder(cfg.Arch)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		mmu:    mmu.New(cfg),
		dec:    dec,
		blocks: NewBlockCache(cfg.BlockCacheSize),
		comp:   jit.New(cfg),
	}
	if cfg.EnableAOT {
		store, err := aot.Open(cfg.AOTPath)
		if err != nil {
			return nil, err
		}
		e.aot = store
		e.comp.SetNativeSink(func(pc core.GuestAddr, hash common.Hash, code []byte) {
			if err := store.Save(cfg.Arch, pc, hash, code); err != nil {
				log.Warn(log.AotModule, "save failed", "pc", uint64(pc), "err", err)
			}
		})
	}
	e.mmu.SetCodeWriteHook(e.onCodeWrite)
	e.blocks.SetEvictHook(e.onBlockEvicted)
	return e, nil
}

// Start launches the background compile workers.
func (e *Engine) Start(ctx context.Context) { e.comp.Start(ctx) }

// Close stops the compiler and releases the AOT store.
func (e *Engine) Close() error {
	e.comp.Close()
	if e.aot != nil {
		return e.aot.Close()
	}
	return nil
}

// MMU exposes the shared MMU for TLB control and page-table setup.
func (e *Engine) MMU() *mmu.MMU { return e.mmu }

// LoadImage copies a raw image into guest physical RAM.
func (e *Engine) LoadImage(base core.GuestPhysAddr, data []byte) error {
	if !e.mmu.RAM().WriteBytes(base, data) {
		return vmerrors.Internalf("image [0x%x, 0x%x) does not fit in RAM", base, uint64(base)+uint64(len(data)))
	}
	return nil
}

// SetPagingMode switches guest translation. Every cached block and compiled
// entry is keyed by virtual address, so both caches are emptied, and the
// native tier goes dark since it runs against flat physical RAM.
func (e *Engine) SetPagingMode(mode core.PagingMode) {
	e.mmu.SetPagingMode(mode)
	e.comp.SetNativeAllowed(mode == core.PagingNone)
	e.comp.InvalidateAll()
	e.blocks.InvalidateAll()
}

// RegisterDevice routes an MMIO range. Native code bounds-checks against
// RAM only and would fault on device addresses, so the native tier is
// disabled once any device exists.
func (e *Engine) RegisterDevice(base core.GuestPhysAddr, size uint64, dev core.MmioDevice) error {
	if err := e.mmu.RegisterDevice(base, size, dev); err != nil {
		return err
	}
	e.comp.SetNativeAllowed(false)
	e.comp.InvalidateAll()
	return nil
}

// onCodeWrite fires from the MMU before a store into a watched code page
// lands. Every block built from that page is removed along with its
// compiled code, then the watch is released until something decodes from
// the page again.
func (e *Engine) onCodeWrite(page core.GuestPhysAddr) {
	dropped := e.blocks.InvalidatePage(page)
	for _, cb := range dropped {
		e.comp.Drop(cb.Prof)
	}
	e.mmu.UnwatchCodePage(page)
	log.Debug(log.EngineModule, "code page invalidated", "page", uint64(page), "blocks", len(dropped))
}

// onBlockEvicted fires when the block cache evicts an entry to make room.
// The block's compiled code goes with it, and pages no other cached block
// was decoded from stop being watched.
func (e *Engine) onBlockEvicted(cb *CachedBlock, orphaned []core.GuestPhysAddr) {
	e.comp.Drop(cb.Prof)
	for _, page := range orphaned {
		e.mmu.UnwatchCodePage(page)
	}
}

// flushCode implements the guest instruction-cache fence: all decoded and
// compiled code is discarded.
func (e *Engine) flushCode() {
	e.blocks.InvalidateAll()
	e.comp.InvalidateAll()
}

// lookup returns the cached block at pc, decoding and registering it on a
// miss. The content hash is taken before fusion so it always reflects the
// guest bytes, and the AOT store is consulted with that hash before any
// warm-up happens.
func (e *Engine) lookup(v *Vcpu, pc core.GuestAddr) (*CachedBlock, error) {
	if cb, ok := e.blocks.Get(pc); ok {
		return cb, nil
	}

	blk, err := ir.BuildBlock(e.dec, v.mem, pc, e.cfg.MaxBlockLen)
	if err != nil {
		return nil, err
	}
	hash := blk.Hash()

	prof := e.comp.NewProfile(pc, hash)
	if e.aot != nil {
		if code, ok := e.aot.Lookup(e.cfg.Arch, pc, hash); ok {
			if e.comp.InstallNative(prof, code) {
				log.Debug(log.EngineModule, "aot hit", "pc", uint64(pc))
			}
		}
	}

	pages := e.watchPages(blk, v.st.Asid)
	if e.cfg.EnableFusion {
		Fuse(blk)
	}

	cb := &CachedBlock{IR: blk, Hash: hash, Pages: pages, Prof: prof}
	e.blocks.Add(pc, cb)
	return cb, nil
}

// watchPages registers every physical page the block's bytes came from so
// stores into them invalidate it. The block already fetched successfully,
// so translation failures here are boundary noise and skipped.
func (e *Engine) watchPages(blk *ir.IRBlock, asid uint16) []core.GuestPhysAddr {
	const mask = core.PageSize4K - 1
	first := uint64(blk.StartPC) &^ mask
	last := (uint64(blk.EndPC) - 1) &^ mask

	var pages []core.GuestPhysAddr
	for p := first; p <= last; p += core.PageSize4K {
		phys, err := e.mmu.Translate(core.GuestAddr(p), vmerrors.AccessExec, asid)
		if err != nil {
			continue
		}
		page := phys &^ core.GuestPhysAddr(mask)
		e.mmu.WatchCodePage(page)
		pages = append(pages, page)
	}
	return pages
}

// EngineStats aggregates the per-subsystem snapshots.
type EngineStats struct {
	Tlb    mmu.TlbStats
	Blocks BlockCacheStats
	Jit    jit.CompilerStats
	Aot    aot.Stats
}

func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		Tlb:    e.mmu.TlbStats(),
		Blocks: e.blocks.Stats(),
		Jit:    e.comp.Stats(),
	}
	if e.aot != nil {
		s.Aot = e.aot.Stats()
	}
	return s
}
