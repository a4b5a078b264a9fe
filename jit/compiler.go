package jit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
)

// A block that fails compilation this many times stays interpreted.
const maxCompileFailures = 3

// Compiler owns the compile queue, the background workers, and the code
// cache. The engine records interpreted executions through Record and
// dispatches compiled code through Execute.
type Compiler struct {
	cfg      core.Config
	cache    *CodeCache
	adaptive *AdaptiveThreshold

	mu     sync.Mutex
	cond   *sync.Cond
	queue  compileQueue
	closed bool

	wg sync.WaitGroup

	// Native code runs against flat RAM; the engine clears this when a
	// paging mode is switched on or MMIO is registered.
	nativeAllowed atomic.Bool

	enabled      bool // false under the pure-interpreter backend
	eager        bool // jit backend compiles at first execution
	compiles     atomic.Uint64
	failures     atomic.Uint64
	compileNanos atomic.Int64 // cumulative time spent producing installed code

	// nativeSink receives successfully compiled native code, e.g. for an
	// ahead-of-time cache. Set before Start.
	nativeSink func(pc core.GuestAddr, hash common.Hash, code []byte)
}

func New(cfg core.Config) *Compiler {
	c := &Compiler{
		cfg:     cfg,
		cache:   NewCodeCache(cfg.CodeCacheSize),
		enabled: cfg.Mode != core.BackendInterpreter,
		eager:   cfg.Mode == core.BackendJit,
		adaptive: NewAdaptiveThreshold(cfg.CompileThreshold, cfg.ThresholdMin,
			cfg.ThresholdMax, cfg.AdaptiveStep, cfg.AdjustWindow),
	}
	c.cond = sync.NewCond(&c.mu)
	c.nativeAllowed.Store(true)
	return c
}

// Start launches the compile workers. They exit when ctx is canceled or
// Close is called.
func (c *Compiler) Start(ctx context.Context) {
	if !c.enabled {
		return
	}
	workers := c.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	log.Debug(log.JitModule, "compiler started", "workers", workers,
		"threshold", c.adaptive.Current(), "native", nativeSupported)
}

// Close stops the workers and waits for in-flight compilations.
func (c *Compiler) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}

// NewProfile creates the tracking record for a freshly decoded block.
func (c *Compiler) NewProfile(pc core.GuestAddr, hash common.Hash) *BlockProfile {
	return &BlockProfile{PC: pc, Hash: hash}
}

// Threshold is the current hotness threshold.
func (c *Compiler) Threshold() uint64 {
	if c.eager {
		return 1
	}
	return c.adaptive.Current()
}

// Record accounts one interpreted execution of blk and queues it for
// compilation once it crosses the threshold. Blocks whose installed code
// went stale and blocks deoptimized by a recoverable compile failure walk
// back onto the warm path here; only maxCompileFailures parks a block for
// good.
func (c *Compiler) Record(prof *BlockProfile, blk *ir.IRBlock, d time.Duration) {
	prof.count.Add(1)
	prof.recordTime(d)
	if !c.enabled {
		return
	}
	c.adaptive.RecordInterp(d)

	switch prof.State() {
	case StateCold:
		prof.casState(StateCold, StateWarm)
	case StateCompiled:
		// Interpreting a compiled block means its entry is gone, dropped
		// or orphaned by a generation bump. Rewarm so it can recompile.
		if !c.cache.Valid(prof.Entry()) {
			prof.casState(StateCompiled, StateWarm)
		}
	case StateDeoptimized:
		if prof.Failures() < maxCompileFailures {
			prof.casState(StateDeoptimized, StateWarm)
		}
	}

	if prof.State() != StateWarm || prof.Failures() >= maxCompileFailures {
		return
	}
	if prof.ExecCount() >= c.Threshold() && prof.casState(StateWarm, StateQueued) {
		c.enqueue(prof, blk, TierBaseline)
	}
}

// Execute dispatches prof's compiled code if a valid entry is installed.
// It returns false when the block must be interpreted instead. ram is the
// flat RAM image, nil when paging is active.
func (c *Compiler) Execute(st *core.VcpuExecState, mem core.Memory, ram []byte,
	prof *BlockProfile, blk *ir.IRBlock) (bool, error) {
	e := prof.Entry()
	if !c.cache.Valid(e) {
		return false, nil
	}
	if !e.acquire() {
		return false, nil
	}
	defer e.release()

	start := time.Now()
	var err error
	switch e.Tier {
	case TierNative:
		if ram == nil {
			// Paging came on under an installed native entry; the engine
			// invalidates on the mode switch, so treat as a miss.
			return false, nil
		}
		runNative(st, ram, e.native)
	default:
		err = ExecThreaded(st, mem, e.Threaded)
	}
	c.adaptive.RecordCompiled(time.Since(start))
	prof.count.Add(1)

	if e.Tier == TierBaseline && c.promotable(prof) &&
		prof.casState(StateCompiled, StateQueued) {
		c.enqueue(prof, blk, TierNative)
	}
	return true, err
}

func (c *Compiler) promotable(prof *BlockProfile) bool {
	return nativeSupported && c.nativeAllowed.Load() &&
		prof.Failures() == 0 &&
		prof.ExecCount() >= c.Threshold()*c.cfg.NativeMultiplier
}

// SetNativeSink installs a callback receiving each block's native code as
// it is compiled. Must be set before Start.
func (c *Compiler) SetNativeSink(fn func(pc core.GuestAddr, hash common.Hash, code []byte)) {
	c.nativeSink = fn
}

// InstallNative publishes pre-built native code (from the AOT cache) for
// prof, skipping the warm-up path entirely. Returns false when the native
// tier cannot take it (unsupported platform, paging active).
func (c *Compiler) InstallNative(prof *BlockProfile, code []byte) bool {
	if !c.enabled || !nativeSupported || !c.nativeAllowed.Load() {
		return false
	}
	nc, err := newNativeCode(code)
	if err != nil {
		log.Warn(log.JitModule, "aot code rejected", "pc", prof.PC, "err", err)
		return false
	}
	c.cache.Install(prof, &Entry{PC: prof.PC, Tier: TierNative, native: nc})
	return true
}

// SetNativeAllowed gates the native tier. The engine clears it when guest
// paging is enabled or an MMIO device is registered, since native loads go
// straight at flat RAM.
func (c *Compiler) SetNativeAllowed(ok bool) { c.nativeAllowed.Store(ok) }

// Drop invalidates prof's installed code after its guest pages changed.
func (c *Compiler) Drop(prof *BlockProfile) { c.cache.Drop(prof) }

// InvalidateAll orphans every installed entry.
func (c *Compiler) InvalidateAll() {
	c.cache.InvalidateAll()
	log.Debug(log.JitModule, "code cache invalidated", "gen", c.cache.Generation())
}

// CompilerStats is a point-in-time snapshot.
type CompilerStats struct {
	Queued           int
	Compiles         uint64
	CompileFailures  uint64
	TotalCompileTime time.Duration
	AvgCompileTime   time.Duration
	Threshold        uint64
	Cache            CodeCacheStats
}

func (c *Compiler) Stats() CompilerStats {
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	compiles := c.compiles.Load()
	total := time.Duration(c.compileNanos.Load())
	var avg time.Duration
	if compiles > 0 {
		avg = total / time.Duration(compiles)
	}
	return CompilerStats{
		Queued:           queued,
		Compiles:         compiles,
		CompileFailures:  c.failures.Load(),
		TotalCompileTime: total,
		AvgCompileTime:   avg,
		Threshold:        c.Threshold(),
		Cache:            c.cache.Stats(),
	}
}
