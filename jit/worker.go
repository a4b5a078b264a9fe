package jit

import (
	"container/heap"
	"context"
	"math"
	"time"

	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/telemetry"
)

// compileJob is one queued block. Jobs are ordered by expected upgrade
// benefit, hot-and-slow blocks first.
type compileJob struct {
	prof    *BlockProfile
	blk     *ir.IRBlock
	tier    Tier
	benefit float64
}

type compileQueue []*compileJob

func (q compileQueue) Len() int            { return len(q) }
func (q compileQueue) Less(i, j int) bool  { return q[i].benefit > q[j].benefit }
func (q compileQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *compileQueue) Push(x interface{}) { *q = append(*q, x.(*compileJob)) }
func (q *compileQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

func (c *Compiler) enqueue(prof *BlockProfile, blk *ir.IRBlock, tier Tier) {
	// Recent behavior orders the queue; fall back to the lifetime mean for
	// blocks promoted off the compiled tiers, which stop feeding the EWMA.
	avg := prof.EwmaNanos()
	if avg == 0 {
		avg = prof.AvgInterpNanos()
	}
	if avg < 1 {
		avg = 1
	}
	job := &compileJob{
		prof:    prof,
		blk:     blk,
		tier:    tier,
		benefit: math.Log(float64(prof.ExecCount())+1) * avg,
	}
	c.mu.Lock()
	if !c.closed {
		heap.Push(&c.queue, job)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

func (c *Compiler) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		job := heap.Pop(&c.queue).(*compileJob)
		c.mu.Unlock()

		c.compileOne(ctx, job)
		c.cache.sweepPending()
	}
}

func (c *Compiler) compileOne(ctx context.Context, job *compileJob) {
	_, span := telemetry.StartCompileSpan(ctx, uint64(job.prof.PC), job.tier.String())
	start := time.Now()

	var (
		entry     *Entry
		codeBytes int
		err       error
	)
	switch job.tier {
	case TierNative:
		var code []byte
		code, err = CompileNative(job.blk)
		if err == nil {
			var nc *nativeCode
			nc, err = newNativeCode(code)
			if err == nil {
				codeBytes = nc.size()
				entry = &Entry{PC: job.prof.PC, Tier: TierNative, native: nc}
				if c.nativeSink != nil {
					c.nativeSink(job.prof.PC, job.prof.Hash, code)
				}
			}
		}
	default:
		var tc *ThreadedCode
		tc, err = CompileBaseline(job.blk)
		if err == nil {
			codeBytes = len(tc.insns)
			entry = &Entry{PC: job.prof.PC, Tier: TierBaseline, Threaded: tc}
		}
	}
	elapsed := time.Since(start)
	c.adaptive.RecordCompile(elapsed)
	telemetry.EndCompileSpan(span, codeBytes, err)

	if err != nil {
		c.failures.Add(1)
		job.prof.failures.Add(1)
		if job.prof.Entry() != nil {
			// A lower tier is still installed; keep running it.
			job.prof.setState(StateCompiled)
		} else {
			job.prof.setState(StateDeoptimized)
		}
		log.Debug(log.JitModule, "compile declined",
			"pc", job.prof.PC, "tier", job.tier.String(), "err", err)
		return
	}

	c.compiles.Add(1)
	c.compileNanos.Add(int64(elapsed))
	c.cache.Install(job.prof, entry)
}
