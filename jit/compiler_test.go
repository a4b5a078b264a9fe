package jit

import (
	"context"
	"testing"
	"time"

	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func haltBlock(pc core.GuestAddr) *ir.IRBlock {
	return &ir.IRBlock{
		Arch:    core.ArchRiscV64,
		StartPC: pc,
		EndPC:   pc + 8,
		Term:    ir.ClassHalt,
		Insns: []ir.Instruction{
			{PC: pc, Size: 4, Ops: []ir.Inst{{Kind: ir.OpMovImm, Rd: 1, Imm: 7}}},
			{PC: pc + 4, Size: 4, Class: ir.ClassHalt, Ops: []ir.Inst{{Kind: ir.OpHalt}}},
		},
	}
}

func testCompiler(t *testing.T, threshold uint64) *Compiler {
	t.Helper()
	cfg := core.DefaultConfig(core.ArchRiscV64)
	cfg.CompileThreshold = threshold
	cfg.ThresholdMin = 1
	return New(cfg)
}

func TestRecordPromotesThroughStates(t *testing.T) {
	c := testCompiler(t, 3) // workers never started; jobs stay queued
	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})

	c.Record(prof, blk, time.Microsecond)
	assert.Equal(t, StateWarm, prof.State())
	c.Record(prof, blk, time.Microsecond)
	assert.Equal(t, StateWarm, prof.State())
	c.Record(prof, blk, time.Microsecond)
	assert.Equal(t, StateQueued, prof.State())
	assert.Equal(t, 1, c.Stats().Queued)

	// Further executions do not requeue.
	c.Record(prof, blk, time.Microsecond)
	assert.Equal(t, 1, c.Stats().Queued)
}

func TestInterpreterBackendNeverQueues(t *testing.T) {
	cfg := core.DefaultConfig(core.ArchRiscV64)
	cfg.Mode = core.BackendInterpreter
	cfg.CompileThreshold = 1
	cfg.ThresholdMin = 1
	c := New(cfg)

	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})
	for i := 0; i < 10; i++ {
		c.Record(prof, blk, time.Microsecond)
	}
	assert.Equal(t, StateCold, prof.State())
	assert.Zero(t, c.Stats().Queued)
}

func TestCompileAndExecute(t *testing.T) {
	c := testCompiler(t, 1)
	c.Start(context.Background())
	defer c.Close()

	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})
	c.Record(prof, blk, time.Microsecond)

	require.Eventually(t, func() bool {
		return prof.State() == StateCompiled
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, TierBaseline, prof.Entry().Tier)

	st := &core.VcpuExecState{PC: blk.StartPC}
	ran, err := c.Execute(st, newFlatMem(64), nil, prof, blk)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, uint64(7), st.X[1])
	assert.True(t, st.Halted)
	assert.Equal(t, uint64(2), st.InstrRet)
}

func TestExecuteMissesOnColdBlock(t *testing.T) {
	c := testCompiler(t, 100)
	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})

	st := &core.VcpuExecState{PC: blk.StartPC}
	ran, err := c.Execute(st, newFlatMem(64), nil, prof, blk)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestDropForcesReinterpretation(t *testing.T) {
	c := testCompiler(t, 1)
	c.Start(context.Background())
	defer c.Close()

	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})
	c.Record(prof, blk, time.Microsecond)
	require.Eventually(t, func() bool {
		return prof.State() == StateCompiled
	}, 2*time.Second, time.Millisecond)

	c.Drop(prof)

	st := &core.VcpuExecState{PC: blk.StartPC}
	ran, err := c.Execute(st, newFlatMem(64), nil, prof, blk)
	require.NoError(t, err)
	assert.False(t, ran, "dropped code never dispatches")
	assert.Equal(t, StateDeoptimized, prof.State())
}

func TestInvalidateAllOrphansInstalledCode(t *testing.T) {
	c := testCompiler(t, 1)
	c.Start(context.Background())
	defer c.Close()

	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})
	c.Record(prof, blk, time.Microsecond)
	require.Eventually(t, func() bool {
		return prof.State() == StateCompiled
	}, 2*time.Second, time.Millisecond)

	c.InvalidateAll()

	st := &core.VcpuExecState{PC: blk.StartPC}
	ran, err := c.Execute(st, newFlatMem(64), nil, prof, blk)
	require.NoError(t, err)
	assert.False(t, ran, "stale generation never dispatches")
}

// fenceBlock carries a code fence, which every compiled tier rejects.
func fenceBlock(pc core.GuestAddr) *ir.IRBlock {
	return &ir.IRBlock{
		Arch:    core.ArchRiscV64,
		StartPC: pc,
		EndPC:   pc + 4,
		Term:    ir.ClassPlain,
		Insns: []ir.Instruction{
			{PC: pc, Size: 4, Ops: []ir.Inst{{Kind: ir.OpFence, Imm: 1}}},
		},
	}
}

func TestBaselineCompileFailureDeoptimizes(t *testing.T) {
	c := testCompiler(t, 1)
	c.Start(context.Background())
	defer c.Close()

	blk := fenceBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})
	c.Record(prof, blk, time.Microsecond)

	require.Eventually(t, func() bool {
		return prof.State() == StateDeoptimized
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint32(1), prof.Failures())
	assert.Equal(t, uint64(1), c.Stats().CompileFailures)
}

func TestCompileFailureRetriesUntilCap(t *testing.T) {
	c := testCompiler(t, 1)
	c.Start(context.Background())
	defer c.Close()

	blk := fenceBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})

	// Each interpreted execution after a failed compile rewarms the block
	// and requeues it, until the failure cap parks it for good.
	require.Eventually(t, func() bool {
		c.Record(prof, blk, time.Microsecond)
		return prof.Failures() >= maxCompileFailures
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, uint32(maxCompileFailures), prof.Failures())
	assert.Equal(t, uint64(maxCompileFailures), c.Stats().CompileFailures)

	require.Eventually(t, func() bool {
		return prof.State() == StateDeoptimized
	}, 2*time.Second, time.Millisecond)
	for i := 0; i < 100; i++ {
		c.Record(prof, blk, time.Microsecond)
	}
	assert.Equal(t, StateDeoptimized, prof.State(), "past the cap the block stays interpreted")
	assert.Zero(t, c.Stats().Queued)
}

func TestRecordRequeuesAfterGenerationInvalidation(t *testing.T) {
	c := testCompiler(t, 1)
	c.Start(context.Background())
	defer c.Close()

	blk := haltBlock(0x1000)
	prof := c.NewProfile(blk.StartPC, common.Hash{})
	c.Record(prof, blk, time.Microsecond)
	require.Eventually(t, func() bool {
		return prof.State() == StateCompiled
	}, 2*time.Second, time.Millisecond)

	c.InvalidateAll()
	require.False(t, c.cache.Valid(prof.Entry()))

	// Interpreted executions after the invalidation walk the block back
	// through the warm path to a fresh, dispatchable install.
	require.Eventually(t, func() bool {
		c.Record(prof, blk, time.Microsecond)
		return c.cache.Valid(prof.Entry())
	}, 2*time.Second, time.Millisecond)

	st := &core.VcpuExecState{PC: blk.StartPC}
	ran, err := c.Execute(st, newFlatMem(64), nil, prof, blk)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, st.Halted)
}

func TestCompileStatsAccumulateTime(t *testing.T) {
	c := testCompiler(t, 1)

	prof := c.NewProfile(0x1000, common.Hash{})
	c.compileOne(context.Background(), &compileJob{prof: prof, blk: haltBlock(0x1000), tier: TierBaseline})

	s := c.Stats()
	require.Equal(t, uint64(1), s.Compiles)
	assert.Greater(t, s.TotalCompileTime, time.Duration(0))
	assert.Equal(t, s.TotalCompileTime, s.AvgCompileTime)

	// A declined compile counts as a failure but adds no compile time.
	c.compileOne(context.Background(), &compileJob{
		prof: c.NewProfile(0x2000, common.Hash{}), blk: fenceBlock(0x2000), tier: TierBaseline,
	})
	s2 := c.Stats()
	assert.Equal(t, uint64(1), s2.CompileFailures)
	assert.Equal(t, s.TotalCompileTime, s2.TotalCompileTime)
}

func TestProfileTimeAccounting(t *testing.T) {
	cfg := core.DefaultConfig(core.ArchRiscV64)
	cfg.Mode = core.BackendInterpreter
	c := New(cfg)
	prof := c.NewProfile(0x1000, common.Hash{})
	blk := haltBlock(0x1000)

	c.Record(prof, blk, 100*time.Nanosecond)
	assert.Equal(t, float64(100), prof.EwmaNanos())

	c.Record(prof, blk, 200*time.Nanosecond)
	assert.Equal(t, float64(125), prof.EwmaNanos(), "weighted a quarter toward the new sample")
	assert.Equal(t, float64(150), prof.AvgInterpNanos())
	assert.Equal(t, uint64(2), prof.ExecCount())
}
