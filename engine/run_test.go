package engine

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/tiervm/core"
)

// Minimal RV64 assemblers, enough to lay out test programs.

func rvAddi(rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)&0xFFF<<20 | rs1<<15 | rd<<7 | 0x13
}

func rvAdd(rd, rs1, rs2 uint32) uint32 {
	return rs2<<20 | rs1<<15 | rd<<7 | 0x33
}

func rvLui(rd uint32, imm20 uint32) uint32 {
	return imm20<<12 | rd<<7 | 0x37
}

func rvLd(rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)&0xFFF<<20 | rs1<<15 | 3<<12 | rd<<7 | 0x03
}

func rvSd(rs2, rs1 uint32, imm int32) uint32 {
	u := uint32(imm)
	return u>>5&0x7F<<25 | rs2<<20 | rs1<<15 | 3<<12 | u&0x1F<<7 | 0x23
}

func rvBeq(rs1, rs2 uint32, off int32) uint32 {
	u := uint32(off)
	return u>>12&1<<31 | u>>5&0x3F<<25 | rs2<<20 | rs1<<15 |
		u>>1&0xF<<8 | u>>11&1<<7 | 0x63
}

const (
	rvEcall  = 0x00000073
	rvEbreak = 0x00100073
	rvFenceI = 0x0000100F
)

func newTestEngine(t *testing.T, mutate func(*core.Config)) *Engine {
	t.Helper()
	cfg := core.DefaultConfig(core.ArchRiscV64)
	cfg.Mode = core.BackendInterpreter
	cfg.MemorySize = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func loadProgram(t *testing.T, e *Engine, base core.GuestPhysAddr, words ...uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	require.NoError(t, e.LoadImage(base, buf))
}

func TestRunUntilHalt(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000,
		rvAddi(1, 0, 42),
		rvAddi(2, 0, 8),
		rvAdd(3, 1, 2),
		rvEbreak,
	)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitHalted, reason)
	assert.Equal(t, uint64(50), v.State().Reg(3))
	assert.Equal(t, uint64(4), v.State().InstrRet)
}

func TestRunBudgetStopsLoop(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000,
		rvAddi(1, 1, 1),
		rvBeq(0, 0, -4), // back to 0x1000
	)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.WithBudget(10))
	require.NoError(t, err)
	assert.Equal(t, core.ExitBudgetExhausted, reason)
	assert.GreaterOrEqual(t, v.State().InstrRet, uint64(10))
	assert.Equal(t, v.State().InstrRet/2, v.State().Reg(1))
}

func TestRunLoadFaultExitsTrapped(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000,
		rvLui(2, 0x2000), // x2 = 0x200_0000, past RAM
		rvLd(1, 2, 0),
		rvEbreak,
	)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrapped, reason)
	st := v.State()
	assert.Equal(t, uint64(core.TrapCauseLoadFault), st.TrapCause)
	assert.Equal(t, uint64(0x2000000), st.TrapValue)
	assert.Equal(t, core.GuestAddr(0x1004), st.PC, "PC parks on the faulting instruction")
	assert.Equal(t, uint64(1), st.InstrRet)
}

func TestRunTrapVectorRedirects(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.TrapVector = 0x2000
	})
	loadProgram(t, e, 0x1000,
		rvLui(2, 0x2000),
		rvLd(1, 2, 0),
	)
	loadProgram(t, e, 0x2000, rvEbreak)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitHalted, reason)
	st := v.State()
	assert.Equal(t, core.GuestAddr(0x2004), st.PC)
	// Cause and value survive delivery for the handler to inspect.
	assert.Equal(t, uint64(core.TrapCauseLoadFault), st.TrapCause)
	assert.False(t, st.TrapPending)
}

func TestRunIllegalInstruction(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000, 0x00000000)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrapped, reason)
	assert.Equal(t, uint64(core.TrapCauseIllegalInstr), v.State().TrapCause)
	assert.Equal(t, uint64(0x1000), v.State().TrapValue)
}

func TestRunFetchFaultPastRAM(t *testing.T) {
	e := newTestEngine(t, nil)
	v := e.NewVcpu(0)
	v.State().PC = 0x4000000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrapped, reason)
	assert.Equal(t, uint64(core.TrapCauseInstrFault), v.State().TrapCause)
}

func TestRunSyscallTrap(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000,
		rvAddi(17, 0, 93),
		rvEcall,
	)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitTrapped, reason)
	st := v.State()
	assert.Equal(t, uint64(core.TrapCauseSyscall), st.TrapCause)
	assert.Equal(t, uint64(93), st.Reg(17))
	assert.Equal(t, uint64(2), st.InstrRet, "the syscall instruction retires")
}

func TestBlockCacheReuse(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000, rvAddi(1, 0, 7), rvEbreak)
	v := e.NewVcpu(0)

	for i := 0; i < 2; i++ {
		v.State().PC = 0x1000
		v.State().Halted = false
		_, err := v.Run(core.UntilHalt())
		require.NoError(t, err)
	}
	stats := e.blocks.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.GreaterOrEqual(t, stats.Hits, uint64(1))
}

func TestSelfModifyingCodeInvalidates(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000, rvAddi(1, 0, 1), rvEbreak)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	_, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	require.Equal(t, uint64(1), v.State().Reg(1))

	// The guest rewrites its own first instruction; the store lands in a
	// watched code page and must evict the stale block.
	require.NoError(t, v.Memory().Write(0x1000, uint64(rvAddi(1, 0, 2)), 4))
	assert.GreaterOrEqual(t, e.blocks.Stats().Invalidations, uint64(1))

	v.State().PC = 0x1000
	v.State().Halted = false
	_, err = v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.State().Reg(1), "re-decode sees the new bytes")
}

func TestFenceIFlushesDecodedCode(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000, rvAddi(1, 0, 7), rvFenceI, rvEbreak)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitHalted, reason)
	assert.Equal(t, uint64(7), v.State().Reg(1))
	assert.Equal(t, 0, e.blocks.Len(), "the fence empties the block cache")
}

type echoDevice struct {
	last map[uint64]uint64
}

func (d *echoDevice) Read(off uint64, size uint8) uint64     { return d.last[off] }
func (d *echoDevice) Write(off uint64, size uint8, v uint64) { d.last[off] = v }
func (d *echoDevice) Interrupt() (uint32, bool)              { return 0, false }

func TestRunMmioRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	dev := &echoDevice{last: make(map[uint64]uint64)}
	require.NoError(t, e.RegisterDevice(0x2000000, 0x1000, dev))

	loadProgram(t, e, 0x1000,
		rvLui(2, 0x2000), // device base
		rvAddi(3, 0, 55),
		rvSd(3, 2, 0),
		rvLd(4, 2, 0),
		rvEbreak,
	)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	reason, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	assert.Equal(t, core.ExitHalted, reason)
	assert.Equal(t, uint64(55), dev.last[0])
	assert.Equal(t, uint64(55), v.State().Reg(4))
}

func TestHybridCompilesHotLoop(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.Mode = core.BackendHybrid
		cfg.CompileThreshold = 5
		cfg.ThresholdMin = 5
		cfg.ThresholdMax = 5
		cfg.Workers = 1
		cfg.NativeMultiplier = 1 << 40 // keep this test on the baseline tier
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)

	loadProgram(t, e, 0x1000,
		rvAddi(1, 1, 1),
		rvBeq(0, 0, -4),
	)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000

	_, err := v.Run(core.WithBudget(500))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.comp.Stats().Compiles >= 1
	}, 2*time.Second, 5*time.Millisecond, "the hot loop reaches the compiler")

	// Compiled dispatch keeps the loop semantics.
	before := v.State().Reg(1)
	_, err = v.Run(core.WithBudget(v.State().InstrRet + 100))
	require.NoError(t, err)
	assert.Greater(t, v.State().Reg(1), before)
}

func TestBlockEvictionReleasesPageWatch(t *testing.T) {
	e := newTestEngine(t, func(cfg *core.Config) {
		cfg.BlockCacheSize = 1
	})
	loadProgram(t, e, 0x1000, rvAddi(1, 0, 1), rvEbreak)
	loadProgram(t, e, 0x2000, rvAddi(2, 0, 2), rvEbreak)
	v := e.NewVcpu(0)

	v.State().PC = 0x1000
	_, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	require.Equal(t, 1, e.MMU().WatchedCodePages())

	// The second block pushes the first out of the single-entry cache; the
	// evicted block's page watch must go with it.
	v.State().PC = 0x2000
	v.State().Halted = false
	_, err = v.Run(core.UntilHalt())
	require.NoError(t, err)

	assert.Equal(t, 1, e.blocks.Len())
	assert.Equal(t, 1, e.MMU().WatchedCodePages())
	_, ok := e.blocks.Get(0x1000)
	assert.False(t, ok, "the first block was evicted")
}

func TestSetPagingModeDropsCaches(t *testing.T) {
	e := newTestEngine(t, nil)
	loadProgram(t, e, 0x1000, rvAddi(1, 0, 7), rvEbreak)
	v := e.NewVcpu(0)
	v.State().PC = 0x1000
	_, err := v.Run(core.UntilHalt())
	require.NoError(t, err)
	require.Equal(t, 1, e.blocks.Len())

	e.SetPagingMode(core.PagingSv39)
	assert.Equal(t, 0, e.blocks.Len())
}
